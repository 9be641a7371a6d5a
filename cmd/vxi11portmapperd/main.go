// Command vxi11portmapperd runs the standalone mini portmapper (spec.md
// §4.3), answering PMAPPROC_GETPORT for a statically configured VXI-11
// port. Split out from vxi11gatewayd so a deployment can run the
// privileged port-111 listener as a separate process/binary, mirroring
// the original's server/portmapper process split.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"vxi11gateway/internal/portmap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	host := flag.String("host", "0.0.0.0", "bind host")
	port := flag.Int("port", 111, "portmapper bind port")
	vxiPort := flag.Uint("vxi-port", 0, "VXI-11 core program's TCP port to advertise")
	noUDP := flag.Bool("no-udp", false, "disable the UDP listener")
	noTCP := flag.Bool("no-tcp", false, "disable the TCP listener")
	flag.Parse()

	if *vxiPort == 0 {
		return fmt.Errorf("portmapperd: --vxi-port is required")
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("portmapperd: logger init: %w", err)
	}
	defer log.Sync()

	srv := portmap.New(log, portmap.Config{
		Host:    *host,
		Port:    *port,
		VXIPort: uint32(*vxiPort),
		TCP:     !*noTCP,
		UDP:     !*noUDP,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("portmapperd: %w", err)
	}
	defer srv.Stop()
	log.Info("portmapperd: listening", zap.Int("port", *port), zap.Uint("vxi_port", *vxiPort))

	<-ctx.Done()
	log.Info("portmapperd: shutting down")
	return nil
}
