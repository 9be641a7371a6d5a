// Command vxi11gatewayd runs the VXI-11 gateway: the core RPC server plus,
// unless disabled, the reload-control listener and an optional mini
// portmapper (spec.md §6, SPEC_FULL.md §6's CLI surface).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	_ "vxi11gateway/internal/adapter/genericregex"
	_ "vxi11gateway/internal/adapter/loopback"
	_ "vxi11gateway/internal/adapter/modbusascii"
	_ "vxi11gateway/internal/adapter/modbusrtu"
	_ "vxi11gateway/internal/adapter/modbustcp"
	_ "vxi11gateway/internal/adapter/scpiserial"
	_ "vxi11gateway/internal/adapter/scpitcp"
	_ "vxi11gateway/internal/adapter/usbtmc"
	"vxi11gateway/internal/config"
	"vxi11gateway/internal/control"
	"vxi11gateway/internal/portmap"
	"vxi11gateway/internal/vxi11"
)

// reloadFacade implements control.Reloadable by re-loading and
// re-validating the configuration file and swapping the server's device
// table. It never touches the server's bind address: only CREATE_LINK's
// device table can change on reload.
type reloadFacade struct {
	log        *zap.Logger
	server     *vxi11.Server
	configPath string
}

func (f *reloadFacade) Reload(path string) error {
	if path == "" {
		path = f.configPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	f.server.SetDevices(cfg.VXI11Devices())
	f.configPath = path
	f.log.Info("gatewayd: config reloaded", zap.String("path", path))
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", "", "path to the gateway YAML config file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("gatewayd: logger init: %w", err)
	}
	defer log.Sync()

	configPath := *configFlag
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}
	if configPath == "" {
		return fmt.Errorf("gatewayd: no config path given (--config or CONFIG_PATH)")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("gatewayd: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("gatewayd: %w", err)
	}

	host := cfg.Server.Host
	if v := os.Getenv("SERVER_HOST_OVERRIDE"); v != "" && os.Getenv("DISABLE_SERVER_HOST_OVERRIDE") == "" {
		host = v
	}

	srv := vxi11.New(log, vxi11.Config{
		Host:    host,
		Port:    cfg.Server.Port,
		Devices: cfg.VXI11Devices(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("gatewayd: start vxi11 server: %w", err)
	}
	defer srv.Stop()
	log.Info("gatewayd: vxi11 server listening", zap.Stringer("addr", srv.Addr()))

	if cfg.Server.PortmapperEnabled {
		vxiPort := uint32(srv.Addr().(*net.TCPAddr).Port)
		pm := portmap.New(log, portmap.Config{
			Host:    host,
			Port:    111,
			VXIPort: vxiPort,
			TCP:     true,
			UDP:     true,
		})
		if err := pm.Start(ctx); err != nil {
			log.Warn("gatewayd: portmapper failed to start", zap.Error(err))
		} else {
			defer pm.Stop()
		}
	}

	facade := &reloadFacade{log: log, server: srv, configPath: configPath}

	var ctl *control.Listener
	if os.Getenv("DISABLE_FACADE") == "" {
		ctl = control.New(log, facade)
		controlAddr := fmt.Sprintf("%s:%d", host, cfg.Server.Port+1)
		if err := ctl.Start(ctx, controlAddr); err != nil {
			log.Warn("gatewayd: control listener failed to start", zap.Error(err))
			ctl = nil
		} else {
			defer ctl.Stop()
			log.Info("gatewayd: control listener ready", zap.Stringer("addr", ctl.Addr()))
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := facade.Reload(""); err != nil {
				log.Warn("gatewayd: SIGHUP reload failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	signal.Stop(hup)
	close(hup)
	log.Info("gatewayd: shutting down")
	return nil
}
