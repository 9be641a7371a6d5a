// Command vxi11ctl talks to a running gateway's reload-control listener
// (internal/control): "reload" asks it to re-read its configuration file,
// "ping" just checks it is alive.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: vxi11ctl <reload|ping> --control <addr> [path]")
	}
	cmd := args[0]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	control := fs.String("control", "127.0.0.1:9011", "address of the gateway's control listener")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	var line string
	switch cmd {
	case "ping":
		line = "PING"
	case "reload":
		line = "RELOAD"
		if path := fs.Arg(0); path != "" {
			line += " " + path
		}
	default:
		return fmt.Errorf("vxi11ctl: unknown command %q", cmd)
	}

	reply, err := send(*control, line)
	if err != nil {
		return fmt.Errorf("vxi11ctl: %w", err)
	}
	fmt.Println(reply)
	if strings.HasPrefix(reply, "ERR") {
		os.Exit(1)
	}
	return nil
}

func send(addr, line string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimRight(reply, "\n"), nil
}
