// Package control implements the gateway's reload-control listener
// (SPEC_FULL.md §4.10/§6): a tiny line-oriented TCP protocol, separate
// from the VXI-11 wire itself, that lets an operator CLI or a SIGHUP
// handler ask a running gateway to re-read its configuration file.
//
// Grounded on the teacher's explicit-capability design note (spec.md §9:
// replace "scrape whether the facade happens to have reload_config" with
// a named interface) and the pack's portmap server's accept-loop shape,
// narrowed to one request-per-line instead of RPC framing since this
// protocol is deliberately not part of VXI-11.
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Reloadable is the explicit capability a reload-control listener drives.
// path is typically empty, meaning "re-read whatever file you were
// started with"; a non-empty path lets an operator point the running
// gateway at a different file without a restart.
type Reloadable interface {
	Reload(path string) error
}

// Listener answers a one-line request per connection: "RELOAD" (optionally
// followed by a path), or "PING".
type Listener struct {
	log  *zap.Logger
	impl Reloadable

	ln       net.Listener
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

func New(log *zap.Logger, impl Reloadable) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{log: log, impl: impl, stop: make(chan struct{})}
}

// Start binds addr and begins serving in the background.
func (l *Listener) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	l.ln = ln
	l.wg.Add(1)
	go l.serve()
	return nil
}

// Addr returns the bound listener address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Stop closes the listener and waits for in-flight requests to finish.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		if l.ln != nil {
			_ = l.ln.Close()
		}
	})
	l.wg.Wait()
}

func (l *Listener) serve() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
				l.log.Debug("control: accept error", zap.Error(err))
				return
			}
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		fmt.Fprintln(conn, "ERR: empty command")
		return
	}

	switch strings.ToUpper(fields[0]) {
	case "PING":
		fmt.Fprintln(conn, "OK pong")
	case "RELOAD":
		path := ""
		if len(fields) > 1 {
			path = fields[1]
		}
		if err := l.impl.Reload(path); err != nil {
			l.log.Warn("control: reload failed", zap.Error(err))
			fmt.Fprintf(conn, "ERR: %v\n", err)
			return
		}
		fmt.Fprintln(conn, "OK reloaded")
	default:
		fmt.Fprintf(conn, "ERR: unknown command %q\n", fields[0])
	}
}
