// Package scpitcp implements the scpi-tcp adapter kind (spec.md §4.4): a
// lazily-opened TCP connection with optional write/read termination
// strings, the textbook byte pipe every other adapter specializes.
package scpitcp

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"vxi11gateway/internal/adapter"
)

type device struct {
	addr             string
	writeTermination string
	readTermination  string
	ioTimeout        time.Duration
	requiresLock     bool

	mu   sync.Mutex
	conn net.Conn
	rbuf bytes.Buffer
}

func build(in adapter.BuildInput) (adapter.Adapter, error) {
	host, _ := in.Options["host"].(string)
	if host == "" {
		return nil, fmt.Errorf("scpi-tcp: device %s: missing host", in.DeviceName)
	}
	port, ok := adapter.AsInt(in.Options["port"])
	if !ok {
		return nil, fmt.Errorf("scpi-tcp: device %s: missing or invalid port", in.DeviceName)
	}
	d := &device{
		addr:             net.JoinHostPort(host, fmt.Sprint(port)),
		writeTermination: stringOr(in.Options["write_termination"], ""),
		readTermination:  stringOr(in.Options["read_termination"], "\n"),
		ioTimeout:        5 * time.Second,
		requiresLock:     boolOr(in.Options["requires_lock"], false),
	}
	if ms, ok := adapter.AsInt(in.Options["io_timeout_ms"]); ok {
		d.ioTimeout = time.Duration(ms) * time.Millisecond
	}
	return d, nil
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func boolOr(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func init() {
	adapter.Register("scpi-tcp", adapter.BuilderFunc(build))
}

func (d *device) Connect(ctx context.Context) error { return nil }

func (d *device) Acquire(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: d.ioTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return fmt.Errorf("scpi-tcp: dial %s: %w", d.addr, err)
	}
	d.conn = conn
	return nil
}

func (d *device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	d.rbuf.Reset()
}

func (d *device) Disconnect() { d.Release() }

func (d *device) RequiresLock() bool { return d.requiresLock }

func (d *device) Write(ctx context.Context, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return 0, fmt.Errorf("scpi-tcp: not connected")
	}
	payload := p
	if d.writeTermination != "" {
		payload = append(append([]byte(nil), p...), d.writeTermination...)
	}
	d.conn.SetWriteDeadline(time.Now().Add(d.ioTimeout))
	n, err := d.conn.Write(payload)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

func (d *device) Read(ctx context.Context, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return 0, fmt.Errorf("scpi-tcp: not connected")
	}
	if d.rbuf.Len() == 0 {
		if err := d.fillLocked(); err != nil {
			return 0, err
		}
	}
	return d.rbuf.Read(p)
}

// fillLocked reads from the socket until read_termination is seen or the
// socket produces no more data within the I/O timeout.
func (d *device) fillLocked() error {
	term := []byte(d.readTermination)
	tmp := make([]byte, 256)
	deadline := time.Now().Add(d.ioTimeout)
	for {
		d.conn.SetReadDeadline(deadline)
		n, err := d.conn.Read(tmp)
		if n > 0 {
			d.rbuf.Write(tmp[:n])
			if len(term) > 0 && bytes.HasSuffix(d.rbuf.Bytes(), term) {
				return nil
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && d.rbuf.Len() > 0 {
				return nil
			}
			if d.rbuf.Len() > 0 {
				return nil
			}
			return fmt.Errorf("scpi-tcp: read: %w", err)
		}
	}
}
