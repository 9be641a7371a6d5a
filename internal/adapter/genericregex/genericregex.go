// Package genericregex implements the generic-regex adapter kind
// (spec.md §4.4): an ordered regex rule list rewrites each inbound SCPI-
// like command into a request sent over a dedicated TCP or serial
// transport, with an optional terminator-delimited response parsed back
// through the same rule's response_regex/response_format.
//
// Grounded on the teacher's scpi-tcp/scpi-serial byte-pipe shape
// (lazily-opened transport, terminator-seeking read loop) combined with
// internal/mapping's request/response template renderer.
package genericregex

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"vxi11gateway/internal/adapter"
	"vxi11gateway/internal/mapping"
)

type device struct {
	transport string // "tcp" or "serial"

	tcpAddr string

	serialPath string
	serialMode *serial.Mode

	ioTimeout    time.Duration
	requiresLock bool
	engine       *mapping.Engine

	mu   sync.Mutex
	conn net.Conn
	port serial.Port
	rbuf bytes.Buffer
}

func build(in adapter.BuildInput) (adapter.Adapter, error) {
	transport := strings.ToLower(stringOr(in.Options["transport"], "tcp"))
	if transport != "tcp" && transport != "serial" {
		return nil, fmt.Errorf("generic-regex: device %s: transport must be tcp or serial", in.DeviceName)
	}

	specs, err := mapping.ParseRuleSpecs(in.Options["rules"])
	if err != nil {
		return nil, fmt.Errorf("generic-regex: device %s: %w", in.DeviceName, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("generic-regex: device %s: requires at least one mapping rule", in.DeviceName)
	}
	engine, err := mapping.NewEngine(specs, false)
	if err != nil {
		return nil, fmt.Errorf("generic-regex: device %s: %w", in.DeviceName, err)
	}

	d := &device{
		transport: transport,
		ioTimeout: 1 * time.Second,
		engine:    engine,
	}
	if ms, ok := adapter.AsInt(in.Options["io_timeout_ms"]); ok {
		d.ioTimeout = time.Duration(ms) * time.Millisecond
	}

	switch transport {
	case "tcp":
		host, _ := in.Options["host"].(string)
		if host == "" {
			return nil, fmt.Errorf("generic-regex: device %s: tcp transport requires host", in.DeviceName)
		}
		port, ok := adapter.AsInt(in.Options["port"])
		if !ok {
			return nil, fmt.Errorf("generic-regex: device %s: tcp transport requires port", in.DeviceName)
		}
		d.tcpAddr = net.JoinHostPort(host, fmt.Sprint(port))
		d.requiresLock = boolOr(in.Options["requires_lock"], false)
	case "serial":
		path := stringOr(in.Options["serial_port"], "")
		if path == "" {
			path = stringOr(in.Options["port"], "")
		}
		if path == "" {
			return nil, fmt.Errorf("generic-regex: device %s: serial transport requires serial_port", in.DeviceName)
		}
		d.serialPath = path
		d.serialMode = serialMode(in.Options)
		d.requiresLock = boolOr(in.Options["requires_lock"], true)
	}

	return d, nil
}

func serialMode(opts map[string]any) *serial.Mode {
	baud, ok := adapter.AsInt(opts["baudrate"])
	if !ok {
		baud = 9600
	}
	dataBits, ok := adapter.AsInt(opts["bytesize"])
	if !ok {
		dataBits = 8
	}
	m := &serial.Mode{BaudRate: baud, DataBits: dataBits}
	switch stringOr(opts["parity"], "N") {
	case "E":
		m.Parity = serial.EvenParity
	case "O":
		m.Parity = serial.OddParity
	default:
		m.Parity = serial.NoParity
	}
	stopBits, ok := adapter.AsFloat(opts["stopbits"])
	if !ok {
		stopBits = 1
	}
	switch stopBits {
	case 2:
		m.StopBits = serial.TwoStopBits
	case 1.5:
		m.StopBits = serial.OnePointFiveStopBits
	default:
		m.StopBits = serial.OneStopBit
	}
	return m
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
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

var openPort = serial.Open

func init() {
	adapter.Register("generic-regex", adapter.BuilderFunc(build))
}

func (d *device) Connect(ctx context.Context) error { return nil }

func (d *device) RequiresLock() bool { return d.requiresLock }

func (d *device) Acquire(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil || d.port != nil {
		return nil
	}

	if d.transport == "tcp" {
		dialer := net.Dialer{Timeout: d.ioTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", d.tcpAddr)
		if err != nil {
			return fmt.Errorf("generic-regex: dial %s: %w", d.tcpAddr, err)
		}
		d.conn = conn
		return nil
	}

	port, err := openPort(d.serialPath, d.serialMode)
	if err != nil {
		return fmt.Errorf("generic-regex: open %s: %w", d.serialPath, err)
	}
	d.port = port
	return nil
}

func (d *device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	if d.port != nil {
		_ = d.port.Close()
		d.port = nil
	}
	d.rbuf.Reset()
}

func (d *device) Disconnect() { d.Release() }

func (d *device) Write(ctx context.Context, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil && d.port == nil {
		return 0, fmt.Errorf("generic-regex: not connected")
	}

	cmd := strings.TrimSpace(string(p))
	if cmd == "" {
		return 0, fmt.Errorf("generic-regex: empty command")
	}
	rule, _, err := d.engine.Match(cmd)
	if err != nil {
		return 0, err
	}
	reqText, err := d.engine.RenderRequest(rule, cmd)
	if err != nil {
		return 0, err
	}
	if err := d.writeLocked([]byte(reqText)); err != nil {
		return 0, err
	}

	if !rule.ExpectsResp {
		d.rbuf.Reset()
		return len(p), nil
	}

	raw, err := d.readUntilTerminatorLocked(rule.Terminator)
	if err != nil {
		return 0, err
	}
	if rule.ResponseRegex != nil && !rule.ResponseRegex.MatchString(raw) {
		return 0, fmt.Errorf("generic-regex: response %q did not match response_regex after terminator-terminated read", raw)
	}
	formatted, err := d.engine.RenderResponse(rule, raw)
	if err != nil {
		return 0, err
	}
	d.rbuf.Reset()
	d.rbuf.WriteString(formatted)
	return len(p), nil
}

func (d *device) Read(ctx context.Context, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rbuf.Read(p)
}

func (d *device) writeLocked(p []byte) error {
	if d.conn != nil {
		d.conn.SetWriteDeadline(time.Now().Add(d.ioTimeout))
		_, err := d.conn.Write(p)
		return err
	}
	_, err := d.port.Write(p)
	return err
}

// readUntilTerminatorLocked reads until terminator appears in the
// accumulated bytes, returning everything before it with trailing CR/LF
// trimmed (spec.md §4.4's generic-regex read rule). With no terminator
// configured it reads exactly one chunk.
func (d *device) readUntilTerminatorLocked(terminator string) (string, error) {
	tmp := make([]byte, 256)
	var buf bytes.Buffer
	deadline := time.Now().Add(d.ioTimeout)

	for {
		n, err := d.readChunkLocked(tmp, deadline)
		if n > 0 {
			buf.Write(tmp[:n])
			if terminator != "" {
				if idx := strings.Index(buf.String(), terminator); idx >= 0 {
					return strings.TrimRight(buf.String()[:idx], "\r\n"), nil
				}
				continue
			}
			return strings.TrimRight(buf.String(), "\r\n"), nil
		}
		if err != nil {
			if buf.Len() > 0 {
				return strings.TrimRight(buf.String(), "\r\n"), nil
			}
			return "", fmt.Errorf("generic-regex: read: %w", err)
		}
	}
}

func (d *device) readChunkLocked(tmp []byte, deadline time.Time) (int, error) {
	if d.conn != nil {
		d.conn.SetReadDeadline(deadline)
		n, err := d.conn.Read(tmp)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return n, err
			}
		}
		return n, err
	}
	d.port.SetReadTimeout(time.Until(deadline))
	return d.port.Read(tmp)
}
