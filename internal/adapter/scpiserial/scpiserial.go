// Package scpiserial implements the scpi-serial adapter kind (spec.md
// §4.4): a dedicated serial line (not pooled by internal/serialbus, since
// unlike MODBUS/RTU a SCPI instrument owns its port exclusively), read one
// byte at a time until a termination string or inter-byte idle timeout.
package scpiserial

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"vxi11gateway/internal/adapter"

	"go.bug.st/serial"
)

type device struct {
	path            string
	mode            *serial.Mode
	readTermination string
	idleTimeout     time.Duration

	port serial.Port
	rbuf bytes.Buffer
}

func build(in adapter.BuildInput) (adapter.Adapter, error) {
	path, _ := in.Options["port"].(string)
	if path == "" {
		return nil, fmt.Errorf("scpi-serial: device %s: missing port", in.DeviceName)
	}
	baud, ok := adapter.AsInt(in.Options["baudrate"])
	if !ok {
		baud = 9600
	}
	dataBits, ok := adapter.AsInt(in.Options["bytesize"])
	if !ok {
		dataBits = 8
	}
	mode := &serial.Mode{BaudRate: baud, DataBits: dataBits}
	switch parity, _ := in.Options["parity"].(string); parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	case "M":
		mode.Parity = serial.MarkParity
	case "S":
		mode.Parity = serial.SpaceParity
	default:
		mode.Parity = serial.NoParity
	}
	switch sb, _ := in.Options["stopbits"].(float64); sb {
	case 2:
		mode.StopBits = serial.TwoStopBits
	case 1.5:
		mode.StopBits = serial.OnePointFiveStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}

	idle := 200 * time.Millisecond
	if ms, ok := adapter.AsInt(in.Options["idle_timeout_ms"]); ok {
		idle = time.Duration(ms) * time.Millisecond
	}

	return &device{
		path:            path,
		mode:            mode,
		readTermination: stringOr(in.Options["read_termination"], "\n"),
		idleTimeout:     idle,
	}, nil
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func init() {
	adapter.Register("scpi-serial", adapter.BuilderFunc(build))
}

// openPort is a seam for tests to substitute a fake serial.Port without
// real hardware.
var openPort = serial.Open

func (d *device) Connect(ctx context.Context) error { return nil }

func (d *device) Acquire(ctx context.Context) error {
	if d.port != nil {
		return nil
	}
	p, err := openPort(d.path, d.mode)
	if err != nil {
		return fmt.Errorf("scpi-serial: open %s: %w", d.path, err)
	}
	d.port = p
	return nil
}

func (d *device) Release() {
	if d.port != nil {
		_ = d.port.Close()
		d.port = nil
	}
	d.rbuf.Reset()
}

func (d *device) Disconnect() { d.Release() }

func (d *device) RequiresLock() bool { return true }

func (d *device) Write(ctx context.Context, p []byte) (int, error) {
	if d.port == nil {
		return 0, fmt.Errorf("scpi-serial: not connected")
	}
	return d.port.Write(p)
}

func (d *device) Read(ctx context.Context, p []byte) (int, error) {
	if d.port == nil {
		return 0, fmt.Errorf("scpi-serial: not connected")
	}
	if d.rbuf.Len() == 0 {
		if err := d.fillByteAtATime(); err != nil {
			return 0, err
		}
	}
	return d.rbuf.Read(p)
}

func (d *device) fillByteAtATime() error {
	term := []byte(d.readTermination)
	one := make([]byte, 1)
	_ = d.port.SetReadTimeout(d.idleTimeout)
	for {
		n, err := d.port.Read(one)
		if n == 1 {
			d.rbuf.WriteByte(one[0])
			if len(term) > 0 && bytes.HasSuffix(d.rbuf.Bytes(), term) {
				return nil
			}
			continue
		}
		if err != nil {
			if d.rbuf.Len() > 0 {
				return nil
			}
			return fmt.Errorf("scpi-serial: read: %w", err)
		}
		// n==0, err==nil: idle timeout elapsed with no new byte.
		if d.rbuf.Len() > 0 {
			return nil
		}
		return nil
	}
}
