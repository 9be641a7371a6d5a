// Package modbustcp implements the modbus-tcp adapter kind (spec.md §4.4,
// §4.5, scenario S3): it runs incoming ASCII commands through the mapping
// engine and executes the resulting ModbusAction against a real MODBUS/TCP
// server via github.com/goburrow/modbus, so PDU framing (MBAP header,
// transaction IDs) is the library's job.
package modbustcp

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"vxi11gateway/internal/adapter"
	"vxi11gateway/internal/mapping"

	"github.com/goburrow/modbus"
)

type device struct {
	addr    string
	unitID  byte
	timeout time.Duration
	engine  *mapping.Engine

	handler *modbus.TCPClientHandler
	client  modbus.Client
	rbuf    bytes.Buffer
}

func build(in adapter.BuildInput) (adapter.Adapter, error) {
	host, _ := in.Options["host"].(string)
	if host == "" {
		return nil, fmt.Errorf("modbus-tcp: device %s: missing host", in.DeviceName)
	}
	port, ok := adapter.AsInt(in.Options["port"])
	if !ok {
		port = 502
	}
	unit, ok := adapter.AsInt(in.Options["unit_id"])
	if !ok {
		unit = 1
	}
	specs, err := mapping.ParseRuleSpecs(in.Options["rules"])
	if err != nil {
		return nil, fmt.Errorf("modbus-tcp: device %s: %w", in.DeviceName, err)
	}
	engine, err := mapping.NewEngine(specs, true)
	if err != nil {
		return nil, fmt.Errorf("modbus-tcp: device %s: %w", in.DeviceName, err)
	}
	return &device{
		addr:    fmt.Sprintf("%s:%d", host, port),
		unitID:  byte(unit),
		timeout: 5 * time.Second,
		engine:  engine,
	}, nil
}

func init() {
	adapter.Register("modbus-tcp", adapter.BuilderFunc(build))
}

func (d *device) Connect(ctx context.Context) error { return nil }

func (d *device) Acquire(ctx context.Context) error {
	if d.client != nil {
		return nil
	}
	h := modbus.NewTCPClientHandler(d.addr)
	h.Timeout = d.timeout
	h.SlaveId = d.unitID
	if err := h.Connect(); err != nil {
		return fmt.Errorf("modbus-tcp: connect %s: %w", d.addr, err)
	}
	d.handler = h
	d.client = modbus.NewClient(h)
	return nil
}

func (d *device) Release() {
	if d.handler != nil {
		_ = d.handler.Close()
		d.handler = nil
		d.client = nil
	}
	d.rbuf.Reset()
}

func (d *device) Disconnect() { d.Release() }

func (d *device) RequiresLock() bool { return false }

func (d *device) Write(ctx context.Context, p []byte) (int, error) {
	if d.client == nil {
		return 0, fmt.Errorf("modbus-tcp: not connected")
	}
	resp, err := d.engine.Execute(d.client, string(p))
	if err != nil {
		return 0, err
	}
	d.rbuf.Reset()
	d.rbuf.WriteString(resp)
	return len(p), nil
}

func (d *device) Read(ctx context.Context, p []byte) (int, error) {
	return d.rbuf.Read(p)
}
