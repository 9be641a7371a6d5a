// Package modbusascii implements the modbus-ascii adapter kind (spec.md
// §4.4, §4.6): identical sharing model to modbusrtu, but frames each ADU
// as an LRC-checked hex-ASCII line bounded by ':' and CRLF, per
// internal/modbusadu's ASCIITransport.
package modbusascii

import (
	"context"
	"fmt"

	"vxi11gateway/internal/adapter"
	"vxi11gateway/internal/mapping"
	"vxi11gateway/internal/modbusadu"
	"vxi11gateway/internal/serialbus"
)

var busManager = serialbus.New()

type device struct {
	path   string
	unitID byte
	engine *mapping.Engine
	busCfg serialbus.Config

	handle       serialbus.Handle
	client       *modbusadu.PDUClient
	lastResponse string
}

func build(in adapter.BuildInput) (adapter.Adapter, error) {
	path, _ := in.Options["port"].(string)
	if path == "" {
		return nil, fmt.Errorf("modbus-ascii: device %s: missing port", in.DeviceName)
	}
	unit, ok := adapter.AsInt(in.Options["unit_id"])
	if !ok {
		return nil, fmt.Errorf("modbus-ascii: device %s: missing unit_id", in.DeviceName)
	}
	baud, ok := adapter.AsInt(in.Options["baudrate"])
	if !ok {
		baud = 9600
	}
	dataBits, ok := adapter.AsInt(in.Options["bytesize"])
	if !ok {
		dataBits = 7
	}
	parity, _ := in.Options["parity"].(string)
	if parity == "" {
		parity = "E"
	}
	stopBits, ok := adapter.AsFloat(in.Options["stopbits"])
	if !ok {
		stopBits = 1
	}

	specs, err := mapping.ParseRuleSpecs(in.Options["rules"])
	if err != nil {
		return nil, fmt.Errorf("modbus-ascii: device %s: %w", in.DeviceName, err)
	}
	engine, err := mapping.NewEngine(specs, true)
	if err != nil {
		return nil, fmt.Errorf("modbus-ascii: device %s: %w", in.DeviceName, err)
	}

	return &device{
		path:   path,
		unitID: byte(unit),
		engine: engine,
		busCfg: serialbus.Config{BaudRate: baud, DataBits: dataBits, Parity: parity, StopBits: stopBits},
	}, nil
}

func init() {
	adapter.Register("modbus-ascii", adapter.BuilderFunc(build))
}

func (d *device) Connect(ctx context.Context) error { return nil }

func (d *device) Acquire(ctx context.Context) error {
	if d.client != nil {
		return nil
	}
	h, err := busManager.Acquire(d.path, d.busCfg)
	if err != nil {
		return err
	}
	d.handle = h
	transport := &modbusadu.ASCIITransport{RW: h.Port(), UnitID: d.unitID}
	d.client = &modbusadu.PDUClient{T: transport}
	return nil
}

func (d *device) Release() {
	if d.client != nil {
		busManager.Release(d.handle)
		d.client = nil
	}
}

func (d *device) Disconnect() { d.Release() }

func (d *device) RequiresLock() bool { return false }

func (d *device) Write(ctx context.Context, p []byte) (int, error) {
	if d.client == nil {
		return 0, fmt.Errorf("modbus-ascii: not connected")
	}
	d.handle.Lock()
	resp, err := d.engine.Execute(d.client, string(p))
	d.handle.Unlock()
	if err != nil {
		return 0, err
	}
	d.lastResponse = resp
	return len(p), nil
}

func (d *device) Read(ctx context.Context, p []byte) (int, error) {
	n := copy(p, d.lastResponse)
	d.lastResponse = d.lastResponse[n:]
	return n, nil
}
