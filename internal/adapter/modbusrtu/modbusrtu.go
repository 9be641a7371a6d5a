// Package modbusrtu implements the modbus-rtu adapter kind (spec.md §4.4,
// §4.6, scenario S4): several logical devices at distinct unit IDs share
// one physical RS-485 line through internal/serialbus, which serializes
// transactions so only one is ever on the wire, and internal/modbusadu
// frames the RTU ADU (unit id + PDU + CRC16) over that shared port.
package modbusrtu

import (
	"context"
	"fmt"
	"time"

	"vxi11gateway/internal/adapter"
	"vxi11gateway/internal/mapping"
	"vxi11gateway/internal/modbusadu"
	"vxi11gateway/internal/serialbus"
)

var busManager = serialbus.New()

type device struct {
	path    string
	unitID  byte
	timeout time.Duration
	engine  *mapping.Engine
	busCfg  serialbus.Config

	handle       serialbus.Handle
	client       *modbusadu.PDUClient
	lastResponse string
}

func build(in adapter.BuildInput) (adapter.Adapter, error) {
	path, _ := in.Options["port"].(string)
	if path == "" {
		return nil, fmt.Errorf("modbus-rtu: device %s: missing port", in.DeviceName)
	}
	unit, ok := adapter.AsInt(in.Options["unit_id"])
	if !ok {
		return nil, fmt.Errorf("modbus-rtu: device %s: missing unit_id", in.DeviceName)
	}
	baud, ok := adapter.AsInt(in.Options["baudrate"])
	if !ok {
		baud = 9600
	}
	dataBits, ok := adapter.AsInt(in.Options["bytesize"])
	if !ok {
		dataBits = 8
	}
	parity, _ := in.Options["parity"].(string)
	if parity == "" {
		parity = "N"
	}
	stopBits, ok := adapter.AsFloat(in.Options["stopbits"])
	if !ok {
		stopBits = 1
	}

	specs, err := mapping.ParseRuleSpecs(in.Options["rules"])
	if err != nil {
		return nil, fmt.Errorf("modbus-rtu: device %s: %w", in.DeviceName, err)
	}
	engine, err := mapping.NewEngine(specs, true)
	if err != nil {
		return nil, fmt.Errorf("modbus-rtu: device %s: %w", in.DeviceName, err)
	}

	return &device{
		path:    path,
		unitID:  byte(unit),
		timeout: time.Second,
		engine:  engine,
		busCfg:  serialbus.Config{BaudRate: baud, DataBits: dataBits, Parity: parity, StopBits: stopBits},
	}, nil
}

func init() {
	adapter.Register("modbus-rtu", adapter.BuilderFunc(build))
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
	transport := &modbusadu.RTUTransport{RW: h.Port(), UnitID: d.unitID, Timeout: d.timeout}
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
		return 0, fmt.Errorf("modbus-rtu: not connected")
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
