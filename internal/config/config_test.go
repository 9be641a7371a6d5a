package config

import (
	"testing"

	_ "vxi11gateway/internal/adapter/loopback"
	_ "vxi11gateway/internal/adapter/modbustcp"
)

const sampleYAML = `
server:
  host: 0.0.0.0
  port: 9010
  portmapper_enabled: true
devices:
  loopback0:
    type: loopback
  plc1:
    type: modbus-tcp
    host: 127.0.0.1
    port: 502
    unit_id: 1
mappings:
  plc1:
    - pattern: "MEAS:TEMP\\?"
      action: read_holding_registers
      params: { address: 0, count: 2, data_type: float32_be }
`

func TestParseSplitsMappingsIntoDeviceOptions(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 9010 || !cfg.Server.PortmapperEnabled {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	plc, ok := cfg.Devices["plc1"]
	if !ok {
		t.Fatalf("expected plc1 device")
	}
	if plc.Type != "modbus-tcp" {
		t.Fatalf("expected type modbus-tcp, got %q", plc.Type)
	}
	rules, ok := plc.Options["rules"]
	if !ok {
		t.Fatalf("expected plc1 options to carry merged rules")
	}
	list, ok := rules.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected one merged rule, got %#v", rules)
	}
	if _, ok := plc.Options["type"]; ok {
		t.Fatalf("type key should not leak into options")
	}
}

func TestValidateAcceptsSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsUnknownDeviceKind(t *testing.T) {
	cfg, err := Parse([]byte(`
devices:
  d1:
    type: not-a-real-kind
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatalf("expected validate to reject unknown device kind")
	}
	cerr, ok := err.(*ConfigError)
	if !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if cerr.Device != "d1" {
		t.Fatalf("expected ConfigError.Device=d1, got %q", cerr.Device)
	}
}

func TestValidateRejectsMappingForUnknownDevice(t *testing.T) {
	cfg, err := Parse([]byte(`
devices:
  loopback0:
    type: loopback
mappings:
  ghost:
    - pattern: "X"
      response: "Y"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatalf("expected validate to reject a mapping for an undeclared device")
	}
	cerr, ok := err.(*ConfigError)
	if !ok {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if cerr.Device != "" {
		t.Fatalf("expected file-wide ConfigError with empty Device, got %q", cerr.Device)
	}
}

func TestDefaultHostIsAllInterfaces(t *testing.T) {
	cfg, err := Parse([]byte(`devices: {}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("expected default host 0.0.0.0, got %q", cfg.Server.Host)
	}
}

func TestVXI11DevicesConversion(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	devices := cfg.VXI11Devices()
	if devices["loopback0"].Kind != "loopback" {
		t.Fatalf("expected loopback0 kind loopback, got %+v", devices["loopback0"])
	}
}
