package mapping

import "testing"

type fakeModbusClient struct {
	holdingRegs map[uint16][]byte
	written     map[uint16]uint16
}

func newFakeClient() *fakeModbusClient {
	return &fakeModbusClient{holdingRegs: map[uint16][]byte{}, written: map[uint16]uint16{}}
}

func (f *fakeModbusClient) ReadCoils(address, quantity uint16) ([]byte, error) { return nil, nil }
func (f *fakeModbusClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return f.holdingRegs[address], nil
}
func (f *fakeModbusClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) WriteSingleCoil(address, value uint16) ([]byte, error) { return nil, nil }
func (f *fakeModbusClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.written[address] = value
	return nil, nil
}
func (f *fakeModbusClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}
func (f *fakeModbusClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return nil, nil
}

func TestExecuteReadHoldingRegistersFloat32(t *testing.T) {
	specs := []RuleSpec{
		{Pattern: `^MEAS:TEMP\?$`, Action: ActionReadHoldingRegisters,
			Params: &RuleParamsSpec{Address: ptrI(0), Count: ptrI(2), DataType: TypeFloat32BE}},
	}
	e, err := NewEngine(specs, true)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	client := newFakeClient()
	client.holdingRegs[0] = []byte{0x41, 0xCC, 0x00, 0x00}

	got, err := e.Execute(client, "MEAS:TEMP?")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "25.500000" {
		t.Fatalf("expected 25.500000, got %q", got)
	}
}

func TestExecuteWriteSingleRegister(t *testing.T) {
	specs := []RuleSpec{
		{Pattern: `^SET:TEMP (?P<v>[-0-9.]+)$`, Action: ActionWriteSingleRegister,
			Params: &RuleParamsSpec{Address: ptrI(5), DataType: TypeUint16, Value: "$1", Scale: ptrF(100)}},
	}
	e, err := NewEngine(specs, true)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	client := newFakeClient()
	if _, err := e.Execute(client, "SET:TEMP 25.5"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if client.written[5] != 2550 {
		t.Fatalf("expected register 5 = 2550, got %d", client.written[5])
	}
}

func TestExecuteStaticResponseNeverTouchesClient(t *testing.T) {
	specs := []RuleSpec{{Pattern: `^\*IDN\?$`, Response: ptrStr("ACME\n")}}
	e, err := NewEngine(specs, true)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	got, err := e.Execute(nil, "*IDN?")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "ACME\n" {
		t.Fatalf("expected ACME\\n, got %q", got)
	}
}

func TestExecuteNoMatch(t *testing.T) {
	e, err := NewEngine(nil, true)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := e.Execute(newFakeClient(), "anything"); err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}
