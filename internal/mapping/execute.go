package mapping

import "fmt"

// ModbusClient is the subset of github.com/goburrow/modbus's Client
// interface the engine needs to execute a ModbusAction. Declaring it here
// rather than importing the library keeps this package transport-free;
// any *modbus.Client value already satisfies it structurally.
type ModbusClient interface {
	ReadCoils(address, quantity uint16) (results []byte, err error)
	ReadDiscreteInputs(address, quantity uint16) (results []byte, err error)
	ReadHoldingRegisters(address, quantity uint16) (results []byte, err error)
	ReadInputRegisters(address, quantity uint16) (results []byte, err error)
	WriteSingleCoil(address, value uint16) (results []byte, err error)
	WriteSingleRegister(address, value uint16) (results []byte, err error)
	WriteMultipleCoils(address, quantity uint16, value []byte) (results []byte, err error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) (results []byte, err error)
}

// Execute matches cmd against the engine's rules and, for MODBUS rules,
// runs the resulting ModbusAction against client, returning the ASCII
// response to buffer for the next DEVICE_READ. A static rule short-
// circuits without touching client, per spec.md §4.4's MODBUS adapter
// policy.
func (e *Engine) Execute(client ModbusClient, cmd string) (string, error) {
	r, m, err := e.Match(cmd)
	if err != nil {
		return "", err
	}
	if r.IsStatic() {
		return *r.StaticResponse, nil
	}
	if !r.IsModbus() {
		return "", wrapErr(ErrInvalidRule, "generic-regex rule on a MODBUS device")
	}

	a, err := e.BuildAction(r, m)
	if err != nil {
		return "", err
	}

	if a.IsRead {
		return executeRead(client, r, a)
	}
	return "", executeWrite(client, r, a)
}

func executeRead(client ModbusClient, r *Rule, a *ModbusAction) (string, error) {
	switch a.FunctionCode {
	case 0x01:
		bits, err := client.ReadCoils(a.Address, a.Count)
		if err != nil {
			return "", fmt.Errorf("modbus: read_coils: %w", err)
		}
		return DecodeResponse(r, nil, bitsFromBytes(bits, int(a.Count)))
	case 0x02:
		bits, err := client.ReadDiscreteInputs(a.Address, a.Count)
		if err != nil {
			return "", fmt.Errorf("modbus: read_discrete_inputs: %w", err)
		}
		return DecodeResponse(r, nil, bitsFromBytes(bits, int(a.Count)))
	case 0x03:
		raw, err := client.ReadHoldingRegisters(a.Address, a.Count)
		if err != nil {
			return "", fmt.Errorf("modbus: read_holding_registers: %w", err)
		}
		return DecodeResponse(r, RegistersFromBytes(raw), nil)
	case 0x04:
		raw, err := client.ReadInputRegisters(a.Address, a.Count)
		if err != nil {
			return "", fmt.Errorf("modbus: read_input_registers: %w", err)
		}
		return DecodeResponse(r, RegistersFromBytes(raw), nil)
	default:
		return "", wrapErr(ErrInvalidRule, "not a read action")
	}
}

func executeWrite(client ModbusClient, r *Rule, a *ModbusAction) error {
	var err error
	switch a.FunctionCode {
	case 0x05:
		v := uint16(0x0000)
		if a.BoolValue {
			v = 0xFF00
		}
		_, err = client.WriteSingleCoil(a.Address, v)
	case 0x06:
		_, err = client.WriteSingleRegister(a.Address, a.Registers[0])
	case 0x0F:
		data := bytesFromBits(a.BoolValues)
		_, err = client.WriteMultipleCoils(a.Address, uint16(len(a.BoolValues)), data)
	case 0x10:
		data := BytesFromRegisters(a.Registers)
		_, err = client.WriteMultipleRegisters(a.Address, uint16(len(a.Registers)), data)
	default:
		return wrapErr(ErrInvalidRule, "not a write action")
	}
	if err != nil {
		return fmt.Errorf("modbus: write: %w", err)
	}
	return nil
}

func bitsFromBytes(b []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx, bitIdx := i/8, i%8
		if byteIdx < len(b) {
			out[i] = b[byteIdx]&(1<<bitIdx) != 0
		}
	}
	return out
}

func bytesFromBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, v := range bits {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}
