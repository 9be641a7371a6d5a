// Package mapping implements the command-mapping engine (spec.md §4.5):
// it rewrites a trimmed ASCII command into either a MODBUS ModbusAction or
// a generic-regex request/response exchange, by matching an ordered list
// of regex rules.
//
// The MODBUS half is grounded on the function-code table and data-type
// encodings spec.md §4.5 defines directly; PDU execution against a real
// bus is the job of the modbus-* adapters, which hand a ModbusAction to
// github.com/goburrow/modbus (see internal/adapter/modbustcp and peers).
package mapping

import (
	"errors"
	"fmt"
)

// Action names accepted in a MODBUS mapping rule's "action" field, and
// their function codes — the closed table from spec.md §4.5 step 1.
const (
	ActionReadCoils             = "read_coils"
	ActionReadDiscreteInputs    = "read_discrete_inputs"
	ActionReadHoldingRegisters  = "read_holding_registers"
	ActionReadInputRegisters    = "read_input_registers"
	ActionWriteSingleCoil       = "write_single_coil"
	ActionWriteSingleRegister   = "write_single_register"
	ActionWriteMultipleCoils    = "write_multiple_coils"
	ActionWriteHoldingRegisters = "write_holding_registers"
)

var functionCodes = map[string]uint8{
	ActionReadCoils:             0x01,
	ActionReadDiscreteInputs:    0x02,
	ActionReadHoldingRegisters:  0x03,
	ActionReadInputRegisters:    0x04,
	ActionWriteSingleCoil:       0x05,
	ActionWriteSingleRegister:   0x06,
	ActionWriteMultipleCoils:    0x0F,
	ActionWriteHoldingRegisters: 0x10,
}

// FunctionCode returns the MODBUS function code for a mapping action name.
func FunctionCode(action string) (uint8, bool) {
	fc, ok := functionCodes[action]
	return fc, ok
}

func isReadAction(action string) bool {
	switch action {
	case ActionReadCoils, ActionReadDiscreteInputs, ActionReadHoldingRegisters, ActionReadInputRegisters:
		return true
	default:
		return false
	}
}

func isCoilAction(action string) bool {
	switch action {
	case ActionReadCoils, ActionReadDiscreteInputs, ActionWriteSingleCoil, ActionWriteMultipleCoils:
		return true
	default:
		return false
	}
}

// Engine errors (spec.md §4.5 "Errors").
var (
	ErrNoMatch       = errors.New("mapping: no rule matched the command")
	ErrUnknownAction = errors.New("mapping: unknown action")
	ErrInvalidRule   = errors.New("mapping: invalid rule")
	ErrEncoding      = errors.New("mapping: value out of range for data type")
	ErrDecoding      = errors.New("mapping: register buffer too short")
)

// ModbusAction is the engine's output for MODBUS devices (spec.md §3).
type ModbusAction struct {
	FunctionCode  uint8
	Address       uint16
	Count         uint16
	IsCoil        bool
	IsRead        bool
	BoolValue     bool     // for write_single_coil
	BoolValues    []bool   // for write_multiple_coils
	Registers     []uint16 // for single/multiple register writes
	DataType      string
	ResponseScale float64
}

func wrapErr(base error, detail string) error {
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}
