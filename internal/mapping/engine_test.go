package mapping

import (
	"math"
	"testing"
)

func ptrF(f float64) *float64 { return &f }
func ptrI(i int) *int         { return &i }
func ptrB(b bool) *bool       { return &b }

func TestMatchFirstWins(t *testing.T) {
	specs := []RuleSpec{
		{Pattern: `^MEAS:TEMP\?$`, Action: ActionReadHoldingRegisters,
			Params: &RuleParamsSpec{Address: ptrI(0), Count: ptrI(2), DataType: TypeFloat32BE}},
		{Pattern: `^MEAS:.*$`, Response: ptrStr("fallback")},
	}
	e, err := NewEngine(specs, true)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r, _, err := e.Match("meas:temp?")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !r.IsModbus() {
		t.Fatalf("expected first rule (modbus) to win, got static rule")
	}
}

func ptrStr(s string) *string { return &s }

func TestBuildActionReadHoldingRegisters(t *testing.T) {
	specs := []RuleSpec{
		{Pattern: `^MEAS:TEMP\?$`, Action: ActionReadHoldingRegisters,
			Params: &RuleParamsSpec{Address: ptrI(0), Count: ptrI(2), DataType: TypeFloat32BE}},
	}
	e, err := NewEngine(specs, true)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r, m, err := e.Match("MEAS:TEMP?")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	a, err := e.BuildAction(r, m)
	if err != nil {
		t.Fatalf("BuildAction: %v", err)
	}
	if a.FunctionCode != 0x03 || a.Address != 0 || a.Count != 2 || !a.IsRead {
		t.Fatalf("unexpected action: %+v", a)
	}
}

func TestDecodeResponseFloat32NoScale(t *testing.T) {
	specs := []RuleSpec{
		{Pattern: `^MEAS:TEMP\?$`, Action: ActionReadHoldingRegisters,
			Params: &RuleParamsSpec{Address: ptrI(0), Count: ptrI(2), DataType: TypeFloat32BE}},
	}
	e, err := NewEngine(specs, true)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r, _, _ := e.Match("MEAS:TEMP?")

	regs := []uint16{0x41CC, 0x0000}
	got, err := DecodeResponse(r, regs, nil)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got != "25.500000" {
		t.Fatalf("expected 25.500000, got %q", got)
	}
}

func TestBuildActionWriteSingleRegisterWithScale(t *testing.T) {
	specs := []RuleSpec{
		{Pattern: `^SET:TEMP (?P<v>[-0-9.]+)$`, Action: ActionWriteSingleRegister,
			Params: &RuleParamsSpec{Address: ptrI(5), DataType: TypeUint16, Value: "$1", Scale: ptrF(100)}},
	}
	e, err := NewEngine(specs, true)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r, m, err := e.Match("SET:TEMP 25.5")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	a, err := e.BuildAction(r, m)
	if err != nil {
		t.Fatalf("BuildAction: %v", err)
	}
	if len(a.Registers) != 1 || a.Registers[0] != 2550 {
		t.Fatalf("expected register 2550, got %+v", a.Registers)
	}
}

func TestDecodeResponseWithResponseScale(t *testing.T) {
	r := &Rule{Action: ActionReadHoldingRegisters, DataType: TypeUint16, ResponseScale: 100, HasRespScale: true}
	got, err := DecodeResponse(r, []uint16{2550}, nil)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got != "25.50" {
		t.Fatalf("expected 25.50, got %q", got)
	}
}

func TestGenericRegexRequestResponseRoundTrip(t *testing.T) {
	specs := []RuleSpec{
		{
			Pattern:        `^STAT$`,
			RequestFormat:  "STATUS\n",
			ResponseRegex:  `OK TEMP=(?P<temp>\d+\.\d+) MODE=(?P<mode>\w+)`,
			ResponseFormat: "TEMP=$temp\nMODE=$mode\n",
		},
	}
	e, err := NewEngine(specs, false)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r, _, err := e.Match("STAT")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	req, err := e.RenderRequest(r, "STAT")
	if err != nil {
		t.Fatalf("RenderRequest: %v", err)
	}
	if req != "STATUS\n" {
		t.Fatalf("expected STATUS\\n, got %q", req)
	}
	resp, err := e.RenderResponse(r, "OK TEMP=26.5 MODE=AUTO")
	if err != nil {
		t.Fatalf("RenderResponse: %v", err)
	}
	if resp != "TEMP=26.5\nMODE=AUTO\n" {
		t.Fatalf("unexpected response: %q", resp)
	}
}

func TestGenericRegexRequestAppliesScaleAndPayloadWidth(t *testing.T) {
	specs := []RuleSpec{
		{
			Pattern:       `^SET (?P<v>[-0-9.]+)$`,
			RequestFormat: "W${v}\n",
			Scale:         ptrF(100),
			PayloadWidth:  ptrI(5),
		},
	}
	e, err := NewEngine(specs, false)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r, _, err := e.Match("SET 25.5")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	req, err := e.RenderRequest(r, "SET 25.5")
	if err != nil {
		t.Fatalf("RenderRequest: %v", err)
	}
	if req != "W02550\n" {
		t.Fatalf("expected W02550\\n, got %q", req)
	}
}

func TestGenericRegexRequestScaleRejectsNonNumeric(t *testing.T) {
	specs := []RuleSpec{
		{Pattern: `^SET (?P<v>\w+)$`, RequestFormat: "W$1\n", Scale: ptrF(10)},
	}
	e, err := NewEngine(specs, false)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r, _, err := e.Match("SET abc")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if _, err := e.RenderRequest(r, "SET abc"); err == nil {
		t.Fatalf("expected error scaling non-numeric template value")
	}
}

func TestGenericRegexResponseScalesAnyNamedGroup(t *testing.T) {
	specs := []RuleSpec{
		{
			Pattern:        `^STAT$`,
			RequestFormat:  "STATUS\n",
			ResponseRegex:  `T=(?P<reading>-?\d+C)`,
			ResponseFormat: "TEMP=$reading\n",
			ResponseScale:  ptrF(100),
		},
	}
	e, err := NewEngine(specs, false)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r, _, err := e.Match("STAT")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	resp, err := e.RenderResponse(r, "T=2550C")
	if err != nil {
		t.Fatalf("RenderResponse: %v", err)
	}
	if resp != "TEMP=25.50\n" {
		t.Fatalf("expected TEMP=25.50\\n, got %q", resp)
	}
}

func TestGenericRegexIsCaseSensitive(t *testing.T) {
	specs := []RuleSpec{{Pattern: `^STAT$`, RequestFormat: "STATUS\n"}}
	e, err := NewEngine(specs, false)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, _, err := e.Match("stat"); err != ErrNoMatch {
		t.Fatalf("expected case-sensitive no-match, got %v", err)
	}
}

func TestModbusMatchIsCaseInsensitive(t *testing.T) {
	specs := []RuleSpec{{Pattern: `^MEAS:TEMP\?$`, Action: ActionReadHoldingRegisters,
		Params: &RuleParamsSpec{Address: ptrI(0), Count: ptrI(2), DataType: TypeFloat32BE}}}
	e, err := NewEngine(specs, true)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, _, err := e.Match("meas:temp?"); err != nil {
		t.Fatalf("expected case-insensitive match, got %v", err)
	}
}

func TestStaticResponseRule(t *testing.T) {
	specs := []RuleSpec{{Pattern: `^\*IDN\?$`, Response: ptrStr("ACME,GATEWAY,0,1.0\n")}}
	e, err := NewEngine(specs, false)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r, _, err := e.Match("*IDN?")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if !r.IsStatic() || *r.StaticResponse != "ACME,GATEWAY,0,1.0\n" {
		t.Fatalf("expected static response rule")
	}
}

func TestNoMatchReturnsErrNoMatch(t *testing.T) {
	e, err := NewEngine(nil, true)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, _, err := e.Match("anything"); err != ErrNoMatch {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

func TestDataTypeRoundTrip(t *testing.T) {
	cases := []struct {
		dt string
		v  float64
	}{
		{TypeUint16, 12345},
		{TypeInt16, -1234},
		{TypeUint32BE, 123456789},
		{TypeUint32LE, 123456789},
		{TypeBool, 1},
	}
	for _, c := range cases {
		regs, err := EncodeRegisters(c.dt, c.v)
		if err != nil {
			t.Fatalf("%s: encode: %v", c.dt, err)
		}
		got, err := DecodeRegisters(c.dt, regs)
		if err != nil {
			t.Fatalf("%s: decode: %v", c.dt, err)
		}
		if got != c.v {
			t.Fatalf("%s: round trip mismatch: want %v got %v", c.dt, c.v, got)
		}
	}
}

func TestFloat32RoundTripWithinULP(t *testing.T) {
	for _, dt := range []string{TypeFloat32BE, TypeFloat32LE} {
		v := 25.5
		regs, err := EncodeRegisters(dt, v)
		if err != nil {
			t.Fatalf("%s: encode: %v", dt, err)
		}
		got, err := DecodeRegisters(dt, regs)
		if err != nil {
			t.Fatalf("%s: decode: %v", dt, err)
		}
		if math.Abs(got-v) > 1e-6 {
			t.Fatalf("%s: round trip mismatch: want %v got %v", dt, v, got)
		}
	}
}

func TestInvalidRulePattern(t *testing.T) {
	_, err := NewEngine([]RuleSpec{{Pattern: "(unterminated"}}, true)
	if err == nil {
		t.Fatalf("expected compile error for invalid pattern")
	}
}

func TestUnknownActionRejected(t *testing.T) {
	_, err := NewEngine([]RuleSpec{{Pattern: "^X$", Action: "frobnicate"}}, true)
	if err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
