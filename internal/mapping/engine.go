package mapping

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// leadingNumber extracts the first signed integer substring of a captured
// response group, tolerating prefixes/suffixes like "C23" or "23C" the way
// a device's raw reply often carries a unit alongside the value.
var leadingNumber = regexp.MustCompile(`-?\d+`)

// Engine holds one device's ordered rule list and implements the
// first-match-wins algorithm of spec.md §4.5.
type Engine struct {
	rules []*Rule
}

// NewEngine compiles specs in order into an Engine. modbus selects
// case-insensitive matching (MODBUS devices); generic-regex devices match
// case-sensitively.
func NewEngine(specs []RuleSpec, modbus bool) (*Engine, error) {
	e := &Engine{}
	for i, s := range specs {
		r, err := Compile(s, CompileOptions{CaseInsensitive: modbus})
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		e.rules = append(e.rules, r)
	}
	return e, nil
}

// Match finds the first rule whose pattern matches cmd and returns it along
// with the submatches, per spec.md §4.5 step "first match wins".
func (e *Engine) Match(cmd string) (*Rule, []string, error) {
	for _, r := range e.rules {
		if m := r.Pattern.FindStringSubmatch(cmd); m != nil {
			return r, m, nil
		}
	}
	return nil, nil, ErrNoMatch
}

// BuildAction turns a matched MODBUS rule and its submatches into a
// ModbusAction, applying the $n value template and optional scale
// (spec.md §4.5 steps 2-4).
func (e *Engine) BuildAction(r *Rule, submatches []string) (*ModbusAction, error) {
	if !r.IsModbus() {
		return nil, wrapErr(ErrInvalidRule, "rule has no action")
	}
	fc, ok := FunctionCode(r.Action)
	if !ok {
		return nil, wrapErr(ErrUnknownAction, r.Action)
	}

	a := &ModbusAction{
		FunctionCode:  fc,
		Address:       uint16(r.Address),
		Count:         uint16(r.Count),
		IsCoil:        isCoilAction(r.Action),
		IsRead:        isReadAction(r.Action),
		DataType:      r.DataType,
		ResponseScale: r.ResponseScale,
	}

	if a.IsRead {
		return a, nil
	}

	if !r.HasValue {
		return nil, wrapErr(ErrInvalidRule, "write action missing value template")
	}
	rendered := substituteTemplate(r.ValueTemplate, submatches)
	v, err := strconv.ParseFloat(strings.TrimSpace(rendered), 64)
	if err != nil {
		return nil, wrapErr(ErrEncoding, "value %q: "+err.Error())
	}
	if r.HasScale && r.Scale != 0 {
		v *= r.Scale
	}

	switch r.Action {
	case ActionWriteSingleCoil:
		a.BoolValue = v != 0
	case ActionWriteMultipleCoils:
		a.BoolValues = []bool{v != 0}
	case ActionWriteSingleRegister, ActionWriteHoldingRegisters:
		regs, err := EncodeRegisters(r.DataType, v)
		if err != nil {
			return nil, err
		}
		a.Registers = regs
		a.Count = uint16(len(regs))
	}
	return a, nil
}

// DecodeResponse turns the registers/bits returned by a MODBUS read back
// into the ASCII reply sent on the wire, applying response_scale as a
// fixed-point decimal per spec.md §4.5 scenario S3.
func DecodeResponse(r *Rule, regs []uint16, bits []bool) (string, error) {
	if r.IsCoilRead() {
		if len(bits) == 0 {
			return "", wrapErr(ErrDecoding, "empty bit response")
		}
		if bits[0] {
			return "1", nil
		}
		return "0", nil
	}

	v, err := DecodeRegisters(r.DataType, regs)
	if err != nil {
		return "", err
	}
	if r.HasRespScale && r.ResponseScale != 0 {
		return formatScaled(v/r.ResponseScale, r.ResponseScale), nil
	}
	if r.DataType == TypeFloat32BE || r.DataType == TypeFloat32LE {
		return strconv.FormatFloat(v, 'f', 6, 64), nil
	}
	return strconv.FormatFloat(v, 'f', 0, 64), nil
}

// IsCoilRead reports whether the rule reads single-bit coil/discrete data.
func (r *Rule) IsCoilRead() bool {
	return r.Action == ActionReadCoils || r.Action == ActionReadDiscreteInputs
}

// formatScaled renders v with as many decimal digits as log10(scale)
// (e.g. response_scale=100 -> 2 digits), per spec.md §4.5 step 5.
func formatScaled(v, scale float64) string {
	digits := 0
	if scale > 1 {
		digits = int(math.Round(math.Log10(scale)))
	}
	if digits < 0 {
		digits = 0
	}
	return strconv.FormatFloat(v, 'f', digits, 64)
}

// substituteTemplate replaces $1, $2, ... and ${name}-style references are
// not used by value templates (those are plain numeric group refs); named
// groups are expanded by RenderRequest below for generic-regex rules.
func substituteTemplate(tmpl string, submatches []string) string {
	out := tmpl
	for i := len(submatches) - 1; i >= 1; i-- {
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), submatches[i])
	}
	return out
}

// RenderRequest expands a generic-regex rule's request_format against the
// matched command's submatches, supporting both $n positional and
// ${name} named references (spec.md §4.5 generic-regex path). When the
// rule carries a scale, every captured group is scaled and, if
// payload_width is known, zero-padded to that width before substitution —
// mirroring the original adapter's _render_template(is_request=True).
func (e *Engine) RenderRequest(r *Rule, cmd string) (string, error) {
	m := r.Pattern.FindStringSubmatch(cmd)
	if m == nil {
		return "", ErrNoMatch
	}
	names := r.Pattern.SubexpNames()
	out := r.RequestFormat
	for i := len(m) - 1; i >= 1; i-- {
		val := m[i]
		if r.HasScale && r.Scale != 0 {
			scaled, err := scaleRequestValue(val, r)
			if err != nil {
				return "", err
			}
			val = scaled
		}
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), val)
		if names[i] != "" {
			out = strings.ReplaceAll(out, "${"+names[i]+"}", val)
		}
	}
	return out, nil
}

// scaleRequestValue parses a captured request-side value, scales it by
// rule.Scale and rounds to an integer, then zero-pads to payload_width if
// one is known (explicit or inferred from the response_regex, spec.md
// §4.5's "payload_width can be inferred" rule).
func scaleRequestValue(raw string, r *Rule) (string, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return "", wrapErr(ErrEncoding, fmt.Sprintf("request template value %q: %v", raw, err))
	}
	scaled := int64(math.Round(f * r.Scale))
	if r.HasPayloadW {
		return fmt.Sprintf("%0*d", r.PayloadWidth, scaled), nil
	}
	return strconv.FormatInt(scaled, 10), nil
}

// RenderResponse applies a generic-regex rule's response_format to the
// capture groups of a device's raw reply, scaling every numeric group (not
// just one named "value") when response_scale is set — mirroring the
// original adapter's _render_template(is_request=False). Groups are
// referenced as $n, ${name} or $name.
func (e *Engine) RenderResponse(r *Rule, raw string) (string, error) {
	if r.ResponseRegex == nil {
		return raw, nil
	}
	m := r.ResponseRegex.FindStringSubmatch(raw)
	if m == nil {
		return "", wrapErr(ErrDecoding, "response did not match response_regex")
	}
	names := r.ResponseRegex.SubexpNames()
	out := r.ResponseFormat
	if out == "" {
		out = raw
	}
	for i := len(m) - 1; i >= 1; i-- {
		val := m[i]
		if r.HasRespScale && r.ResponseScale != 0 {
			val = scaleResponseValue(val, r)
		}
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), val)
		if names[i] != "" {
			out = strings.ReplaceAll(out, "${"+names[i]+"}", val)
			out = strings.ReplaceAll(out, "$"+names[i], val)
		}
	}
	return out, nil
}

// scaleResponseValue extracts the leading signed integer from a captured
// response group (tolerating a non-numeric prefix/suffix such as a unit
// letter) and divides it by response_scale, formatted to the fixed-point
// precision formatScaled derives from the scale. A group with no numeric
// substring is returned unchanged.
func scaleResponseValue(raw string, r *Rule) string {
	numeric := leadingNumber.FindString(raw)
	if numeric == "" {
		return raw
	}
	n, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return raw
	}
	return formatScaled(float64(n)/r.ResponseScale, r.ResponseScale)
}
