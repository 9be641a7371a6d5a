package mapping

import "regexp"

// Rule is one entry of a device's ordered mapping-rule sequence
// (spec.md §3 "Mapping rule"). Exactly one of the three shapes below is
// populated, selected by which fields are non-zero when the rule is
// compiled.
type Rule struct {
	Pattern *regexp.Regexp

	// MODBUS action shape.
	Action        string
	Address       int
	HasAddress    bool
	Count         int
	DataType      string
	ValueTemplate string
	HasValue      bool
	Scale         float64
	HasScale      bool
	ResponseScale float64
	HasRespScale  bool

	// Generic-regex template shape.
	RequestFormat  string
	ExpectsResp    bool
	ResponseRegex  *regexp.Regexp
	ResponseFormat string
	Terminator     string
	PayloadWidth   int
	HasPayloadW    bool

	// Static short-circuit shape.
	StaticResponse *string
}

// IsModbus reports whether this rule produces a ModbusAction.
func (r *Rule) IsModbus() bool { return r.Action != "" }

// IsStatic reports whether this rule short-circuits to a literal response.
func (r *Rule) IsStatic() bool { return r.StaticResponse != nil }

// IsGenericTemplate reports whether this rule is a generic-regex
// request/response template.
func (r *Rule) IsGenericTemplate() bool { return !r.IsModbus() && !r.IsStatic() }

// CompileOptions controls RuleSpec compilation, since MODBUS matching is
// case-insensitive and generic-regex matching is case-sensitive
// (spec.md §3).
type CompileOptions struct {
	CaseInsensitive bool
}

// RuleSpec is the declarative form decoded from configuration, before the
// pattern strings are compiled into *regexp.Regexp.
type RuleSpec struct {
	Pattern string `yaml:"pattern"`

	Action string          `yaml:"action,omitempty"`
	Params *RuleParamsSpec `yaml:"params,omitempty"`

	RequestFormat  string `yaml:"request_format,omitempty"`
	ExpectsResp    *bool  `yaml:"expects_response,omitempty"`
	ResponseRegex  string `yaml:"response_regex,omitempty"`
	ResponseFormat string `yaml:"response_format,omitempty"`
	Terminator     string `yaml:"terminator,omitempty"`
	Scale          *float64 `yaml:"scale,omitempty"`
	ResponseScale  *float64 `yaml:"response_scale,omitempty"`
	PayloadWidth   *int     `yaml:"payload_width,omitempty"`

	Response *string `yaml:"response,omitempty"`
}

// RuleParamsSpec is the MODBUS action parameter block.
type RuleParamsSpec struct {
	Address       *int     `yaml:"address,omitempty"`
	Count         *int     `yaml:"count,omitempty"`
	DataType      string   `yaml:"data_type,omitempty"`
	Value         string   `yaml:"value,omitempty"`
	Scale         *float64 `yaml:"scale,omitempty"`
	ResponseScale *float64 `yaml:"response_scale,omitempty"`
}

// Compile turns a RuleSpec into a ready-to-match Rule.
func Compile(spec RuleSpec, opts CompileOptions) (*Rule, error) {
	pattern := spec.Pattern
	if opts.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, wrapErr(ErrInvalidRule, "bad pattern: "+err.Error())
	}

	r := &Rule{Pattern: re}

	if spec.Response != nil {
		r.StaticResponse = spec.Response
		return r, nil
	}

	if spec.Action != "" {
		if _, ok := FunctionCode(spec.Action); !ok {
			return nil, wrapErr(ErrUnknownAction, spec.Action)
		}
		r.Action = spec.Action
		r.Count = 1
		r.DataType = TypeUint16
		if spec.Params != nil {
			p := spec.Params
			if p.Address != nil {
				r.Address = *p.Address
				r.HasAddress = true
			}
			if p.Count != nil {
				r.Count = *p.Count
			}
			if p.DataType != "" {
				r.DataType = p.DataType
			}
			if p.Value != "" {
				r.ValueTemplate = p.Value
				r.HasValue = true
			}
			if p.Scale != nil {
				r.Scale = *p.Scale
				r.HasScale = true
			}
			if p.ResponseScale != nil {
				r.ResponseScale = *p.ResponseScale
				r.HasRespScale = true
			}
		}
		return r, nil
	}

	// Generic-regex template.
	r.RequestFormat = spec.RequestFormat
	if spec.ExpectsResp != nil {
		r.ExpectsResp = *spec.ExpectsResp
	} else {
		r.ExpectsResp = true
	}
	if spec.ResponseRegex != "" {
		rre, err := regexp.Compile("^(?:" + spec.ResponseRegex + ")$")
		if err != nil {
			return nil, wrapErr(ErrInvalidRule, "bad response_regex: "+err.Error())
		}
		r.ResponseRegex = rre
	}
	r.ResponseFormat = spec.ResponseFormat
	r.Terminator = spec.Terminator
	if r.Terminator == "" {
		r.Terminator = "\n"
	}
	if spec.Scale != nil {
		r.Scale = *spec.Scale
		r.HasScale = true
	}
	if spec.ResponseScale != nil {
		r.ResponseScale = *spec.ResponseScale
		r.HasRespScale = true
	}
	if spec.PayloadWidth != nil {
		r.PayloadWidth = *spec.PayloadWidth
		r.HasPayloadW = true
	} else if r.ResponseRegex != nil {
		if w, ok := inferPayloadWidth(r.ResponseRegex); ok {
			r.PayloadWidth = w
			r.HasPayloadW = true
		}
	}
	return r, nil
}

// inferPayloadWidth looks for a named group whose pattern is a fixed-width
// digit run (\d{N}) and returns N, per spec.md §4.5's
// "response payload width can be inferred from a named \d{N} group" rule.
func inferPayloadWidth(re *regexp.Regexp) (int, bool) {
	src := re.String()
	widthRe := regexp.MustCompile(`\(\?P<\w+>\\d\{(\d+)\}\)`)
	m := widthRe.FindStringSubmatch(src)
	if m == nil {
		return 0, false
	}
	n := 0
	for _, c := range m[1] {
		n = n*10 + int(c-'0')
	}
	return n, true
}
