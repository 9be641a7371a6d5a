package mapping

import "fmt"

// ParseRuleSpecs converts the decoded YAML value of a device's mapping
// list (a []any of map[string]any, as produced by gopkg.in/yaml.v3
// unmarshalling into interface{}) into []RuleSpec.
func ParseRuleSpecs(raw any) ([]RuleSpec, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("mapping: rules must be a list, got %T", raw)
	}
	specs := make([]RuleSpec, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mapping: rule %d: expected a map, got %T", i, item)
		}
		spec, err := parseOneSpec(m)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseOneSpec(m map[string]any) (RuleSpec, error) {
	var s RuleSpec
	s.Pattern, _ = m["pattern"].(string)
	if s.Pattern == "" {
		return s, fmt.Errorf("missing pattern")
	}

	if resp, ok := m["response"].(string); ok {
		s.Response = &resp
		return s, nil
	}

	if action, ok := m["action"].(string); ok && action != "" {
		s.Action = action
		if p, ok := m["params"].(map[string]any); ok {
			params := &RuleParamsSpec{}
			if v, ok := asIntPtr(p["address"]); ok {
				params.Address = v
			}
			if v, ok := asIntPtr(p["count"]); ok {
				params.Count = v
			}
			params.DataType, _ = p["data_type"].(string)
			params.Value, _ = p["value"].(string)
			if v, ok := asFloatPtr(p["scale"]); ok {
				params.Scale = v
			}
			if v, ok := asFloatPtr(p["response_scale"]); ok {
				params.ResponseScale = v
			}
			s.Params = params
		}
		return s, nil
	}

	s.RequestFormat, _ = m["request_format"].(string)
	if v, ok := m["expects_response"].(bool); ok {
		s.ExpectsResp = &v
	}
	s.ResponseRegex, _ = m["response_regex"].(string)
	s.ResponseFormat, _ = m["response_format"].(string)
	s.Terminator, _ = m["terminator"].(string)
	if v, ok := asFloatPtr(m["scale"]); ok {
		s.Scale = v
	}
	if v, ok := asFloatPtr(m["response_scale"]); ok {
		s.ResponseScale = v
	}
	if v, ok := asIntPtr(m["payload_width"]); ok {
		s.PayloadWidth = v
	}
	return s, nil
}

func asIntPtr(v any) (*int, bool) {
	switch n := v.(type) {
	case int:
		return &n, true
	case int64:
		i := int(n)
		return &i, true
	case float64:
		i := int(n)
		return &i, true
	default:
		return nil, false
	}
}

func asFloatPtr(v any) (*float64, bool) {
	switch n := v.(type) {
	case float64:
		return &n, true
	case int:
		f := float64(n)
		return &f, true
	case int64:
		f := float64(n)
		return &f, true
	default:
		return nil, false
	}
}
