package llm

import (
	"slices"
	"strconv"
	"strings"
)

// Params are the sampling parameters forwarded to a backend. Only the keys
// listed in [ParamKeys] are ever taken from configuration; everything else
// (callbacks, flags, internal fields) is filtered out.
type Params struct {
	Temperature      *float64
	TopP             *float64
	TopK             *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	MaxTokens        *int
	ThinkingBudget   *int
	Stop             []string
}

// ParamKeys lists the accepted parameter names.
var ParamKeys = []string{
	"temperature", "top_p", "top_k", "presence_penalty",
	"frequency_penalty", "max_tokens", "thinking_budget", "stop",
}

// ParamsFromMap builds Params from a loosely typed map such as a preset's
// YAML block. Unknown keys and values of the wrong shape are returned in
// ignored, sorted, so callers can log them.
func ParamsFromMap(m map[string]any) (p Params, ignored []string) {
	for k, v := range m {
		ok := true
		switch strings.ToLower(k) {
		case "temperature":
			p.Temperature, ok = floatParam(v)
		case "top_p":
			p.TopP, ok = floatParam(v)
		case "top_k":
			p.TopK, ok = intParam(v)
		case "presence_penalty":
			p.PresencePenalty, ok = floatParam(v)
		case "frequency_penalty":
			p.FrequencyPenalty, ok = floatParam(v)
		case "max_tokens":
			p.MaxTokens, ok = intParam(v)
		case "thinking_budget":
			p.ThinkingBudget, ok = intParam(v)
		case "stop":
			p.Stop, ok = stopParam(v)
		default:
			ok = false
		}
		if !ok {
			ignored = append(ignored, k)
		}
	}
	slices.Sort(ignored)
	return p, ignored
}

// Merge returns p with every field set in o taking precedence.
func (p Params) Merge(o Params) Params {
	if o.Temperature != nil {
		p.Temperature = o.Temperature
	}
	if o.TopP != nil {
		p.TopP = o.TopP
	}
	if o.TopK != nil {
		p.TopK = o.TopK
	}
	if o.PresencePenalty != nil {
		p.PresencePenalty = o.PresencePenalty
	}
	if o.FrequencyPenalty != nil {
		p.FrequencyPenalty = o.FrequencyPenalty
	}
	if o.MaxTokens != nil {
		p.MaxTokens = o.MaxTokens
	}
	if o.ThinkingBudget != nil {
		p.ThinkingBudget = o.ThinkingBudget
	}
	if o.Stop != nil {
		p.Stop = slices.Clone(o.Stop)
	}
	return p
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func floatParam(v any) (*float64, bool) {
	switch x := v.(type) {
	case float64:
		return &x, true
	case float32:
		f := float64(x)
		return &f, true
	case int:
		f := float64(x)
		return &f, true
	case int64:
		f := float64(x)
		return &f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, false
		}
		return &f, true
	}
	return nil, false
}

func intParam(v any) (*int, bool) {
	switch x := v.(type) {
	case int:
		return &x, true
	case int64:
		i := int(x)
		return &i, true
	case float64:
		if x != float64(int(x)) {
			return nil, false
		}
		i := int(x)
		return &i, true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return nil, false
		}
		return &i, true
	}
	return nil, false
}

func stopParam(v any) ([]string, bool) {
	switch x := v.(type) {
	case string:
		return []string{x}, true
	case []string:
		return slices.Clone(x), true
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
