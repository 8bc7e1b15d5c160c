package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ferixdi-png/TRT-sub000/internal/domain"
)

// BuildPayload shapes user params into the provider input for one model:
// inputs are filtered to the declared schema, defaults applied, values
// coerced to the declared kind, and fields renamed to their provider wire
// names. Unknown params are dropped. Missing required fields fail with
// PARAM_MISSING; enum violations with PARAM_INVALID_ENUM.
func BuildPayload(spec domain.ModelSpec, params map[string]any) (map[string]any, error) {
	payload := make(map[string]any, len(spec.Fields))
	for _, f := range spec.Fields {
		v, present := params[f.Name]
		if present {
			coerced, ok, err := coerceField(f, v)
			if err != nil {
				return nil, err
			}
			if ok {
				payload[f.WireName()] = clampField(f, coerced)
				continue
			}
		}
		if f.Default != nil {
			payload[f.WireName()] = f.Default
			continue
		}
		if f.Required {
			return nil, domain.Errorf(domain.CodeParamMissing,
				"model %s requires %s", spec.ID, f.Name).
				WithHint("provide " + f.Name + " and retry")
		}
	}

	// Media inputs arrive under canonical names (image_urls, image_input);
	// each model declares what the provider calls them.
	for from, to := range spec.MediaFieldMap {
		if from == to {
			continue
		}
		if v, ok := payload[from]; ok {
			payload[to] = v
			delete(payload, from)
		}
	}
	return payload, nil
}

// coerceField converts v to the field's declared kind. ok=false means the
// value is empty or unusable; required/default handling decides what that
// becomes. Only enum violations are a hard error.
func coerceField(f domain.FieldSpec, v any) (any, bool, error) {
	if v == nil {
		return nil, false, nil
	}
	switch f.Kind {
	case domain.FieldEnum:
		s := strings.TrimSpace(asString(v))
		if s == "" {
			return nil, false, nil
		}
		for _, allowed := range f.Enum {
			if s == allowed {
				return s, true, nil
			}
		}
		return nil, false, domain.Errorf(domain.CodeParamInvalidEnum,
			"%s must be one of %s", f.Name, strings.Join(f.Enum, ", ")).
			WithHint("pick one of the listed values")
	case domain.FieldInt:
		n, ok := asInt(v)
		return n, ok, nil
	case domain.FieldFloat:
		n, ok := asFloat(v)
		return n, ok, nil
	case domain.FieldBool:
		b, ok := asBool(v)
		return b, ok, nil
	case domain.FieldList:
		l := asList(v)
		return l, len(l) > 0, nil
	case domain.FieldString, domain.FieldURL:
		s := strings.TrimSpace(asString(v))
		return s, s != "", nil
	default:
		s := strings.TrimSpace(asString(v))
		return s, s != "", nil
	}
}

// clampField bounds numeric values by the field's declared min/max.
func clampField(f domain.FieldSpec, v any) any {
	if f.Min == nil && f.Max == nil {
		return v
	}
	switch n := v.(type) {
	case int64:
		if f.Min != nil && float64(n) < *f.Min {
			return int64(*f.Min)
		}
		if f.Max != nil && float64(n) > *f.Max {
			return int64(*f.Max)
		}
	case float64:
		if f.Min != nil && n < *f.Min {
			return *f.Min
		}
		if f.Max != nil && n > *f.Max {
			return *f.Max
		}
	}
	return v
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	case int:
		return t != 0, true
	case float64:
		return t != 0, true
	}
	return false, false
}

func asList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := strings.TrimSpace(asString(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		return []string{s}
	}
	return nil
}
