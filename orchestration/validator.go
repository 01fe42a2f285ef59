package orchestration

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/yukie-ai/yukie/registry"
)

// ValidationError describes one failed parameter check.
type ValidationError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating one call's parameters
// against its tool schema. Warnings never fail validation.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// ValidateParams checks a parameter map against a tool schema: required
// presence, type agreement, enum membership, numeric bounds, and string
// pattern. Unknown parameters produce a warning only. Values that are
// unresolved references (${call.path}) are accepted here; they validate
// again after resolution at execution time.
func ValidateParams(params map[string]interface{}, schema *registry.ToolSchema) *ValidationResult {
	result := &ValidationResult{Valid: true}

	known := make(map[string]bool, len(schema.Parameters))
	for i := range schema.Parameters {
		p := &schema.Parameters[i]
		known[p.Name] = true

		value, present := params[p.Name]
		if !present || value == nil {
			if p.Required {
				result.fail(p.Name, "missing_param", fmt.Sprintf("required parameter %q is missing", p.Name))
			}
			continue
		}
		if _, isRef := ParseParamRef(value); isRef {
			continue
		}

		if !typeMatches(value, p.Type) {
			result.fail(p.Name, "invalid_param",
				fmt.Sprintf("parameter %q must be of type %s, got %T", p.Name, p.Type, value))
			continue
		}
		if len(p.Enum) > 0 && !enumAllows(value, p.Enum) {
			result.fail(p.Name, "invalid_param",
				fmt.Sprintf("parameter %q must be one of [%s]", p.Name, strings.Join(p.Enum, ", ")))
		}
		if num, ok := asNumber(value); ok {
			if p.Minimum != nil && num < *p.Minimum {
				result.fail(p.Name, "invalid_param",
					fmt.Sprintf("parameter %q below minimum %v", p.Name, *p.Minimum))
			}
			if p.Maximum != nil && num > *p.Maximum {
				result.fail(p.Name, "invalid_param",
					fmt.Sprintf("parameter %q above maximum %v", p.Name, *p.Maximum))
			}
		}
		if p.Pattern != "" {
			if s, ok := value.(string); ok {
				re, err := regexp.Compile(p.Pattern)
				if err != nil {
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("parameter %q has an invalid pattern in its schema", p.Name))
				} else if !re.MatchString(s) {
					result.fail(p.Name, "invalid_param",
						fmt.Sprintf("parameter %q does not match pattern %s", p.Name, p.Pattern))
				}
			}
		}
	}

	for name := range params {
		if !known[name] {
			result.Warnings = append(result.Warnings, fmt.Sprintf("unknown parameter %q ignored by schema", name))
		}
	}

	return result
}

func (r *ValidationResult) fail(param, code, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Param: param, Code: code, Message: message})
}

// typeMatches reports whether a decoded JSON value agrees with a schema
// type. Arrays are not objects.
func typeMatches(value interface{}, typ string) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := asNumber(value)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	default:
		// Unconstrained type in the schema.
		return true
	}
}

func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// enumAllows compares the value's string form against the enum list.
func enumAllows(value interface{}, enum []string) bool {
	s := stringify(value)
	for _, allowed := range enum {
		if s == allowed {
			return true
		}
	}
	return false
}

// CoerceParams returns a copy of params with safe best-effort
// conversions toward the schema types, then fills schema defaults for
// any still-missing optional parameters. Coercion runs before
// validation; values it cannot convert pass through unchanged so the
// validator reports them.
func CoerceParams(params map[string]interface{}, schema *registry.ToolSchema) map[string]interface{} {
	coerced := make(map[string]interface{}, len(params))
	for name, value := range params {
		coerced[name] = value
	}

	for i := range schema.Parameters {
		p := &schema.Parameters[i]
		value, present := coerced[p.Name]
		if !present || value == nil {
			if p.Default != nil {
				coerced[p.Name] = p.Default
			}
			continue
		}
		if _, isRef := ParseParamRef(value); isRef {
			continue
		}
		coerced[p.Name] = coerceValue(value, p.Type)
	}
	return coerced
}

func coerceValue(value interface{}, typ string) interface{} {
	switch typ {
	case "number":
		if s, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
				return f
			}
		}
	case "boolean":
		switch v := value.(type) {
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true":
				return true
			case "false":
				return false
			}
		default:
			if f, ok := asNumber(value); ok {
				return f != 0
			}
		}
	case "string":
		if _, ok := value.(string); !ok {
			return stringify(value)
		}
	case "array":
		if s, ok := value.(string); ok {
			var parsed []interface{}
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				return parsed
			}
			parts := strings.Split(s, ",")
			out := make([]interface{}, 0, len(parts))
			for _, part := range parts {
				out = append(out, strings.TrimSpace(part))
			}
			return out
		}
	case "object":
		if s, ok := value.(string); ok {
			var parsed map[string]interface{}
			if err := json.Unmarshal([]byte(s), &parsed); err == nil {
				return parsed
			}
		}
	}
	return value
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
