package orchestration

import (
	"fmt"
	"regexp"
	"strings"
)

// Parameter references let a planned call consume the output of an
// earlier one. The grammar is the whole string
//
//	${callId.segment(.segment)*}
//
// where callId names a call in the same plan and each segment is either
// an object key or a decimal array index. References embedded inside a
// larger string are not substituted; only full-value references resolve.
var paramRefRe = regexp.MustCompile(`^\$\{([A-Za-z0-9_-]+)((?:\.[A-Za-z0-9_-]+)*)\}$`)

// ParamRef is a parsed parameter reference.
type ParamRef struct {
	CallID string
	Path   []string
}

// ParseParamRef parses a value as a parameter reference. ok is false
// when the value is not a string or does not match the grammar.
func ParseParamRef(value interface{}) (*ParamRef, bool) {
	s, isStr := value.(string)
	if !isStr {
		return nil, false
	}
	m := paramRefRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	ref := &ParamRef{CallID: m[1]}
	if m[2] != "" {
		ref.Path = strings.Split(strings.TrimPrefix(m[2], "."), ".")
	}
	return ref, true
}

// Resolve evaluates the reference against a completed call's results.
// A reference to a call with no recorded result, or a path that walks
// off the value, resolves to nil.
func (ref *ParamRef) Resolve(results map[string]*ToolCallResult) interface{} {
	res, ok := results[ref.CallID]
	if !ok || res == nil || !res.Success {
		return nil
	}
	return walkPath(res.Result, ref.Path)
}

func walkPath(value interface{}, path []string) interface{} {
	current := value
	for _, seg := range path {
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[seg]
			if !ok {
				return nil
			}
			current = next
		case []interface{}:
			idx, err := parseIndex(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
	}
	return current
}

func parseIndex(seg string) (int, error) {
	idx := 0
	if seg == "" {
		return 0, fmt.Errorf("empty index")
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not an index: %q", seg)
		}
		idx = idx*10 + int(r-'0')
	}
	return idx, nil
}

// ResolveParams returns a copy of params with every full-value reference
// substituted from the result graph. Unresolvable references become nil
// so the downstream validator or service reports the missing value.
func ResolveParams(params map[string]interface{}, results map[string]*ToolCallResult) map[string]interface{} {
	resolved := make(map[string]interface{}, len(params))
	for name, value := range params {
		resolved[name] = resolveValue(value, results)
	}
	return resolved
}

func resolveValue(value interface{}, results map[string]*ToolCallResult) interface{} {
	if ref, ok := ParseParamRef(value); ok {
		return ref.Resolve(results)
	}
	switch v := value.(type) {
	case map[string]interface{}:
		return ResolveParams(v, results)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, results)
		}
		return out
	default:
		return value
	}
}

// ReferencedCalls lists the call ids referenced anywhere in a parameter
// map. The planner uses this to check that references line up with the
// declared dependencies.
func ReferencedCalls(params map[string]interface{}) []string {
	seen := make(map[string]bool)
	var ids []string
	collectRefs(params, seen, &ids)
	return ids
}

func collectRefs(value interface{}, seen map[string]bool, ids *[]string) {
	if ref, ok := ParseParamRef(value); ok {
		if !seen[ref.CallID] {
			seen[ref.CallID] = true
			*ids = append(*ids, ref.CallID)
		}
		return
	}
	switch v := value.(type) {
	case map[string]interface{}:
		for _, item := range v {
			collectRefs(item, seen, ids)
		}
	case []interface{}:
		for _, item := range v {
			collectRefs(item, seen, ids)
		}
	}
}
