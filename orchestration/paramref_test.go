package orchestration

import (
	"reflect"
	"testing"
)

func TestParseParamRef(t *testing.T) {
	ref, ok := ParseParamRef("${call-1.data.items.0.id}")
	if !ok {
		t.Fatal("expected a valid reference")
	}
	if ref.CallID != "call-1" {
		t.Errorf("callID = %s", ref.CallID)
	}
	if !reflect.DeepEqual(ref.Path, []string{"data", "items", "0", "id"}) {
		t.Errorf("path = %v", ref.Path)
	}
}

func TestParseParamRefRejectsNonReferences(t *testing.T) {
	for _, v := range []interface{}{
		"plain string",
		"prefix ${call-1.x}", // embedded, not full-value
		"${call-1.x} suffix",
		"${}",
		"${call 1.x}",
		42,
		nil,
	} {
		if _, ok := ParseParamRef(v); ok {
			t.Errorf("ParseParamRef(%v) accepted a non-reference", v)
		}
	}
}

func TestResolveWalksMapsAndArrays(t *testing.T) {
	results := map[string]*ToolCallResult{
		"call-1": {ID: "call-1", Success: true, Result: map[string]interface{}{
			"items": []interface{}{
				map[string]interface{}{"id": "ev-1"},
				map[string]interface{}{"id": "ev-2"},
			},
		}},
	}

	ref, _ := ParseParamRef("${call-1.items.1.id}")
	if got := ref.Resolve(results); got != "ev-2" {
		t.Errorf("resolved %v, want ev-2", got)
	}
}

func TestResolveFailedOrMissingCallYieldsNil(t *testing.T) {
	results := map[string]*ToolCallResult{
		"call-1": {ID: "call-1", Success: false, Result: "ignored"},
	}

	ref, _ := ParseParamRef("${call-1.x}")
	if got := ref.Resolve(results); got != nil {
		t.Errorf("failed call resolved to %v, want nil", got)
	}
	ref, _ = ParseParamRef("${ghost.x}")
	if got := ref.Resolve(results); got != nil {
		t.Errorf("missing call resolved to %v, want nil", got)
	}
}

func TestResolveBadPathYieldsNil(t *testing.T) {
	results := map[string]*ToolCallResult{
		"call-1": {ID: "call-1", Success: true, Result: map[string]interface{}{
			"items": []interface{}{"a"},
		}},
	}
	for _, raw := range []string{"${call-1.missing}", "${call-1.items.9}", "${call-1.items.0.deeper}"} {
		ref, _ := ParseParamRef(raw)
		if got := ref.Resolve(results); got != nil {
			t.Errorf("%s resolved to %v, want nil", raw, got)
		}
	}
}

func TestResolveParamsSubstitutesNested(t *testing.T) {
	results := map[string]*ToolCallResult{
		"call-1": {ID: "call-1", Success: true, Result: map[string]interface{}{"habitId": "h-9"}},
	}
	params := map[string]interface{}{
		"habitId": "${call-1.habitId}",
		"literal": "stay",
		"nested":  map[string]interface{}{"inner": "${call-1.habitId}"},
		"list":    []interface{}{"${call-1.habitId}", "keep"},
	}

	resolved := ResolveParams(params, results)
	if resolved["habitId"] != "h-9" || resolved["literal"] != "stay" {
		t.Errorf("top level: %v", resolved)
	}
	if resolved["nested"].(map[string]interface{})["inner"] != "h-9" {
		t.Errorf("nested: %v", resolved["nested"])
	}
	list := resolved["list"].([]interface{})
	if list[0] != "h-9" || list[1] != "keep" {
		t.Errorf("list: %v", list)
	}
}

func TestReferencedCalls(t *testing.T) {
	params := map[string]interface{}{
		"a": "${call-1.x}",
		"b": map[string]interface{}{"c": "${call-2.y}"},
		"d": []interface{}{"${call-1.z}"},
		"e": "no ref",
	}
	ids := ReferencedCalls(params)
	if len(ids) != 2 {
		t.Fatalf("expected 2 distinct referenced calls, got %v", ids)
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found["call-1"] || !found["call-2"] {
		t.Errorf("referenced calls = %v", ids)
	}
}
