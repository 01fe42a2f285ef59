package orchestration

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestComposeSingleUsesLLM(t *testing.T) {
	ai := &plannerStubAI{responses: []string{"Logged your coding session."}}
	composer := NewComposer(ai)

	reply := composer.ComposeSingle(context.Background(), "log coding", "", &ToolCallResult{
		ID: "call-1", ToolName: "habit.log", Success: true,
		Result: map[string]interface{}{"habitId": "h-1"},
	})
	if reply != "Logged your coding session." {
		t.Errorf("reply = %q", reply)
	}
}

func TestComposeSingleNilResult(t *testing.T) {
	composer := NewComposer(nil)
	reply := composer.ComposeSingle(context.Background(), "log coding", "", nil)
	if !strings.HasPrefix(reply, "Sorry") {
		t.Errorf("reply = %q", reply)
	}
}

func TestComposeSingleFailureSkipsLLM(t *testing.T) {
	ai := &plannerStubAI{responses: []string{"should not be used"}}
	composer := NewComposer(ai)

	reply := composer.ComposeSingle(context.Background(), "log coding", "", &ToolCallResult{
		Success: false,
		Error:   &ToolError{Code: CodeInvocationFailed, Message: "service unavailable"},
	})
	if reply != "Sorry, I couldn't complete that: service unavailable." {
		t.Errorf("reply = %q", reply)
	}
	if ai.calls != 0 {
		t.Error("failures must be phrased deterministically")
	}
}

func TestComposeSingleLLMFailureFallsBack(t *testing.T) {
	ai := &plannerStubAI{errs: []error{errors.New("overloaded")}, responses: []string{""}}
	composer := NewComposer(ai)

	reply := composer.ComposeSingle(context.Background(), "log coding", "", &ToolCallResult{
		Success: true,
		Result:  map[string]interface{}{"message": "Habit logged"},
	})
	if reply != "Habit logged" {
		t.Errorf("reply = %q", reply)
	}
}

func TestComposeMultiFallbackCountsFailures(t *testing.T) {
	composer := NewComposer(nil)
	plan := &Plan{ToolCalls: []ToolCall{{ID: "a", ToolName: "habit.log"}, {ID: "b", ToolName: "habit.stats"}}}
	results := map[string]*ToolCallResult{
		"a": {ID: "a", Success: true, Result: "Logged."},
		"b": {ID: "b", Success: false, Error: &ToolError{Message: "boom"}},
	}

	reply := composer.ComposeMulti(context.Background(), "do both", "", plan, results)
	if !strings.Contains(reply, "Logged.") {
		t.Errorf("reply = %q", reply)
	}
	if !strings.Contains(reply, "(1 action(s) failed)") {
		t.Errorf("reply = %q", reply)
	}
}

func TestComposeMultiAllFailed(t *testing.T) {
	composer := NewComposer(nil)
	plan := &Plan{ToolCalls: []ToolCall{{ID: "a", ToolName: "habit.log"}}}
	results := map[string]*ToolCallResult{
		"a": {ID: "a", Success: false, Error: &ToolError{Message: "boom"}},
	}

	reply := composer.ComposeMulti(context.Background(), "do it", "", plan, results)
	if !strings.Contains(reply, "failed") {
		t.Errorf("reply = %q", reply)
	}
}

func TestComposeFallback(t *testing.T) {
	ai := &plannerStubAI{responses: []string{"Paris is the capital of France."}}
	composer := NewComposer(ai)
	reply := composer.ComposeFallback(context.Background(), "capital of France?", "")
	if reply != "Paris is the capital of France." {
		t.Errorf("reply = %q", reply)
	}

	plain := NewComposer(nil)
	reply = plain.ComposeFallback(context.Background(), "capital of France?", "")
	if reply != "Sorry, I can't help with that request." {
		t.Errorf("reply = %q", reply)
	}
}

func TestFormatResultPlain(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{nil, "Done."},
		{"plain text", "plain text"},
		{map[string]interface{}{"message": "saved"}, "saved"},
	}
	for _, tc := range cases {
		if got := formatResultPlain(tc.in); got != tc.want {
			t.Errorf("formatResultPlain(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}

	// A data field renders as JSON.
	got := formatResultPlain(map[string]interface{}{"data": map[string]interface{}{"streak": float64(7)}})
	if !strings.Contains(got, "streak") {
		t.Errorf("data rendering = %q", got)
	}
}
