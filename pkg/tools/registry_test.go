package tools

import "testing"

func TestDispatchUnknownToolReturnsErrorResultNotPanic(t *testing.T) {
	r := NewRegistry()
	result, isError := r.Dispatch("nonexistent", nil)
	if !isError || result == "" {
		t.Fatalf("expected an error result for an unknown tool, got %q isError=%v", result, isError)
	}
}

func TestDispatchWebSearchSucceeds(t *testing.T) {
	r := NewRegistry()
	r.Register(WebSearch{})

	result, isError := r.Dispatch("web_search", map[string]any{"query": "weather in paris"})
	if isError {
		t.Fatalf("unexpected error result: %s", result)
	}
	if result == "" {
		t.Fatal("expected a non-empty result")
	}
}

func TestDispatchRejectsMissingRequiredArgument(t *testing.T) {
	r := NewRegistry()
	r.Register(WebSearch{})

	result, isError := r.Dispatch("web_search", map[string]any{})
	if !isError {
		t.Fatalf("expected validation error for missing required argument, got result %q", result)
	}
}

func TestAllReturnsEveryRegisteredTool(t *testing.T) {
	r := NewRegistry()
	r.Register(WebSearch{})

	all := r.All()
	if len(all) != 1 || all[0].Name() != "web_search" {
		t.Fatalf("got %+v", all)
	}
}
