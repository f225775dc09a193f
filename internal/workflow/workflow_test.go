package workflow

import (
	"context"
	"testing"
)

func TestDefinitionValidate(t *testing.T) {
	ok := Definition{
		Type: "ok",
		Steps: []StepDefinition{
			{Code: "a", Name: "A", Position: 1, Handler: noop},
			{Code: "b", Name: "B", Position: 2, Handler: noop},
		},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}
	cases := map[string]Definition{
		"missing type": {Steps: []StepDefinition{{Code: "a", Position: 1, Handler: noop}}},
		"no steps":     {Type: "empty"},
		"duplicate code": {Type: "dup", Steps: []StepDefinition{
			{Code: "a", Position: 1, Handler: noop},
			{Code: "a", Position: 2, Handler: noop},
		}},
		"duplicate position": {Type: "dup", Steps: []StepDefinition{
			{Code: "a", Position: 1, Handler: noop},
			{Code: "b", Position: 1, Handler: noop},
		}},
		"missing handler": {Type: "nohandler", Steps: []StepDefinition{{Code: "a", Position: 1}}},
		"rollback code collision": {Type: "collide",
			Steps:        []StepDefinition{{Code: "a", Position: 1, Handler: noop}},
			RollbackStep: &StepDefinition{Code: "a", Position: 99, Handler: noop}},
	}
	for name, def := range cases {
		if err := def.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func noop(ctx context.Context, st *State) Outcome {
	return Outcome{Kind: Advance}
}

func TestOrderedSortsByPosition(t *testing.T) {
	def := Definition{
		Type: "unsorted",
		Steps: []StepDefinition{
			{Code: "c", Position: 3, Handler: noop},
			{Code: "a", Position: 1, Handler: noop},
			{Code: "b", Position: 2, Handler: noop},
		},
	}
	got := def.Ordered()
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Code != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, got[i].Code)
		}
	}
}

func TestHandlerInvokerRecoversPanic(t *testing.T) {
	inv := HandlerInvoker{}
	def := StepDefinition{Code: "boom", Handler: func(ctx context.Context, st *State) Outcome {
		panic("broken")
	}}
	out := inv.Invoke(context.Background(), def, NewState("s", "/p", "autonomous", nil))
	if out.Kind != Rollback {
		t.Fatalf("panic must surface as rollback, got %s", out.Kind)
	}
	if out.Err == nil {
		t.Fatalf("expected error describing the panic")
	}
}

func TestHandlerInvokerRejectsEmptyKind(t *testing.T) {
	inv := HandlerInvoker{}
	def := StepDefinition{Code: "blank", Handler: func(ctx context.Context, st *State) Outcome {
		return Outcome{}
	}}
	out := inv.Invoke(context.Background(), def, NewState("s", "/p", "autonomous", nil))
	if out.Kind != Rollback || out.Err == nil {
		t.Fatalf("empty outcome kind must degrade to rollback, got %+v", out)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry()
	for _, name := range []string{MavenMaintenance, TestGeneration, ContainerDeploy} {
		def, err := r.Lookup(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		if err := def.Validate(); err != nil {
			t.Fatalf("catalog workflow %s invalid: %v", name, err)
		}
	}
	if _, err := r.Lookup("nope"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	names := r.Names()
	if len(names) != 3 {
		t.Fatalf("expected 3 catalog workflows, got %v", names)
	}
}

func TestStateStringSlice(t *testing.T) {
	st := NewState("s", "/p", "autonomous", map[string]any{
		"updates": []any{"a:b", "c:d", 7},
	})
	got := st.StringSlice("updates")
	if len(got) != 2 || got[0] != "a:b" {
		t.Fatalf("config fallback with mixed types: %v", got)
	}
	st.Values["updates"] = []string{"x:y"}
	if got := st.StringSlice("updates"); len(got) != 1 || got[0] != "x:y" {
		t.Fatalf("state values take precedence: %v", got)
	}
	if got := st.StringSlice("absent"); got != nil {
		t.Fatalf("missing key should be nil, got %v", got)
	}
}
