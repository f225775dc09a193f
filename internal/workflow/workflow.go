// Package workflow defines the static step graphs the executor walks. A
// workflow is an ordered list of tagged step definitions plus one designated
// rollback step; step bodies are opaque handlers invoked through the Invoker
// boundary and must not touch session or step records themselves.
package workflow

import (
	"context"
	"fmt"
	"sort"
)

// Outcome kinds a step body may return.
const (
	Advance  = "advance"
	Retry    = "retry"
	Rollback = "rollback"
	Skip     = "skip"
)

// ArtifactSpec describes an output object produced by a step. The executor
// persists it together with the step completion.
type ArtifactSpec struct {
	Name string
	Kind string
	Path string
	Meta map[string]any
}

// Outcome is the result of one step-body invocation.
type Outcome struct {
	Kind      string
	Output    map[string]any
	Message   string
	Err       error
	Artifacts []ArtifactSpec
}

// State is the per-session context threaded through step bodies. It is never
// shared between sessions, so concurrent workflows on different projects
// cannot interfere.
type State struct {
	SessionID   string
	ProjectPath string
	Mode        string
	Config      map[string]any
	Values      map[string]any
}

// NewState builds an empty per-session state.
func NewState(sessionID, projectPath, mode string, config map[string]any) *State {
	if config == nil {
		config = map[string]any{}
	}
	return &State{
		SessionID:   sessionID,
		ProjectPath: projectPath,
		Mode:        mode,
		Config:      config,
		Values:      map[string]any{},
	}
}

// StringSlice reads a list value from the shared state.
func (s *State) StringSlice(key string) []string {
	raw, ok := s.Values[key]
	if !ok {
		raw, ok = s.Config[key]
	}
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Handler is an opaque step body.
type Handler func(ctx context.Context, st *State) Outcome

// StepDefinition is one tagged node of the step graph.
type StepDefinition struct {
	Code     string
	Name     string
	Position int
	Mutating bool
	Confirm  bool
	Handler  Handler
}

// Definition is a complete named workflow.
type Definition struct {
	Type         string
	Steps        []StepDefinition
	RollbackStep *StepDefinition
}

// Validate checks the step graph invariants: unique codes, strictly
// increasing positions, handlers present.
func (d Definition) Validate() error {
	if d.Type == "" {
		return fmt.Errorf("workflow type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.Type)
	}
	codes := map[string]bool{}
	positions := map[int]bool{}
	for _, s := range d.Steps {
		if s.Code == "" {
			return fmt.Errorf("workflow %s has a step without code", d.Type)
		}
		if codes[s.Code] {
			return fmt.Errorf("workflow %s: duplicate step code %s", d.Type, s.Code)
		}
		if positions[s.Position] {
			return fmt.Errorf("workflow %s: duplicate step position %d", d.Type, s.Position)
		}
		if s.Handler == nil {
			return fmt.Errorf("workflow %s: step %s has no handler", d.Type, s.Code)
		}
		codes[s.Code] = true
		positions[s.Position] = true
	}
	if d.RollbackStep != nil {
		if d.RollbackStep.Handler == nil {
			return fmt.Errorf("workflow %s: rollback step has no handler", d.Type)
		}
		if codes[d.RollbackStep.Code] {
			return fmt.Errorf("workflow %s: rollback step code %s collides", d.Type, d.RollbackStep.Code)
		}
	}
	return nil
}

// Ordered returns the steps sorted by position.
func (d Definition) Ordered() []StepDefinition {
	out := make([]StepDefinition, len(d.Steps))
	copy(out, d.Steps)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Invoker is the boundary to the tool/agent layer. The executor is the only
// caller; step bodies receive state and return an outcome.
type Invoker interface {
	Invoke(ctx context.Context, def StepDefinition, st *State) Outcome
}

// HandlerInvoker dispatches to the handler referenced by the definition. A
// panic or nil-kind outcome from a body surfaces as a rollback, never as an
// exception crossing the executor boundary.
type HandlerInvoker struct{}

func (HandlerInvoker) Invoke(ctx context.Context, def StepDefinition, st *State) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: Rollback, Err: fmt.Errorf("step %s panicked: %v", def.Code, r)}
		}
	}()
	out = def.Handler(ctx, st)
	if out.Kind == "" {
		out.Kind = Rollback
		if out.Err == nil {
			out.Err = fmt.Errorf("step %s returned no outcome kind", def.Code)
		}
	}
	return out
}

// Registry maps workflow types to definitions.
type Registry struct {
	defs map[string]Definition
}

func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: map[string]Definition{}}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.defs[d.Type]; ok {
			return nil, fmt.Errorf("duplicate workflow type %s", d.Type)
		}
		r.defs[d.Type] = d
	}
	return r, nil
}

// Lookup fails with a descriptive error for unknown types.
func (r *Registry) Lookup(workflowType string) (Definition, error) {
	d, ok := r.defs[workflowType]
	if !ok {
		return Definition{}, fmt.Errorf("unknown workflow type %s", workflowType)
	}
	return d, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
