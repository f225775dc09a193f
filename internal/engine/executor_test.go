package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"mavline/internal/domain"
	"mavline/internal/engine"
	"mavline/internal/events"
	"mavline/internal/locks"
	"mavline/internal/workflow"
)

func countingHandler(counter *int, out workflow.Outcome) workflow.Handler {
	return func(ctx context.Context, st *workflow.State) workflow.Outcome {
		*counter++
		return out
	}
}

func stepEvents(t *testing.T, env *testEnv, sessionID, stepCode, evtType string) int {
	t.Helper()
	evts, _, err := env.Engine.QueryEvents(env.Ctx, engine.EventQuery{SessionID: sessionID, Type: evtType, PerPage: 100})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	needle := fmt.Sprintf("%q:%q", "step_code", stepCode)
	count := 0
	for _, evt := range evts {
		if strings.Contains(evt.Payload, needle) {
			count++
		}
	}
	return count
}

func TestStepRetrySucceedsWithinBound(t *testing.T) {
	env := newTestEnv(t)
	attempts := 0
	env.Engine.Registry = mustRegistry(t, workflow.Definition{
		Type: "flaky",
		Steps: []workflow.StepDefinition{
			{Code: "setup", Name: "Setup", Position: 1, Handler: advance(nil)},
			{Code: "unstable", Name: "Unstable", Position: 2, Handler: func(ctx context.Context, st *workflow.State) workflow.Outcome {
				attempts++
				if attempts < 3 {
					return workflow.Outcome{Kind: workflow.Retry, Err: errors.New("transient failure")}
				}
				return workflow.Outcome{Kind: workflow.Advance, Output: map[string]any{"attempts": attempts}}
			}},
		},
	})
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api", WorkflowType: "flaky", Mode: domain.ModeAutonomous,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.Run(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", s.Status)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	steps, err := env.Engine.ListSteps(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range steps {
		if st.Status != domain.StepCompleted {
			t.Fatalf("step %s not completed: %s", st.Code, st.Status)
		}
	}
	if n := stepEvents(t, env, s.ID, "unstable", events.StepStatusChanged); n < 3 {
		t.Fatalf("expected at least 3 status events for the retried step, got %d", n)
	}
}

func TestRetryExhaustionTakesRollbackPath(t *testing.T) {
	env := newTestEnv(t)
	rollbacks := 0
	env.Engine.Registry = mustRegistry(t, workflow.Definition{
		Type: "doomed",
		Steps: []workflow.StepDefinition{
			{Code: "setup", Name: "Setup", Position: 1, Handler: advance(nil)},
			{Code: "broken", Name: "Broken", Position: 2, Handler: func(ctx context.Context, st *workflow.State) workflow.Outcome {
				return workflow.Outcome{Kind: workflow.Retry, Err: errors.New("still failing")}
			}},
		},
		RollbackStep: &workflow.StepDefinition{
			Code: "undo", Name: "Undo", Position: 99,
			Handler: countingHandler(&rollbacks, workflow.Outcome{Kind: workflow.Advance}),
		},
	})
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api", WorkflowType: "doomed", Mode: domain.ModeAutonomous,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.Run(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != domain.SessionFailed {
		t.Fatalf("expected failed, got %s", s.Status)
	}
	if rollbacks != 1 {
		t.Fatalf("expected rollback step to run once, got %d", rollbacks)
	}
	failed, _, err := env.Engine.QueryEvents(env.Ctx, engine.EventQuery{SessionID: s.ID, Type: events.WorkflowFailed, PerPage: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected exactly one workflow_failed event, got %d", len(failed))
	}
	locked, err := env.Engine.Locks.IsLocked(env.Ctx, "/repos/acme-api")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatalf("failed session must release the project lock")
	}
	steps, err := env.Engine.ListSteps(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	var sawFailed, sawRollback bool
	for _, st := range steps {
		if st.Code == "broken" && st.Status == domain.StepFailed {
			sawFailed = true
		}
		if st.Code == "undo" && st.Status == domain.StepCompleted {
			sawRollback = true
		}
	}
	if !sawFailed || !sawRollback {
		t.Fatalf("expected failed step and completed rollback step, got %+v", steps)
	}
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Registry = mustRegistry(t, workflow.Definition{
		Type: "panicky",
		Steps: []workflow.StepDefinition{
			{Code: "boom", Name: "Boom", Position: 1, Handler: func(ctx context.Context, st *workflow.State) workflow.Outcome {
				panic("unexpected state")
			}},
		},
	})
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api", WorkflowType: "panicky", Mode: domain.ModeAutonomous,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.Run(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != domain.SessionFailed {
		t.Fatalf("expected failed, got %s", s.Status)
	}
	failed, _, err := env.Engine.QueryEvents(env.Ctx, engine.EventQuery{SessionID: s.ID, Type: events.WorkflowFailed, PerPage: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected exactly one workflow_failed event, got %d", len(failed))
	}
}

func TestConcurrentSessionsOnSameProject(t *testing.T) {
	env := newTestEnv(t)
	s1, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/shared", Mode: domain.ModeAutonomous,
	})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/shared", Mode: domain.ModeAutonomous,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Start(env.Ctx, s1.ID); err != nil {
		t.Fatalf("start first: %v", err)
	}
	// second session must not start while the first holds the lock
	if _, err := env.Engine.Start(env.Ctx, s2.ID); !errors.Is(err, locks.ErrHeld) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	got, err := env.Engine.GetSession(env.Ctx, s2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionPending {
		t.Fatalf("blocked session must stay pending, got %s", got.Status)
	}
	if _, err := env.Engine.Execute(env.Ctx, s1.ID); err != nil {
		t.Fatalf("execute first: %v", err)
	}
	// lock released on completion, second session can now run
	s2, err = env.Engine.Run(env.Ctx, s2.ID)
	if err != nil {
		t.Fatalf("run second: %v", err)
	}
	if s2.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", s2.Status)
	}
}

func TestConfirmResumeDoesNotRerunCompletedSteps(t *testing.T) {
	env := newTestEnv(t)
	first, second := 0, 0
	env.Engine.Registry = mustRegistry(t, workflow.Definition{
		Type: "gated",
		Steps: []workflow.StepDefinition{
			{Code: "first", Name: "First", Position: 1, Handler: countingHandler(&first, workflow.Outcome{Kind: workflow.Advance})},
			{Code: "second", Name: "Second", Position: 2, Mutating: true, Confirm: true, Handler: countingHandler(&second, workflow.Outcome{Kind: workflow.Advance})},
		},
	})
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api", WorkflowType: "gated", Mode: domain.ModeInteractive,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.Run(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != domain.SessionPaused {
		t.Fatalf("expected paused awaiting confirmation, got %s", s.Status)
	}
	required, _, err := env.Engine.QueryEvents(env.Ctx, engine.EventQuery{SessionID: s.ID, Type: events.ConfirmationRequired, PerPage: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(required) != 1 {
		t.Fatalf("expected one confirmation_required event, got %d", len(required))
	}
	s, err = env.Engine.Confirm(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if s.Status != domain.SessionRunning {
		t.Fatalf("expected running after confirm, got %s", s.Status)
	}
	s, err = env.Engine.Execute(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", s.Status)
	}
	if first != 1 {
		t.Fatalf("completed step must not be re-invoked, ran %d times", first)
	}
	if second != 1 {
		t.Fatalf("confirmed step must run exactly once, ran %d times", second)
	}
}

func TestInProcessConfirmerDecline(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Registry = mustRegistry(t, workflow.Definition{
		Type: "gated",
		Steps: []workflow.StepDefinition{
			{Code: "apply", Name: "Apply", Position: 1, Mutating: true, Confirm: true, Handler: advance(nil)},
		},
	})
	env.Engine.Confirmer = confirmerFunc(func(ctx context.Context, s domain.Session, st domain.Step) (bool, error) {
		return false, nil
	})
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api", WorkflowType: "gated", Mode: domain.ModeInteractive,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.Run(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != domain.SessionCancelled {
		t.Fatalf("declined confirmation should cancel, got %s", s.Status)
	}
	locked, err := env.Engine.Locks.IsLocked(env.Ctx, "/repos/acme-api")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatalf("cancelled session must release the project lock")
	}
}

type confirmerFunc func(ctx context.Context, s domain.Session, st domain.Step) (bool, error)

func (f confirmerFunc) Confirm(ctx context.Context, s domain.Session, st domain.Step) (bool, error) {
	return f(ctx, s, st)
}

func TestAutonomousAutoApprovesConfirmSteps(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Registry = mustRegistry(t, workflow.Definition{
		Type: "gated",
		Steps: []workflow.StepDefinition{
			{Code: "apply", Name: "Apply", Position: 1, Mutating: true, Confirm: true, Handler: advance(nil)},
		},
	})
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api", WorkflowType: "gated", Mode: domain.ModeAutonomous,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.Run(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", s.Status)
	}
	received, _, err := env.Engine.QueryEvents(env.Ctx, engine.EventQuery{SessionID: s.ID, Type: events.ConfirmationReceived, PerPage: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(received) != 1 {
		t.Fatalf("expected one auto-approval event, got %d", len(received))
	}
}

func TestAnalysisOnlySkipsMutatingSteps(t *testing.T) {
	env := newTestEnv(t)
	mutated := 0
	env.Engine.Registry = mustRegistry(t, workflow.Definition{
		Type: "readonly_check",
		Steps: []workflow.StepDefinition{
			{Code: "scan", Name: "Scan", Position: 1, Handler: advance(map[string]any{"scanned": true})},
			{Code: "apply", Name: "Apply", Position: 2, Mutating: true, Confirm: true, Handler: countingHandler(&mutated, workflow.Outcome{Kind: workflow.Advance})},
			{Code: "report", Name: "Report", Position: 3, Handler: advance(nil)},
		},
	})
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api", WorkflowType: "readonly_check", Mode: domain.ModeAnalysisOnly,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.Run(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", s.Status)
	}
	if mutated != 0 {
		t.Fatalf("mutating handler must not run in analysis-only mode")
	}
	steps, err := env.Engine.ListSteps(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range steps {
		if st.Code == "apply" && st.Status != domain.StepSkipped {
			t.Fatalf("expected apply skipped, got %s", st.Status)
		}
	}
	if n := stepEvents(t, env, s.ID, "apply", events.StepSkipped); n != 1 {
		t.Fatalf("expected one step_skipped event, got %d", n)
	}
}

func TestCooperativeCancelReleasesLock(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api", Mode: domain.ModeAutonomous,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Start(env.Ctx, s.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	s, err = env.Engine.Cancel(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !s.CancelRequested {
		t.Fatalf("expected cooperative cancel mark on running session")
	}
	s, err = env.Engine.Execute(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.Status != domain.SessionCancelled {
		t.Fatalf("expected cancelled, got %s", s.Status)
	}
	locked, err := env.Engine.Locks.IsLocked(env.Ctx, "/repos/acme-api")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatalf("cancelled session must release the project lock")
	}
	steps, err := env.Engine.ListSteps(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range steps {
		if st.Status == domain.StepRunning {
			t.Fatalf("no step may be left running after cancellation")
		}
	}
}

func TestResumeFromEarlierCheckpointRerunsSteps(t *testing.T) {
	env := newTestEnv(t)
	first, second := 0, 0
	env.Engine.Registry = mustRegistry(t, workflow.Definition{
		Type: "replayable",
		Steps: []workflow.StepDefinition{
			{Code: "first", Name: "First", Position: 1, Handler: countingHandler(&first, workflow.Outcome{Kind: workflow.Advance})},
			{Code: "second", Name: "Second", Position: 2, Handler: countingHandler(&second, workflow.Outcome{Kind: workflow.Advance})},
			{Code: "third", Name: "Third", Position: 3, Confirm: true, Handler: advance(nil)},
		},
	})
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api", WorkflowType: "replayable", Mode: domain.ModeInteractive,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.Run(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != domain.SessionPaused || s.Checkpoint == nil || *s.Checkpoint != 2 {
		t.Fatalf("expected paused at checkpoint 2, got %s %v", s.Status, s.Checkpoint)
	}
	// rewinding past the checkpoint is rejected
	ahead := 5
	if _, err := env.Engine.Resume(env.Ctx, s.ID, &ahead); err == nil {
		t.Fatalf("expected error resuming beyond last completed position")
	}
	zero := 0
	s, err = env.Engine.Resume(env.Ctx, s.ID, &zero)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	s, err = env.Engine.Execute(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.Status != domain.SessionPaused {
		t.Fatalf("expected paused again at the confirm step, got %s", s.Status)
	}
	if first != 2 || second != 2 {
		t.Fatalf("expected both steps re-run once, got %d and %d", first, second)
	}
}

func TestDebugModeEmitsTraces(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api", Mode: domain.ModeDebug,
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.Run(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", s.Status)
	}
	traces, _, err := env.Engine.QueryEvents(env.Ctx, engine.EventQuery{SessionID: s.ID, Type: events.DebugTrace, PerPage: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(traces) == 0 {
		t.Fatalf("expected debug traces")
	}
}

func TestMavenMaintenanceProducesReportArtifact(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSession(env.Ctx, engine.SessionCreateOptions{
		ProjectPath: "/repos/acme-api",
		Mode:        domain.ModeAutonomous,
		Config:      map[string]any{"updates": []string{"org.slf4j:slf4j-api"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	s, err = env.Engine.Run(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s", s.Status)
	}
	if s.ResultJSON == nil {
		t.Fatalf("completed session should carry a result")
	}
	arts, err := env.Engine.ListArtifacts(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 || arts[0].Name != "report.md" {
		t.Fatalf("expected the maintenance report artifact, got %+v", arts)
	}
	created, _, err := env.Engine.QueryEvents(env.Ctx, engine.EventQuery{SessionID: s.ID, Type: events.ArtifactCreated, PerPage: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 {
		t.Fatalf("expected one artifact_created event, got %d", len(created))
	}
}
