package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mavline/internal/domain"
	"mavline/internal/events"
	"mavline/internal/locks"
	"mavline/internal/repo"
	"mavline/internal/workflow"
)

// Start moves a pending session to running. It acquires the project lock
// first; on contention the session stays pending and locks.ErrHeld is
// returned so the caller can surface a conflict.
func (e Engine) Start(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if err := ensureSessionTransition(s.Status, domain.SessionRunning); err != nil {
		return s, err
	}
	if s.Status == domain.SessionPaused {
		return e.Resume(ctx, sessionID, nil)
	}
	lock, err := e.Locks.Acquire(ctx, s.ProjectPath, s.ID, e.lockTTL())
	if err != nil {
		return s, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	startedAt := e.nowStr()
	if err := e.Repo.MarkSessionStarted(ctx, tx, s.ID, startedAt); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, s.ID, nil, events.LockAcquired, "project lock acquired", events.EventPayload{
		"project_path": lock.ProjectPath,
		"expires_at":   lock.ExpiresAt,
	}); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, s.ID, nil, events.WorkflowStarted, "workflow started", events.EventPayload{
		"workflow_type": s.WorkflowType,
		"mode":          s.Mode,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Status = domain.SessionRunning
	s.StartedAt = &startedAt
	return s, nil
}

// Run starts a session and drives it to completion, suspension or a
// terminal status.
func (e Engine) Run(ctx context.Context, sessionID string) (domain.Session, error) {
	if _, err := e.Start(ctx, sessionID); err != nil {
		return domain.Session{}, err
	}
	return e.Execute(ctx, sessionID)
}

// Execute drives a running session through its step graph until it
// completes, fails, is cancelled, or suspends. Returning with a paused
// session is not an error; the session resumes later at its checkpoint.
func (e Engine) Execute(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionRunning {
		return s, fmt.Errorf("%w: execute requires a running session, got %s", ErrInvalidTransition, s.Status)
	}
	def, err := e.Registry.Lookup(s.WorkflowType)
	if err != nil {
		return s, err
	}
	state, err := e.rebuildState(ctx, s)
	if err != nil {
		return s, err
	}
	checkpoint := -1
	if s.Checkpoint != nil {
		checkpoint = *s.Checkpoint
	}
	for _, sd := range def.Ordered() {
		if sd.Position <= checkpoint {
			continue
		}
		s, err = e.Repo.GetSession(ctx, sessionID)
		if err != nil {
			return s, err
		}
		if s.Status == domain.SessionPaused {
			return s, nil
		}
		if s.CancelRequested {
			return e.finalizeCancel(ctx, s, "workflow cancelled")
		}
		// Renew the lease before each step so long runs never outlive it.
		if _, err := e.Locks.Acquire(ctx, s.ProjectPath, s.ID, e.lockTTL()); err != nil {
			if errors.Is(err, locks.ErrHeld) {
				return e.failSession(ctx, s, def, domain.Step{}, state,
					fmt.Sprintf("project lock for %s lost to another session", s.ProjectPath))
			}
			return s, err
		}
		step, err := e.ensureStep(ctx, s, sd, state)
		if err != nil {
			return s, err
		}
		if step.Status == domain.StepCompleted {
			checkpoint = sd.Position
			continue
		}
		if s.Mode == domain.ModeAnalysisOnly && sd.Mutating {
			if err := e.skipStep(ctx, s, step, "skipped: mutating step in analysis-only mode"); err != nil {
				return s, err
			}
			continue
		}
		proceed, paused, err := e.resolveConfirmation(ctx, s, sd, step, checkpoint)
		if err != nil {
			return s, err
		}
		if paused {
			return e.Repo.GetSession(ctx, sessionID)
		}
		if !proceed {
			return e.finalizeCancel(ctx, s, fmt.Sprintf("confirmation declined for step %s", sd.Code))
		}
		if err := e.beginStep(ctx, s, &step); err != nil {
			return s, err
		}
		outcome := e.invokeWithRetry(ctx, s, sd, step, state)
		switch outcome.Kind {
		case workflow.Advance:
			if err := e.completeStep(ctx, s, sd, step, state, outcome); err != nil {
				return s, err
			}
			checkpoint = sd.Position
		case workflow.Skip:
			if err := e.skipStep(ctx, s, step, skipMessage(sd.Code, outcome)); err != nil {
				return s, err
			}
		default:
			return e.failSession(ctx, s, def, step, state, failureMessage(sd.Code, outcome))
		}
	}
	return e.completeSession(ctx, s, state)
}

func skipMessage(code string, out workflow.Outcome) string {
	if out.Message != "" {
		return out.Message
	}
	return fmt.Sprintf("step %s skipped", code)
}

func failureMessage(code string, out workflow.Outcome) string {
	if out.Err != nil {
		return fmt.Sprintf("step %s failed: %v", code, out.Err)
	}
	if out.Message != "" {
		return fmt.Sprintf("step %s failed: %s", code, out.Message)
	}
	return fmt.Sprintf("step %s failed", code)
}

// rebuildState reconstructs the per-session working state from durable
// records: the session config plus the outputs of already-completed steps,
// replayed in position order. This is what makes resume after a restart
// equivalent to never having stopped.
func (e Engine) rebuildState(ctx context.Context, s domain.Session) (*workflow.State, error) {
	var cfg map[string]any
	if s.ConfigJSON != nil {
		if err := json.Unmarshal([]byte(*s.ConfigJSON), &cfg); err != nil {
			return nil, fmt.Errorf("decode session config: %w", err)
		}
	}
	state := workflow.NewState(s.ID, s.ProjectPath, s.Mode, cfg)
	steps, err := e.Repo.ListSteps(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if st.Status != domain.StepCompleted || st.OutputJSON == nil {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(*st.OutputJSON), &out); err != nil {
			continue
		}
		for k, v := range out {
			state.Values[k] = v
		}
	}
	return state, nil
}

// ensureStep returns the session's step record for the definition, creating
// a pending one on first visit.
func (e Engine) ensureStep(ctx context.Context, s domain.Session, sd workflow.StepDefinition, state *workflow.State) (domain.Step, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Step{}, err
	}
	defer tx.Rollback()
	step, err := e.Repo.GetStepByPosition(ctx, tx, s.ID, sd.Position)
	if err == nil {
		return step, tx.Commit()
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Step{}, err
	}
	step = domain.Step{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		Code:      sd.Code,
		Name:      sd.Name,
		Position:  sd.Position,
		Status:    domain.StepPending,
	}
	if len(state.Values) > 0 {
		if b, err := json.Marshal(state.Values); err == nil {
			input := string(b)
			step.InputJSON = &input
		}
	}
	if err := e.Repo.InsertStep(ctx, tx, step); err != nil {
		return domain.Step{}, err
	}
	return step, tx.Commit()
}

// resolveConfirmation gates confirmation-tagged steps. Autonomous and debug
// runs auto-approve; interactive runs ask the in-process confirmer when one
// is wired, and otherwise suspend the session until an external approval
// arrives. Returns proceed=false when the operator declined.
func (e Engine) resolveConfirmation(ctx context.Context, s domain.Session, sd workflow.StepDefinition, step domain.Step, checkpoint int) (proceed, paused bool, err error) {
	if !sd.Confirm {
		return true, false, nil
	}
	switch s.Mode {
	case domain.ModeAutonomous, domain.ModeDebug:
		if err := e.appendStandalone(ctx, s.ID, &step.ID, events.ConfirmationReceived, "confirmation auto-approved", events.EventPayload{
			"step_code": sd.Code,
			"auto":      true,
		}); err != nil {
			return false, false, err
		}
		return true, false, nil
	case domain.ModeAnalysisOnly:
		return true, false, nil
	}
	ok, err := e.hasConfirmation(ctx, step.ID)
	if err != nil {
		return false, false, err
	}
	if ok {
		return true, false, nil
	}
	if e.Confirmer != nil {
		approved, err := e.Confirmer.Confirm(ctx, s, step)
		if err != nil {
			return false, false, err
		}
		if !approved {
			return false, false, nil
		}
		if err := e.appendStandalone(ctx, s.ID, &step.ID, events.ConfirmationReceived, "confirmation received", events.EventPayload{
			"step_code": sd.Code,
		}); err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	if err := e.suspendForConfirmation(ctx, s, sd, step, checkpoint); err != nil {
		return false, false, err
	}
	return false, true, nil
}

// suspendForConfirmation pauses the session in front of the step so an
// external Confirm call can approve it. The project lock stays held.
func (e Engine) suspendForConfirmation(ctx context.Context, s domain.Session, sd workflow.StepDefinition, step domain.Step, checkpoint int) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetSessionCheckpoint(ctx, tx, s.ID, &checkpoint); err != nil {
		return err
	}
	if err := e.Repo.UpdateSessionStatus(ctx, tx, s.ID, domain.SessionPaused, nil); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, s.ID, &step.ID, events.ConfirmationRequired, fmt.Sprintf("confirmation required before step %s", sd.Code), events.EventPayload{
		"step_code": sd.Code,
		"step_name": sd.Name,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, s.ID, nil, events.WorkflowPaused, "workflow paused awaiting confirmation", events.EventPayload{
		"checkpoint": checkpoint,
		"step_code":  sd.Code,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) beginStep(ctx context.Context, s domain.Session, step *domain.Step) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	from := step.Status
	startedAt := e.nowStr()
	step.Status = domain.StepRunning
	step.StartedAt = &startedAt
	step.Error = nil
	step.CompletedAt = nil
	if err := e.Repo.UpdateStep(ctx, tx, *step); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, s.ID, &step.ID, events.StepStatusChanged, fmt.Sprintf("step %s running", step.Code), events.EventPayload{
		"step_code": step.Code,
		"from":      from,
		"to":        domain.StepRunning,
	}); err != nil {
		return err
	}
	if s.Mode == domain.ModeDebug {
		if err := e.Events.Append(ctx, tx, s.ID, &step.ID, events.DebugTrace, fmt.Sprintf("entering step %s at position %d", step.Code, step.Position), nil); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// invokeWithRetry runs the step body up to the configured attempt bound.
// Only a retry outcome re-invokes; exhausting the bound degrades to a
// rollback outcome.
func (e Engine) invokeWithRetry(ctx context.Context, s domain.Session, sd workflow.StepDefinition, step domain.Step, state *workflow.State) workflow.Outcome {
	max := e.maxRetries()
	var out workflow.Outcome
	for attempt := 1; attempt <= max; attempt++ {
		out = e.Invoker.Invoke(ctx, sd, state)
		if out.Kind != workflow.Retry {
			return out
		}
		if attempt == max {
			break
		}
		_ = e.appendStandalone(ctx, s.ID, &step.ID, events.StepStatusChanged, fmt.Sprintf("step %s retrying", sd.Code), events.EventPayload{
			"step_code": sd.Code,
			"from":      domain.StepRunning,
			"to":        domain.StepRunning,
			"attempt":   attempt + 1,
		})
	}
	err := out.Err
	if err == nil {
		err = fmt.Errorf("step %s exhausted %d attempts", sd.Code, max)
	}
	return workflow.Outcome{Kind: workflow.Rollback, Message: out.Message, Err: err}
}

// completeStep persists the step result, its artifacts and the checkpoint in
// one transaction, then folds the output into the working state.
func (e Engine) completeStep(ctx context.Context, s domain.Session, sd workflow.StepDefinition, step domain.Step, state *workflow.State, out workflow.Outcome) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	completedAt := e.nowStr()
	step.Status = domain.StepCompleted
	step.CompletedAt = &completedAt
	if len(out.Output) > 0 {
		b, err := json.Marshal(out.Output)
		if err != nil {
			return fmt.Errorf("marshal step output: %w", err)
		}
		output := string(b)
		step.OutputJSON = &output
	}
	if err := e.Repo.UpdateStep(ctx, tx, step); err != nil {
		return err
	}
	pos := sd.Position
	if err := e.Repo.SetSessionCheckpoint(ctx, tx, s.ID, &pos); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, s.ID, &step.ID, events.StepStatusChanged, stepCompletedMessage(sd.Code, out), events.EventPayload{
		"step_code": sd.Code,
		"from":      domain.StepRunning,
		"to":        domain.StepCompleted,
	}); err != nil {
		return err
	}
	for _, spec := range out.Artifacts {
		a := domain.Artifact{
			ID:        uuid.New().String(),
			SessionID: s.ID,
			StepID:    &step.ID,
			Name:      spec.Name,
			Kind:      spec.Kind,
			Path:      spec.Path,
			CreatedAt: completedAt,
		}
		if len(spec.Meta) > 0 {
			if b, err := json.Marshal(spec.Meta); err == nil {
				meta := string(b)
				a.MetaJSON = &meta
			}
		}
		if err := e.Repo.InsertArtifact(ctx, tx, a); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, s.ID, &step.ID, events.ArtifactCreated, fmt.Sprintf("artifact %s created", spec.Name), events.EventPayload{
			"artifact_id": a.ID,
			"name":        spec.Name,
			"kind":        spec.Kind,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for k, v := range out.Output {
		state.Values[k] = v
	}
	return nil
}

func stepCompletedMessage(code string, out workflow.Outcome) string {
	if out.Message != "" {
		return out.Message
	}
	return fmt.Sprintf("step %s completed", code)
}

func (e Engine) skipStep(ctx context.Context, s domain.Session, step domain.Step, message string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	completedAt := e.nowStr()
	step.Status = domain.StepSkipped
	step.CompletedAt = &completedAt
	if err := e.Repo.UpdateStep(ctx, tx, step); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, s.ID, &step.ID, events.StepSkipped, message, events.EventPayload{
		"step_code": step.Code,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// failSession marks the failing step, runs the workflow's rollback step, and
// moves the session to failed with exactly one workflow_failed event. The
// rollback step runs once, without retries; its own failure is recorded but
// does not change the session's terminal status.
func (e Engine) failSession(ctx context.Context, s domain.Session, def workflow.Definition, step domain.Step, state *workflow.State, message string) (domain.Session, error) {
	if step.ID != "" {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return s, err
		}
		defer tx.Rollback()
		completedAt := e.nowStr()
		step.Status = domain.StepFailed
		step.Error = &message
		step.CompletedAt = &completedAt
		if err := e.Repo.UpdateStep(ctx, tx, step); err != nil {
			return s, err
		}
		if err := e.Events.Append(ctx, tx, s.ID, &step.ID, events.StepStatusChanged, message, events.EventPayload{
			"step_code": step.Code,
			"from":      domain.StepRunning,
			"to":        domain.StepFailed,
		}); err != nil {
			return s, err
		}
		if err := tx.Commit(); err != nil {
			return s, err
		}
	}
	if def.RollbackStep != nil && s.Mode != domain.ModeAnalysisOnly {
		if err := e.runRollbackStep(ctx, s, *def.RollbackStep, state); err != nil {
			return s, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	completedAt := e.nowStr()
	if err := e.Repo.UpdateSessionStatus(ctx, tx, s.ID, domain.SessionFailed, &completedAt); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, s.ID, nil, events.WorkflowFailed, message, events.EventPayload{
		"workflow_type": s.WorkflowType,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	if released, err := e.Locks.Release(ctx, s.ProjectPath, s.ID); err == nil && released {
		_ = e.appendStandalone(ctx, s.ID, nil, events.LockReleased, "project lock released", events.EventPayload{
			"project_path": s.ProjectPath,
		})
	}
	s.Status = domain.SessionFailed
	s.CompletedAt = &completedAt
	return s, nil
}

func (e Engine) runRollbackStep(ctx context.Context, s domain.Session, sd workflow.StepDefinition, state *workflow.State) error {
	step, err := e.ensureStep(ctx, s, sd, state)
	if err != nil {
		return err
	}
	if err := e.beginStep(ctx, s, &step); err != nil {
		return err
	}
	out := e.Invoker.Invoke(ctx, sd, state)
	if out.Kind == workflow.Advance || out.Kind == workflow.Skip {
		return e.completeStep(ctx, s, sd, step, state, workflow.Outcome{Kind: workflow.Advance, Output: out.Output, Message: out.Message, Artifacts: out.Artifacts})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	completedAt := e.nowStr()
	msg := failureMessage(sd.Code, out)
	step.Status = domain.StepFailed
	step.Error = &msg
	step.CompletedAt = &completedAt
	if err := e.Repo.UpdateStep(ctx, tx, step); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, s.ID, &step.ID, events.StepStatusChanged, msg, events.EventPayload{
		"step_code": sd.Code,
		"from":      domain.StepRunning,
		"to":        domain.StepFailed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// completeSession finalizes a run whose every step advanced or was skipped.
func (e Engine) completeSession(ctx context.Context, s domain.Session, state *workflow.State) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	completedAt := e.nowStr()
	if len(state.Values) > 0 {
		b, err := json.Marshal(state.Values)
		if err != nil {
			return s, fmt.Errorf("marshal session result: %w", err)
		}
		result := string(b)
		if err := e.Repo.SetSessionResult(ctx, tx, s.ID, &result); err != nil {
			return s, err
		}
		s.ResultJSON = &result
	}
	if err := e.Repo.UpdateSessionStatus(ctx, tx, s.ID, domain.SessionCompleted, &completedAt); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, s.ID, nil, events.WorkflowCompleted, "workflow completed", events.EventPayload{
		"workflow_type": s.WorkflowType,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	if released, err := e.Locks.Release(ctx, s.ProjectPath, s.ID); err == nil && released {
		_ = e.appendStandalone(ctx, s.ID, nil, events.LockReleased, "project lock released", events.EventPayload{
			"project_path": s.ProjectPath,
		})
	}
	s.Status = domain.SessionCompleted
	s.CompletedAt = &completedAt
	return s, nil
}
