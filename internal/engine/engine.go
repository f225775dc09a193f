package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mavline/internal/config"
	"mavline/internal/domain"
	"mavline/internal/events"
	"mavline/internal/locks"
	"mavline/internal/repo"
	"mavline/internal/workflow"
)

// ErrInvalidTransition signals a status change request that the session
// state machine does not allow (e.g. resuming a session that is not paused).
var ErrInvalidTransition = errors.New("invalid session status transition")

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Locks     locks.Manager
	Registry  *workflow.Registry
	Config    *config.Config
	Invoker   workflow.Invoker
	Confirmer Confirmer
	Now       func() time.Time
}

// Confirmer resolves interactive confirmation checkpoints in-process. When
// nil, the executor suspends the session and waits for an external Confirm
// call instead.
type Confirmer interface {
	Confirm(ctx context.Context, session domain.Session, step domain.Step) (bool, error)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Locks:    locks.Manager{DB: db},
		Registry: workflow.DefaultRegistry(),
		Config:   cfg,
		Invoker:  workflow.HandlerInvoker{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) lockTTL() time.Duration {
	secs := e.Config.Executor.LockTTLSeconds
	if secs < 1 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

func (e Engine) maxRetries() int {
	n := e.Config.Executor.MaxStepRetries
	if n < 1 {
		n = 3
	}
	return n
}

func validMode(mode string) bool {
	switch mode {
	case domain.ModeInteractive, domain.ModeAutonomous, domain.ModeAnalysisOnly, domain.ModeDebug:
		return true
	}
	return false
}

func ensureSessionTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.SessionPending:
		if newStatus == domain.SessionRunning || newStatus == domain.SessionCancelled {
			return nil
		}
	case domain.SessionRunning:
		switch newStatus {
		case domain.SessionPaused, domain.SessionCompleted, domain.SessionFailed, domain.SessionCancelled:
			return nil
		}
	case domain.SessionPaused:
		if newStatus == domain.SessionRunning || newStatus == domain.SessionCancelled {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// SessionCreateOptions are parameters for creating a session.
type SessionCreateOptions struct {
	ProjectPath  string
	WorkflowType string
	Mode         string
	Config       map[string]any
}

// CreateSession records a new pending session. Execution starts separately;
// the project lock is only taken when the executor begins.
func (e Engine) CreateSession(ctx context.Context, opts SessionCreateOptions) (domain.Session, error) {
	if opts.ProjectPath == "" {
		return domain.Session{}, errors.New("project path is required")
	}
	if opts.WorkflowType == "" {
		opts.WorkflowType = e.Config.Workflows.Default
	}
	if _, err := e.Registry.Lookup(opts.WorkflowType); err != nil {
		return domain.Session{}, fmt.Errorf("invalid workflow type: %w", err)
	}
	for _, d := range e.Config.Workflows.Disabled {
		if d == opts.WorkflowType {
			return domain.Session{}, fmt.Errorf("invalid workflow type %s: disabled by config", opts.WorkflowType)
		}
	}
	if opts.Mode == "" {
		opts.Mode = domain.ModeInteractive
	}
	if !validMode(opts.Mode) {
		return domain.Session{}, fmt.Errorf("invalid mode %s", opts.Mode)
	}
	var configJSON *string
	if len(opts.Config) > 0 {
		b, err := json.Marshal(opts.Config)
		if err != nil {
			return domain.Session{}, fmt.Errorf("marshal session config: %w", err)
		}
		s := string(b)
		configJSON = &s
	}
	s := domain.Session{
		ID:           uuid.New().String(),
		ProjectPath:  opts.ProjectPath,
		WorkflowType: opts.WorkflowType,
		Mode:         opts.Mode,
		Status:       domain.SessionPending,
		ConfigJSON:   configJSON,
		CreatedAt:    e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Events.Append(ctx, tx, s.ID, nil, events.SessionCreated, "session created", events.EventPayload{
		"project_path":  s.ProjectPath,
		"workflow_type": s.WorkflowType,
		"mode":          s.Mode,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func (e Engine) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return e.Repo.GetSession(ctx, id)
}

func (e Engine) ListSessions(ctx context.Context, f repo.SessionFilters) ([]domain.Session, repo.Pagination, error) {
	f.Page, f.PerPage = e.normalizePage(f.Page, f.PerPage)
	items, total, err := e.Repo.ListSessions(ctx, f)
	if err != nil {
		return nil, repo.Pagination{}, err
	}
	return items, repo.NewPagination(f.Page, f.PerPage, total), nil
}

func (e Engine) GetStep(ctx context.Context, id string) (domain.Step, error) {
	return e.Repo.GetStep(ctx, id)
}

func (e Engine) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	return e.Repo.GetArtifact(ctx, id)
}

func (e Engine) ListSteps(ctx context.Context, sessionID string) ([]domain.Step, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.ListSteps(ctx, sessionID)
}

func (e Engine) ListArtifacts(ctx context.Context, sessionID string) ([]domain.Artifact, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Repo.ListArtifacts(ctx, sessionID)
}

// EventQuery are validated parameters for the audit-trail query.
type EventQuery struct {
	SessionID string
	Type      string
	Since     string
	Page      int
	PerPage   int
}

// QueryEvents returns a session's events newest first. Since is an exclusive
// ISO-8601 lower bound; a malformed value is a validation error.
func (e Engine) QueryEvents(ctx context.Context, q EventQuery) ([]domain.Event, repo.Pagination, error) {
	if _, err := e.Repo.GetSession(ctx, q.SessionID); err != nil {
		return nil, repo.Pagination{}, err
	}
	if q.Since != "" {
		t, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			return nil, repo.Pagination{}, fmt.Errorf("invalid since timestamp %q", q.Since)
		}
		// Stored timestamps carry fixed-width fractional seconds; a bare
		// RFC3339 bound would compare wrongly against them as a string.
		q.Since = t.UTC().Format(events.TSLayout)
	}
	if q.Page < 0 {
		return nil, repo.Pagination{}, fmt.Errorf("invalid page %d", q.Page)
	}
	if q.PerPage < 0 || q.PerPage > e.maxPerPage() {
		return nil, repo.Pagination{}, fmt.Errorf("invalid per_page %d", q.PerPage)
	}
	q.Page, q.PerPage = e.normalizePage(q.Page, q.PerPage)
	items, total, err := e.Repo.QueryEvents(ctx, repo.EventFilters{
		SessionID: q.SessionID,
		Type:      q.Type,
		Since:     q.Since,
		Page:      q.Page,
		PerPage:   q.PerPage,
	})
	if err != nil {
		return nil, repo.Pagination{}, err
	}
	return items, repo.NewPagination(q.Page, q.PerPage, total), nil
}

func (e Engine) maxPerPage() int {
	max := e.Config.Executor.MaxPerPage
	if max < 1 {
		max = 100
	}
	return max
}

func (e Engine) normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = e.Config.Executor.DefaultPerPage
		if perPage < 1 {
			perPage = 20
		}
	}
	if max := e.maxPerPage(); perPage > max {
		perPage = max
	}
	return page, perPage
}

// Pause suspends a running session. The checkpoint is the last completed
// step position; the project lock is retained so no second actor can slip in
// and mutate the checkout while the session is suspended.
func (e Engine) Pause(ctx context.Context, sessionID, reason string) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	if err := ensureSessionTransition(s.Status, domain.SessionPaused); err != nil {
		return s, err
	}
	checkpoint, err := e.Repo.LastCompletedPosition(ctx, tx, sessionID)
	if err != nil {
		return s, err
	}
	if err := e.Repo.SetSessionCheckpoint(ctx, tx, sessionID, &checkpoint); err != nil {
		return s, err
	}
	if err := e.Repo.UpdateSessionStatus(ctx, tx, sessionID, domain.SessionPaused, nil); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, sessionID, nil, events.WorkflowPaused, pauseMessage(reason), events.EventPayload{
		"checkpoint": checkpoint,
		"reason":     reason,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Status = domain.SessionPaused
	s.Checkpoint = &checkpoint
	return s, nil
}

func pauseMessage(reason string) string {
	if reason == "" {
		return "workflow paused"
	}
	return "workflow paused: " + reason
}

// Resume transitions a paused session back to running and re-acquires the
// project lock (idempotent for the owning session). When a checkpoint is
// given, steps after it are reset to pending and will be re-invoked; step
// bodies are expected to be idempotent or rollback-safe.
func (e Engine) Resume(ctx context.Context, sessionID string, checkpoint *int) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionPaused {
		return s, fmt.Errorf("%w: resume requires a paused session, got %s", ErrInvalidTransition, s.Status)
	}
	target := -1
	if s.Checkpoint != nil {
		target = *s.Checkpoint
	}
	if checkpoint != nil {
		if s.Checkpoint != nil && *checkpoint > *s.Checkpoint {
			return s, fmt.Errorf("invalid checkpoint %d: beyond last completed position %d", *checkpoint, *s.Checkpoint)
		}
		target = *checkpoint
	}
	if _, err := e.Locks.Acquire(ctx, s.ProjectPath, s.ID, e.lockTTL()); err != nil {
		return s, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	// Re-running from an earlier checkpoint re-executes intervening steps.
	if _, err := tx.ExecContext(ctx, `UPDATE steps SET status=?, output_json=NULL, error=NULL, started_at=NULL, completed_at=NULL WHERE session_id=? AND position>? AND status!=?`,
		domain.StepPending, sessionID, target, domain.StepPending); err != nil {
		return s, err
	}
	if err := e.Repo.SetSessionCheckpoint(ctx, tx, sessionID, &target); err != nil {
		return s, err
	}
	if err := e.Repo.UpdateSessionStatus(ctx, tx, sessionID, domain.SessionRunning, nil); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, sessionID, nil, events.WorkflowResumed, "workflow resumed", events.EventPayload{
		"checkpoint": target,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	s.Status = domain.SessionRunning
	s.Checkpoint = &target
	return s, nil
}

// Cancel is cooperative. A pending or paused session cancels immediately; a
// running one is marked and the executor honors the mark between steps,
// never mid-step-body.
func (e Engine) Cancel(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if domain.SessionTerminal(s.Status) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, domain.SessionCancelled)
	}
	if s.Status == domain.SessionRunning {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return s, err
		}
		defer tx.Rollback()
		if err := e.Repo.RequestCancel(ctx, tx, sessionID); err != nil {
			return s, err
		}
		if err := e.Events.Append(ctx, tx, sessionID, nil, events.WorkflowError, "cancellation requested", events.EventPayload{
			"cooperative": true,
		}); err != nil {
			return s, err
		}
		if err := tx.Commit(); err != nil {
			return s, err
		}
		s.CancelRequested = true
		return s, nil
	}
	return e.finalizeCancel(ctx, s, "session cancelled")
}

func (e Engine) finalizeCancel(ctx context.Context, s domain.Session, message string) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	completedAt := e.nowStr()
	if err := e.Repo.UpdateSessionStatus(ctx, tx, s.ID, domain.SessionCancelled, &completedAt); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, s.ID, nil, events.WorkflowError, message, events.EventPayload{
		"status": domain.SessionCancelled,
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
	s.Status = domain.SessionCancelled
	s.CompletedAt = &completedAt
	return s, nil
}

// Confirm records an external approval for the confirmation checkpoint the
// session is suspended on and moves it back to running. The caller re-enters
// the executor afterwards.
func (e Engine) Confirm(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if s.Status != domain.SessionPaused {
		return s, fmt.Errorf("%w: confirm requires a paused session, got %s", ErrInvalidTransition, s.Status)
	}
	step, ok, err := e.pendingConfirmStep(ctx, s)
	if err != nil {
		return s, err
	}
	if !ok {
		return s, fmt.Errorf("session %s is not awaiting confirmation", sessionID)
	}
	if err := e.appendStandalone(ctx, s.ID, &step.ID, events.ConfirmationReceived, "confirmation received", events.EventPayload{
		"step_code": step.Code,
	}); err != nil {
		return s, err
	}
	return e.Resume(ctx, sessionID, nil)
}

// pendingConfirmStep finds the step the paused session stopped in front of,
// when that step requires confirmation.
func (e Engine) pendingConfirmStep(ctx context.Context, s domain.Session) (domain.Step, bool, error) {
	def, err := e.Registry.Lookup(s.WorkflowType)
	if err != nil {
		return domain.Step{}, false, err
	}
	checkpoint := -1
	if s.Checkpoint != nil {
		checkpoint = *s.Checkpoint
	}
	steps, err := e.Repo.ListSteps(ctx, s.ID)
	if err != nil {
		return domain.Step{}, false, err
	}
	for _, sd := range def.Ordered() {
		if sd.Position <= checkpoint {
			continue
		}
		if !sd.Confirm {
			return domain.Step{}, false, nil
		}
		for _, st := range steps {
			if st.Position == sd.Position {
				return st, true, nil
			}
		}
		return domain.Step{}, false, nil
	}
	return domain.Step{}, false, nil
}

// hasConfirmation reports whether an approval event exists for the step.
func (e Engine) hasConfirmation(ctx context.Context, stepID string) (bool, error) {
	row := e.DB.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE step_id=? AND type=?`, stepID, events.ConfirmationReceived)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// appendStandalone writes one event in its own transaction, for events that
// do not accompany a state transition.
func (e Engine) appendStandalone(ctx context.Context, sessionID string, stepID *string, evtType, message string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, sessionID, stepID, evtType, message, payload); err != nil {
		return err
	}
	return tx.Commit()
}
