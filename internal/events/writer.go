package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the engine. The log is append-only; these values
// are part of the audit contract and must not be renamed.
const (
	SessionCreated        = "session_created"
	WorkflowStarted       = "workflow_started"
	WorkflowCompleted     = "workflow_completed"
	WorkflowFailed        = "workflow_failed"
	WorkflowPaused        = "workflow_paused"
	WorkflowResumed       = "workflow_resumed"
	WorkflowError         = "workflow_error"
	StepStatusChanged     = "step_status_changed"
	StepSkipped           = "step_skipped"
	ConfirmationRequired  = "confirmation_required"
	ConfirmationReceived  = "confirmation_received"
	LockAcquired          = "lock_acquired"
	LockReleased          = "lock_released"
	ArtifactCreated       = "artifact_created"
	DebugTrace            = "debug_trace"
)

// TSLayout keeps fractional seconds fixed-width so string comparison of
// stored timestamps matches temporal order. Bounds compared against the ts
// column must be formatted with this layout, not bare RFC3339.
const TSLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so that a state
// transition and its event commit as one unit.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, sessionID string, stepID *string, evtType, message string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(TSLayout)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(session_id,step_id,type,message,payload_json,ts) VALUES (?,?,?,?,?,?)`,
		sessionID, nullableStringPtr(stepID), evtType, nullable(message), string(data), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
