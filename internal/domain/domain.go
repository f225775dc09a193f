package domain

// Session statuses.
const (
	SessionPending   = "pending"
	SessionRunning   = "running"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Execution modes.
const (
	ModeInteractive  = "interactive"
	ModeAutonomous   = "autonomous"
	ModeAnalysisOnly = "analysis_only"
	ModeDebug        = "debug"
)

// SessionTerminal reports whether a session status is terminal.
func SessionTerminal(status string) bool {
	return status == SessionCompleted || status == SessionFailed || status == SessionCancelled
}

type Session struct {
	ID              string  `json:"id"`
	ProjectPath     string  `json:"project_path"`
	WorkflowType    string  `json:"workflow_type"`
	Mode            string  `json:"mode" enum:"interactive,autonomous,analysis_only,debug"`
	Status          string  `json:"status" enum:"pending,running,paused,completed,failed,cancelled"`
	ConfigJSON      *string `json:"config_json,omitempty"`
	ResultJSON      *string `json:"result_json,omitempty"`
	Checkpoint      *int    `json:"checkpoint,omitempty"`
	CancelRequested bool    `json:"cancel_requested"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

type Step struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	Code        string  `json:"code"`
	Name        string  `json:"name"`
	Position    int     `json:"position"`
	Status      string  `json:"status" enum:"pending,running,completed,failed,skipped"`
	InputJSON   *string `json:"input_json,omitempty"`
	OutputJSON  *string `json:"output_json,omitempty"`
	Error       *string `json:"error,omitempty"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID        int64   `json:"id"`
	SessionID string  `json:"session_id"`
	StepID    *string `json:"step_id,omitempty"`
	Type      string  `json:"type"`
	Message   string  `json:"message,omitempty"`
	Payload   string  `json:"payload_json"`
	TS        string  `json:"ts" format:"date-time"`
}

type Artifact struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	StepID    *string `json:"step_id,omitempty"`
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	Path      string  `json:"path,omitempty"`
	MetaJSON  *string `json:"meta_json,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type ProjectLock struct {
	ProjectPath string `json:"project_path"`
	SessionID   string `json:"session_id"`
	AcquiredAt  string `json:"acquired_at" format:"date-time"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}
