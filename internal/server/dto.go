package server

import (
	"encoding/json"

	"mavline/internal/domain"
	"mavline/internal/repo"
	"mavline/internal/workflow"
)

type CreateSessionRequest struct {
	ProjectPath  string         `json:"project_path" example:"/srv/checkouts/acme-api"`
	WorkflowType string         `json:"workflow_type,omitempty" example:"maven_maintenance"`
	Mode         string         `json:"mode,omitempty" enum:",interactive,autonomous,analysis_only,debug"`
	Config       map[string]any `json:"config,omitempty"`
}

type SessionResponse struct {
	ID              string          `json:"id"`
	ProjectPath     string          `json:"project_path"`
	WorkflowType    string          `json:"workflow_type"`
	Mode            string          `json:"mode"`
	Status          string          `json:"status"`
	Config          json.RawMessage `json:"config,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Checkpoint      *int            `json:"checkpoint,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       string          `json:"created_at"`
	StartedAt       *string         `json:"started_at,omitempty"`
	CompletedAt     *string         `json:"completed_at,omitempty"`
}

type StepResponse struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Position    int             `json:"position"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	StartedAt   *string         `json:"started_at,omitempty"`
	CompletedAt *string         `json:"completed_at,omitempty"`
}

type EventResponse struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	StepID    *string         `json:"step_id,omitempty"`
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	TS        string          `json:"ts"`
}

type ArtifactResponse struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	StepID    *string         `json:"step_id,omitempty"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Path      string          `json:"path,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type LockResponse struct {
	ProjectPath string `json:"project_path"`
	SessionID   string `json:"session_id"`
	AcquiredAt  string `json:"acquired_at"`
	ExpiresAt   string `json:"expires_at"`
}

type WorkflowStepResponse struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Mutating bool   `json:"mutating"`
	Confirm  bool   `json:"confirm"`
}

type WorkflowResponse struct {
	Type     string                 `json:"type"`
	Steps    []WorkflowStepResponse `json:"steps"`
	Rollback *WorkflowStepResponse  `json:"rollback,omitempty"`
}

type paginatedSessions struct {
	Items      []SessionResponse `json:"items"`
	Pagination repo.Pagination   `json:"pagination"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	Pagination repo.Pagination `json:"pagination"`
}

func rawJSON(v *string) json.RawMessage {
	if v == nil || *v == "" {
		return nil
	}
	if !json.Valid([]byte(*v)) {
		return nil
	}
	return json.RawMessage(*v)
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		ProjectPath:     s.ProjectPath,
		WorkflowType:    s.WorkflowType,
		Mode:            s.Mode,
		Status:          s.Status,
		Config:          rawJSON(s.ConfigJSON),
		Result:          rawJSON(s.ResultJSON),
		Checkpoint:      s.Checkpoint,
		CancelRequested: s.CancelRequested,
		CreatedAt:       s.CreatedAt,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
	}
}

func mapSessions(items []domain.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, sessionResponse(s))
	}
	return out
}

func stepResponse(s domain.Step) StepResponse {
	return StepResponse{
		ID:          s.ID,
		SessionID:   s.SessionID,
		Code:        s.Code,
		Name:        s.Name,
		Position:    s.Position,
		Status:      s.Status,
		Input:       rawJSON(s.InputJSON),
		Output:      rawJSON(s.OutputJSON),
		Error:       s.Error,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}

func mapSteps(items []domain.Step) []StepResponse {
	out := make([]StepResponse, 0, len(items))
	for _, s := range items {
		out = append(out, stepResponse(s))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:        e.ID,
		SessionID: e.SessionID,
		StepID:    e.StepID,
		Type:      e.Type,
		Message:   e.Message,
		Payload:   payload,
		TS:        e.TS,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func artifactResponse(a domain.Artifact) ArtifactResponse {
	return ArtifactResponse{
		ID:        a.ID,
		SessionID: a.SessionID,
		StepID:    a.StepID,
		Name:      a.Name,
		Kind:      a.Kind,
		Path:      a.Path,
		Meta:      rawJSON(a.MetaJSON),
		CreatedAt: a.CreatedAt,
	}
}

func mapArtifacts(items []domain.Artifact) []ArtifactResponse {
	out := make([]ArtifactResponse, 0, len(items))
	for _, a := range items {
		out = append(out, artifactResponse(a))
	}
	return out
}

func mapLocks(items []domain.ProjectLock) []LockResponse {
	out := make([]LockResponse, 0, len(items))
	for _, l := range items {
		out = append(out, LockResponse{
			ProjectPath: l.ProjectPath,
			SessionID:   l.SessionID,
			AcquiredAt:  l.AcquiredAt,
			ExpiresAt:   l.ExpiresAt,
		})
	}
	return out
}

func workflowResponse(def workflow.Definition) WorkflowResponse {
	resp := WorkflowResponse{Type: def.Type}
	for _, sd := range def.Ordered() {
		resp.Steps = append(resp.Steps, WorkflowStepResponse{
			Code:     sd.Code,
			Name:     sd.Name,
			Position: sd.Position,
			Mutating: sd.Mutating,
			Confirm:  sd.Confirm,
		})
	}
	if def.RollbackStep != nil {
		resp.Rollback = &WorkflowStepResponse{
			Code:     def.RollbackStep.Code,
			Name:     def.RollbackStep.Name,
			Position: def.RollbackStep.Position,
			Mutating: def.RollbackStep.Mutating,
			Confirm:  def.RollbackStep.Confirm,
		}
	}
	return resp
}
