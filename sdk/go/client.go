package mavlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Mavline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Session represents the API session model.
type Session struct {
	ID           string          `json:"id"`
	ProjectPath  string          `json:"project_path"`
	WorkflowType string          `json:"workflow_type"`
	Mode         string          `json:"mode"`
	Status       string          `json:"status"`
	Config       json.RawMessage `json:"config,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Checkpoint   *int            `json:"checkpoint,omitempty"`
	CreatedAt    string          `json:"created_at"`
	StartedAt    string          `json:"started_at,omitempty"`
	CompletedAt  string          `json:"completed_at,omitempty"`
}

// Step represents one workflow step of a session.
type Step struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// Event represents an audit-trail entry.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"type"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	TS        string          `json:"ts"`
}

// Artifact represents a file or report a step produced.
type Artifact struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	StepID    string          `json:"step_id,omitempty"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Path      string          `json:"path,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// Lock represents a live project lock.
type Lock struct {
	ProjectPath string `json:"project_path"`
	SessionID   string `json:"session_id"`
	AcquiredAt  string `json:"acquired_at"`
	ExpiresAt   string `json:"expires_at"`
}

// Pagination mirrors the server's page envelope.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// PaginatedSessions wraps a session listing.
type PaginatedSessions struct {
	Items      []Session  `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// PaginatedEvents wraps an event listing.
type PaginatedEvents struct {
	Items      []Event    `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SessionOptions are parameters for CreateSession.
type SessionOptions struct {
	ProjectPath  string         `json:"project_path"`
	WorkflowType string         `json:"workflow_type,omitempty"`
	Mode         string         `json:"mode,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// CreateSession registers a new pending session.
func (c *Client) CreateSession(ctx context.Context, opts SessionOptions) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", opts, &resp)
	return resp, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.sessionPath(id, ""), nil, &resp)
	return resp, err
}

// SessionFilters narrow a session listing.
type SessionFilters struct {
	Status       string
	WorkflowType string
	ProjectPath  string
	Page         int
	PerPage      int
}

// ListSessions returns a page of sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, f SessionFilters) (PaginatedSessions, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.WorkflowType != "" {
		q.Set("workflow_type", f.WorkflowType)
	}
	if f.ProjectPath != "" {
		q.Set("project_path", f.ProjectPath)
	}
	if f.Page > 0 {
		q.Set("page", fmt.Sprintf("%d", f.Page))
	}
	if f.PerPage > 0 {
		q.Set("per_page", fmt.Sprintf("%d", f.PerPage))
	}
	endpoint := "v0/sessions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedSessions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartSession begins executing a pending session. The server runs the
// workflow in the background; poll GetSession for progress.
func (c *Client) StartSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "start"), nil, &resp)
	return resp, err
}

// PauseSession suspends a running session at its checkpoint.
func (c *Client) PauseSession(ctx context.Context, id, reason string) (Session, error) {
	var body any
	if reason != "" {
		body = map[string]any{"reason": reason}
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "pause"), body, &resp)
	return resp, err
}

// ResumeSession continues a paused session. A non-nil checkpoint re-runs
// steps after that position.
func (c *Client) ResumeSession(ctx context.Context, id string, checkpoint *int) (Session, error) {
	var body any
	if checkpoint != nil {
		body = map[string]any{"checkpoint": *checkpoint}
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "resume"), body, &resp)
	return resp, err
}

// CancelSession cancels a session. Running sessions stop cooperatively at
// the next step boundary.
func (c *Client) CancelSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "cancel"), nil, &resp)
	return resp, err
}

// ConfirmSession approves the confirmation checkpoint a session is suspended
// on and resumes it.
func (c *Client) ConfirmSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, c.sessionPath(id, "confirm"), nil, &resp)
	return resp, err
}

// ListSteps returns a session's steps in position order.
func (c *Client) ListSteps(ctx context.Context, sessionID string) ([]Step, error) {
	var resp []Step
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "steps"), nil, &resp)
	return resp, err
}

// ListArtifacts returns a session's artifacts.
func (c *Client) ListArtifacts(ctx context.Context, sessionID string) ([]Artifact, error) {
	var resp []Artifact
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "artifacts"), nil, &resp)
	return resp, err
}

// EventFilters narrow an event query.
type EventFilters struct {
	Type    string
	Since   string
	Page    int
	PerPage int
}

// Events returns a session's events, newest first. Since is an exclusive
// ISO-8601 lower bound.
func (c *Client) Events(ctx context.Context, sessionID string, f EventFilters) (PaginatedEvents, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("event_type", f.Type)
	}
	if f.Since != "" {
		q.Set("since", f.Since)
	}
	if f.Page > 0 {
		q.Set("page", fmt.Sprintf("%d", f.Page))
	}
	if f.PerPage > 0 {
		q.Set("per_page", fmt.Sprintf("%d", f.PerPage))
	}
	endpoint := c.sessionPath(sessionID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListLocks returns the live project locks.
func (c *Client) ListLocks(ctx context.Context) ([]Lock, error) {
	var resp []Lock
	err := c.do(ctx, http.MethodGet, "v0/locks", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sessionPath(id, sub string) string {
	p := fmt.Sprintf("v0/sessions/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
