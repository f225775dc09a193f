package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mavline/internal/config"
	"mavline/internal/db"
	"mavline/internal/domain"
	"mavline/internal/engine"
	"mavline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func waitForStatus(t *testing.T, srv *testServer, sessionID string, want ...string) SessionResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/sessions/"+sessionID, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get session: %d %s", res.StatusCode, string(data))
		}
		var s SessionResponse
		if err := json.Unmarshal(data, &s); err != nil {
			t.Fatalf("unmarshal session: %v", err)
		}
		for _, w := range want {
			if s.Status == w {
				return s
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %v", sessionID, want)
	return SessionResponse{}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"project_path": "/repos/acme-api",
		"mode":         domain.ModeAutonomous,
		"config":       map[string]any{"updates": []string{"org.slf4j:slf4j-api"}},
	}, nil)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create session: %d %s", createRes.StatusCode, string(data))
	}
	var created SessionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if created.Status != domain.SessionPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}

	startRes, startBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+created.ID+"/start", nil, nil)
	if startRes.StatusCode != http.StatusAccepted {
		t.Fatalf("start session: %d %s", startRes.StatusCode, string(startBody))
	}
	done := waitForStatus(t, srv, created.ID, domain.SessionCompleted)
	if done.CompletedAt == nil {
		t.Fatalf("completed session must carry completed_at")
	}

	stepsRes, stepsBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+created.ID+"/steps", nil, nil)
	if stepsRes.StatusCode != http.StatusOK {
		t.Fatalf("list steps: %d %s", stepsRes.StatusCode, string(stepsBody))
	}
	var steps []StepResponse
	if err := json.Unmarshal(stepsBody, &steps); err != nil {
		t.Fatalf("unmarshal steps: %v", err)
	}
	if len(steps) != 6 {
		t.Fatalf("expected 6 maintenance steps, got %d", len(steps))
	}

	evRes, evBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+created.ID+"/events?per_page=50", nil, nil)
	if evRes.StatusCode != http.StatusOK {
		t.Fatalf("query events: %d %s", evRes.StatusCode, string(evBody))
	}
	var events paginatedEvents
	if err := json.Unmarshal(evBody, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if events.Pagination.Total == 0 || len(events.Items) == 0 {
		t.Fatalf("expected a populated audit trail: %s", string(evBody))
	}
	if events.Items[0].Type != "workflow_completed" && events.Items[0].Type != "lock_released" {
		t.Fatalf("newest event should close the run, got %s", events.Items[0].Type)
	}

	artRes, artBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+created.ID+"/artifacts", nil, nil)
	if artRes.StatusCode != http.StatusOK {
		t.Fatalf("list artifacts: %d %s", artRes.StatusCode, string(artBody))
	}
	var arts []ArtifactResponse
	if err := json.Unmarshal(artBody, &arts); err != nil {
		t.Fatalf("unmarshal artifacts: %v", err)
	}
	if len(arts) != 1 || arts[0].Name != "report.md" {
		t.Fatalf("expected the report artifact, got %s", string(artBody))
	}
}

func TestLockConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	// interactive session suspends in front of apply_updates and keeps the lock
	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"project_path": "/repos/shared",
		"mode":         domain.ModeInteractive,
		"config":       map[string]any{"updates": []string{"a:b"}},
	}, nil)
	var first SessionResponse
	_ = json.Unmarshal(data, &first)
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+first.ID+"/start", nil, nil); res.StatusCode != http.StatusAccepted {
		t.Fatalf("start first: %d %s", res.StatusCode, string(body))
	}
	waitForStatus(t, srv, first.ID, domain.SessionPaused)

	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"project_path": "/repos/shared",
		"mode":         domain.ModeAutonomous,
	}, nil)
	var second SessionResponse
	_ = json.Unmarshal(data, &second)
	conflictRes, conflictBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+second.ID+"/start", nil, nil)
	if conflictRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", conflictRes.StatusCode, string(conflictBody))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(conflictBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "lock_conflict" {
		t.Fatalf("expected lock_conflict code, got %q", envelope.Error.Code)
	}

	// approving the checkpoint finishes the first run and frees the lock
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+first.ID+"/confirm", nil, nil); res.StatusCode != http.StatusAccepted {
		t.Fatalf("confirm: %d %s", res.StatusCode, string(body))
	}
	waitForStatus(t, srv, first.ID, domain.SessionCompleted)
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+second.ID+"/start", nil, nil); res.StatusCode != http.StatusAccepted {
		t.Fatalf("start second after release: %d %s", res.StatusCode, string(body))
	}
	waitForStatus(t, srv, second.ID, domain.SessionCompleted)
}

func TestValidationErrorsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"project_path": "/repos/a",
		"mode":         "yolo",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid mode should be 400, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session should be 404, got %d", res.StatusCode)
	}

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"project_path": "/repos/a",
	}, nil)
	var s SessionResponse
	_ = json.Unmarshal(data, &s)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+s.ID+"/events?since=garbage", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed since should be 400, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+s.ID+"/pause", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("pausing a pending session should be 409, got %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	// health stays open
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", res.StatusCode, string(body))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
}
