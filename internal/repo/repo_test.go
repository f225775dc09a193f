package repo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"mavline/internal/db"
	"mavline/internal/domain"
	"mavline/internal/migrate"
	"mavline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func insertSession(t *testing.T, r repo.Repo, s domain.Session) {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertSession(context.Background(), tx, s); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	r := newRepo(t)
	_, err := r.GetSession(context.Background(), "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessionsPagination(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		insertSession(t, r, domain.Session{
			ID:           fmt.Sprintf("s-%d", i),
			ProjectPath:  "/repos/a",
			WorkflowType: "maven_maintenance",
			Mode:         domain.ModeAutonomous,
			Status:       domain.SessionPending,
			CreatedAt:    fmt.Sprintf("2026-01-0%dT00:00:00Z", i+1),
		})
	}
	page1, total, err := r.ListSessions(ctx, repo.SessionFilters{Page: 1, PerPage: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(page1) != 2 {
		t.Fatalf("expected total 5, page of 2; got %d/%d", total, len(page1))
	}
	// newest first
	if page1[0].ID != "s-4" {
		t.Fatalf("expected newest session first, got %s", page1[0].ID)
	}
	page3, _, err := r.ListSessions(ctx, repo.SessionFilters{Page: 3, PerPage: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page3) != 1 {
		t.Fatalf("expected last page of 1, got %d", len(page3))
	}
	empty, _, err := r.ListSessions(ctx, repo.SessionFilters{Page: 4, PerPage: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("page past end should be empty, got %d", len(empty))
	}
	byStatus, total, err := r.ListSessions(ctx, repo.SessionFilters{Status: domain.SessionRunning})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 || len(byStatus) != 0 {
		t.Fatalf("status filter should exclude everything, got %d", total)
	}
}

func TestStepUniquenessPerSession(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertSession(t, r, domain.Session{
		ID: "s-1", ProjectPath: "/repos/a", WorkflowType: "maven_maintenance",
		Mode: domain.ModeAutonomous, Status: domain.SessionPending, CreatedAt: "2026-01-01T00:00:00Z",
	})
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	step := domain.Step{ID: "st-1", SessionID: "s-1", Code: "scan", Name: "Scan", Position: 1, Status: domain.StepPending}
	if err := r.InsertStep(ctx, tx, step); err != nil {
		t.Fatalf("insert step: %v", err)
	}
	dup := step
	dup.ID = "st-2"
	if err := r.InsertStep(ctx, tx, dup); err == nil {
		t.Fatalf("expected unique violation for duplicate code and position")
	}
}

func TestLastCompletedPosition(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insertSession(t, r, domain.Session{
		ID: "s-1", ProjectPath: "/repos/a", WorkflowType: "maven_maintenance",
		Mode: domain.ModeAutonomous, Status: domain.SessionRunning, CreatedAt: "2026-01-01T00:00:00Z",
	})
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	pos, err := r.LastCompletedPosition(ctx, tx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if pos != -1 {
		t.Fatalf("expected -1 with no steps, got %d", pos)
	}
	for i, status := range []string{domain.StepCompleted, domain.StepCompleted, domain.StepSkipped, domain.StepPending} {
		if err := r.InsertStep(ctx, tx, domain.Step{
			ID: fmt.Sprintf("st-%d", i), SessionID: "s-1", Code: fmt.Sprintf("c%d", i),
			Name: "step", Position: i + 1, Status: status,
		}); err != nil {
			t.Fatal(err)
		}
	}
	pos, err = r.LastCompletedPosition(ctx, tx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if pos != 2 {
		t.Fatalf("skipped steps do not move the checkpoint; expected 2, got %d", pos)
	}
	tx.Rollback()
}

func TestNewPagination(t *testing.T) {
	pg := repo.NewPagination(2, 20, 45)
	if pg.TotalPages != 3 {
		t.Fatalf("expected 3 pages, got %d", pg.TotalPages)
	}
	if !pg.HasNext || !pg.HasPrev {
		t.Fatalf("middle page must have both neighbors: %+v", pg)
	}
	pg = repo.NewPagination(1, 20, 0)
	if pg.TotalPages != 0 || pg.HasNext || pg.HasPrev {
		t.Fatalf("empty result pagination wrong: %+v", pg)
	}
}
