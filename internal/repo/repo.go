package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"mavline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const sessionColumns = `id,project_path,workflow_type,mode,status,config_json,result_json,checkpoint,cancel_requested,created_at,started_at,completed_at`

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var s domain.Session
	var configJSON, resultJSON, startedAt, completedAt sql.NullString
	var checkpoint sql.NullInt64
	var cancelRequested int
	err := scan(&s.ID, &s.ProjectPath, &s.WorkflowType, &s.Mode, &s.Status,
		&configJSON, &resultJSON, &checkpoint, &cancelRequested, &s.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if configJSON.Valid {
		s.ConfigJSON = &configJSON.String
	}
	if resultJSON.Valid {
		s.ResultJSON = &resultJSON.String
	}
	if checkpoint.Valid {
		cp := int(checkpoint.Int64)
		s.Checkpoint = &cp
	}
	s.CancelRequested = cancelRequested != 0
	if startedAt.Valid {
		s.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectPath, s.WorkflowType, s.Mode, s.Status,
		nullableStringPtr(s.ConfigJSON), nullableStringPtr(s.ResultJSON), nullableIntPtr(s.Checkpoint),
		boolToInt(s.CancelRequested), s.CreatedAt, nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

type SessionFilters struct {
	Status       string
	WorkflowType string
	ProjectPath  string
	Page         int
	PerPage      int
}

// ListSessions returns a page of sessions newest first plus the total count.
func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, int, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.WorkflowType != "" {
		clauses = append(clauses, "workflow_type=?")
		args = append(args, f.WorkflowType)
	}
	if f.ProjectPath != "" {
		clauses = append(clauses, "project_path=?")
		args = append(args, f.ProjectPath)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM sessions `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.PerPage > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.PerPage, (page-1)*f.PerPage)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, s)
	}
	return res, total, rows.Err()
}

// UpdateSessionStatus persists a status transition. Terminal statuses carry a
// completed_at timestamp; the two always change together.
func (r Repo) UpdateSessionStatus(ctx context.Context, tx *sql.Tx, id, status string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, completed_at=? WHERE id=?`,
		status, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkSessionStarted(ctx context.Context, tx *sql.Tx, id, startedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, started_at=COALESCE(started_at,?) WHERE id=?`,
		domain.SessionRunning, startedAt, id)
	return err
}

func (r Repo) SetSessionResult(ctx context.Context, tx *sql.Tx, id string, resultJSON *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET result_json=? WHERE id=?`, nullableStringPtr(resultJSON), id)
	return err
}

func (r Repo) SetSessionCheckpoint(ctx context.Context, tx *sql.Tx, id string, checkpoint *int) error {
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET checkpoint=? WHERE id=?`, nullableIntPtr(checkpoint), id)
	return err
}

// RequestCancel flips the cooperative cancellation flag. The executor checks
// it between steps; it never interrupts a running step body.
func (r Repo) RequestCancel(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET cancel_requested=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountSessionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Pagination is the envelope metadata for list responses.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewPagination derives envelope metadata from a total row count.
func NewPagination(page, perPage, total int) Pagination {
	totalPages := 0
	if perPage > 0 {
		totalPages = (total + perPage - 1) / perPage
	}
	return Pagination{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1 && total > 0,
	}
}
