package repo

import (
	"context"
	"database/sql"
	"strings"

	"mavline/internal/domain"
)

type EventFilters struct {
	SessionID string
	Type      string
	// Since is an exclusive lower bound on the event timestamp (ts > Since).
	Since   string
	Page    int
	PerPage int
}

const eventColumns = `id,session_id,step_id,type,message,payload_json,ts`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var stepID, message, payload sql.NullString
	err := scan(&e.ID, &e.SessionID, &stepID, &e.Type, &message, &payload, &e.TS)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if stepID.Valid {
		e.StepID = &stepID.String
	}
	if message.Valid {
		e.Message = message.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// QueryEvents returns events newest first (ts desc, id desc for ties) plus
// the total count matching the filters. A page past the end yields an empty
// slice, not an error.
func (r Repo) QueryEvents(ctx context.Context, f EventFilters) ([]domain.Event, int, error) {
	clauses := []string{"session_id=?"}
	args := []any{f.SessionID}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts>?")
		args = append(args, f.Since)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM events `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + eventColumns + ` FROM events ` + where + ` ORDER BY ts DESC, id DESC`
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
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, e)
	}
	return res, total, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, across all sessions. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event ID, or 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// CountEventsByType tallies a session's events per type.
func (r Repo) CountEventsByType(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, count(*) FROM events WHERE session_id=? GROUP BY type`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		res[typ] = count
	}
	return res, rows.Err()
}
