package repo

import (
	"context"
	"database/sql"

	"mavline/internal/domain"
)

const stepColumns = `id,session_id,code,name,position,status,input_json,output_json,error,started_at,completed_at`

func scanStep(scan func(dest ...any) error) (domain.Step, error) {
	var s domain.Step
	var inputJSON, outputJSON, errText, startedAt, completedAt sql.NullString
	err := scan(&s.ID, &s.SessionID, &s.Code, &s.Name, &s.Position, &s.Status,
		&inputJSON, &outputJSON, &errText, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if inputJSON.Valid {
		s.InputJSON = &inputJSON.String
	}
	if outputJSON.Valid {
		s.OutputJSON = &outputJSON.String
	}
	if errText.Valid {
		s.Error = &errText.String
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	return s, nil
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO steps(`+stepColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.SessionID, s.Code, s.Name, s.Position, s.Status,
		nullableStringPtr(s.InputJSON), nullableStringPtr(s.OutputJSON), nullableStringPtr(s.Error),
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt))
	return err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.Step, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id=?`, id)
	return scanStep(row.Scan)
}

// GetStepByPosition looks a step up within its session.
func (r Repo) GetStepByPosition(ctx context.Context, tx *sql.Tx, sessionID string, position int) (domain.Step, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE session_id=? AND position=?`, sessionID, position)
	return scanStep(row.Scan)
}

// ListSteps returns a session's steps ordered by position.
func (r Repo) ListSteps(ctx context.Context, sessionID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE session_id=? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateStep persists a step transition: status, payloads, error and
// timestamps all move together.
func (r Repo) UpdateStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	res, err := tx.ExecContext(ctx, `UPDATE steps SET status=?, input_json=?, output_json=?, error=?, started_at=?, completed_at=? WHERE id=?`,
		s.Status, nullableStringPtr(s.InputJSON), nullableStringPtr(s.OutputJSON), nullableStringPtr(s.Error),
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LastCompletedPosition returns the highest completed step position for a
// session, or -1 when no step has completed.
func (r Repo) LastCompletedPosition(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position),-1) FROM steps WHERE session_id=? AND status=?`,
		sessionID, domain.StepCompleted)
	var pos int
	if err := row.Scan(&pos); err != nil {
		return -1, err
	}
	return pos, nil
}
