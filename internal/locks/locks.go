// Package locks arbitrates exclusive access to a project checkout. Locks are
// advisory and time-boxed: a crashed worker's lock self-expires and any
// acquire attempt treats an expired row as absent.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mavline/internal/domain"
)

// ErrHeld signals that a live lock for the path is owned by another session.
var ErrHeld = errors.New("project lock held by another session")

type Manager struct {
	DB  *sql.DB
	Now func() time.Time
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Acquire takes or renews the lock for projectPath on behalf of sessionID.
// It is a single atomic conditional write: the upsert only lands when no row
// exists, the existing row is expired, or the owner is the same session
// (idempotent re-acquire, used on resume and TTL renewal).
func (m Manager) Acquire(ctx context.Context, projectPath, sessionID string, ttl time.Duration) (domain.ProjectLock, error) {
	if _, err := m.SweepExpired(ctx); err != nil {
		return domain.ProjectLock{}, err
	}
	now := m.now().UTC()
	lock := domain.ProjectLock{
		ProjectPath: projectPath,
		SessionID:   sessionID,
		AcquiredAt:  now.Format(time.RFC3339),
		ExpiresAt:   now.Add(ttl).Format(time.RFC3339),
	}
	res, err := m.DB.ExecContext(ctx, `INSERT INTO project_locks(project_path,session_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(project_path) DO UPDATE SET session_id=excluded.session_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE project_locks.session_id=excluded.session_id OR project_locks.expires_at<=?`,
		lock.ProjectPath, lock.SessionID, lock.AcquiredAt, lock.ExpiresAt, now.Format(time.RFC3339))
	if err != nil {
		return domain.ProjectLock{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ProjectLock{}, ErrHeld
	}
	return lock, nil
}

// Release drops the lock if sessionID owns it. Returns false when no live
// lock for the session existed.
func (m Manager) Release(ctx context.Context, projectPath, sessionID string) (bool, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM project_locks WHERE project_path=? AND session_id=?`, projectPath, sessionID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsLocked reports whether a non-expired lock exists for the path.
func (m Manager) IsLocked(ctx context.Context, projectPath string) (bool, error) {
	now := m.now().UTC().Format(time.RFC3339)
	row := m.DB.QueryRowContext(ctx, `SELECT count(*) FROM project_locks WHERE project_path=? AND expires_at>?`, projectPath, now)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// Get returns the live lock for a path, if any.
func (m Manager) Get(ctx context.Context, projectPath string) (domain.ProjectLock, bool, error) {
	now := m.now().UTC().Format(time.RFC3339)
	row := m.DB.QueryRowContext(ctx, `SELECT project_path,session_id,acquired_at,expires_at FROM project_locks WHERE project_path=? AND expires_at>?`, projectPath, now)
	var l domain.ProjectLock
	err := row.Scan(&l.ProjectPath, &l.SessionID, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return domain.ProjectLock{}, false, nil
	}
	if err != nil {
		return domain.ProjectLock{}, false, err
	}
	return l, true, nil
}

// List returns all live locks.
func (m Manager) List(ctx context.Context) ([]domain.ProjectLock, error) {
	now := m.now().UTC().Format(time.RFC3339)
	rows, err := m.DB.QueryContext(ctx, `SELECT project_path,session_id,acquired_at,expires_at FROM project_locks WHERE expires_at>? ORDER BY acquired_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectLock
	for rows.Next() {
		var l domain.ProjectLock
		if err := rows.Scan(&l.ProjectPath, &l.SessionID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// SweepExpired deletes expired rows. Called opportunistically before each
// acquire rather than on a timer.
func (m Manager) SweepExpired(ctx context.Context) (int64, error) {
	now := m.now().UTC().Format(time.RFC3339)
	res, err := m.DB.ExecContext(ctx, `DELETE FROM project_locks WHERE expires_at<=?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
