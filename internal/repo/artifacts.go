package repo

import (
	"context"
	"database/sql"

	"mavline/internal/domain"
)

const artifactColumns = `id,session_id,step_id,name,kind,path,meta_json,created_at`

func scanArtifact(scan func(dest ...any) error) (domain.Artifact, error) {
	var a domain.Artifact
	var stepID, path, metaJSON sql.NullString
	err := scan(&a.ID, &a.SessionID, &stepID, &a.Name, &a.Kind, &path, &metaJSON, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if stepID.Valid {
		a.StepID = &stepID.String
	}
	if path.Valid {
		a.Path = path.String
	}
	if metaJSON.Valid {
		a.MetaJSON = &metaJSON.String
	}
	return a, nil
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(`+artifactColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.SessionID, nullableStringPtr(a.StepID), a.Name, a.Kind, nullable(a.Path),
		nullableStringPtr(a.MetaJSON), a.CreatedAt)
	return err
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id)
	return scanArtifact(row.Scan)
}

// ListArtifacts returns a session's artifacts oldest first.
func (r Repo) ListArtifacts(ctx context.Context, sessionID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE session_id=? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
