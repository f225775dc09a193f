// Package app wires the shared workspace bootstrap used by the CLI and the
// server: data directory, database, migrations and mavline.yml.
package app

import (
	"database/sql"
	"fmt"

	"mavline/internal/config"
	"mavline/internal/db"
	"mavline/internal/engine"
	"mavline/internal/migrate"
)

// Open prepares the workspace and returns a migrated database handle plus
// the loaded config. Missing mavline.yml falls back to defaults.
func Open(workspace string) (*sql.DB, *config.Config, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

// NewEngine opens the workspace and builds an engine on top of it. The
// returned closer releases the database handle.
func NewEngine(workspace string) (engine.Engine, func(), error) {
	conn, cfg, err := Open(workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	return engine.New(conn, cfg), func() { conn.Close() }, nil
}
