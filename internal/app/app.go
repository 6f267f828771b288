package app

import (
	"database/sql"
	"fmt"

	"bidreach/internal/config"
	"bidreach/internal/db"
	"bidreach/internal/engine"
	"bidreach/internal/migrate"
)

// Runtime bundles what every command needs: an open database, the
// effective config and a ready engine.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Bootstrap prepares a workspace: ensures the directory exists, opens and
// migrates the database, loads bidreach.yml when present (defaults
// otherwise) and builds the engine.
func Bootstrap(workspace string) (*Runtime, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Runtime{Workspace: workspace, DB: conn, Config: cfg, Engine: eng}, nil
}

// Close releases the runtime's database handle.
func (rt *Runtime) Close() error {
	if rt == nil || rt.DB == nil {
		return nil
	}
	return rt.DB.Close()
}
