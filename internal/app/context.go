package app

import (
	"database/sql"
	"fmt"
	"os"

	"govline/internal/config"
	"govline/internal/db"
	"govline/internal/engine"
	"govline/internal/migrate"
)

// Runtime bundles the open handles a command needs: the workspace database,
// the effective config, and an engine wired to both.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace: database, schema, config. A workspace without
// a govline.yml runs on the built-in defaults so read commands work in a
// fresh checkout; InitConfig writes the file for teams that want to edit it.
func Open(workspace string) (*Runtime, error) {
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
	return &Runtime{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

// Close releases the database handle.
func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// InitConfig writes the default govline.yml into the workspace. It refuses
// to overwrite an existing file; edit that one instead.
func InitConfig(workspace string) (string, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config %s already exists", path)
	} else if !os.IsNotExist(err) {
		return path, err
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return path, err
	}
	return path, nil
}
