package app

import (
	"database/sql"
	"fmt"

	"responder/internal/config"
	"responder/internal/db"
	"responder/internal/engine"
	"responder/internal/migrate"
)

// Context bundles the open database, the effective configuration and the
// engine for one workspace. CLI commands and the server share this setup.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Setup opens the workspace database, applies pending migrations and loads
// responder.yml if present, falling back to defaults otherwise.
func Setup(workspace string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default("default-org")
	}
	if err := cfg.Validate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Context{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

// Close releases the database handle.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
