package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"lazycal/internal/config"
	"lazycal/internal/db"
	"lazycal/internal/engine"
	"lazycal/internal/migrate"
)

// Session is an opened workspace: its database, configuration and a loaded engine.
type Session struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    *engine.Engine
}

// Open migrates the workspace database, reads lazycal.yml if present and loads the tasks.
// Tasks that are past due are marked overdue before Open returns.
func Open(ctx context.Context, workspace string, logger *log.Logger) (*Session, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if logger != nil {
		eng.Logger = logger
	}
	if err := eng.Load(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return &Session{Workspace: workspace, DB: conn, Config: cfg, Engine: eng}, nil
}

func (s *Session) Close() error {
	return s.DB.Close()
}
