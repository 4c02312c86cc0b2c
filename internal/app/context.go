package app

import (
	"context"
	"database/sql"
	"fmt"

	"mitwatch/internal/config"
	"mitwatch/internal/db"
	"mitwatch/internal/migrate"
	"mitwatch/internal/repo"
)

// LoadConfig reads mitwatch.yml from the workspace, falling back to the
// defaults when it is missing, and overlays MITWATCH_* environment values.
func LoadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenStore opens and migrates the workspace database.
func OpenStore(ctx context.Context, workspace string) (*repo.Repo, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}
	return &repo.Repo{DB: conn}, conn, nil
}
