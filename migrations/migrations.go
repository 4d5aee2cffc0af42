// Package migrations holds the schema and applies it at startup
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed *.sql
var files embed.FS

// Apply runs every embedded migration in name order. Statements are
// idempotent so re-running on boot is safe.
func Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
		logger.Info("Migration applied", zap.String("file", name))
	}

	return nil
}
