// internal/config/db.go
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ConnectDB opens the pool, retrying with exponential delay while the
// database comes up.
func ConnectDB(ctx context.Context, cfg DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	maxRetries := 5
	delay := 2 * time.Second

	for i := 1; i <= maxRetries; i++ {
		logger.Info("Connecting to database", zap.Int("attempt", i), zap.Int("max_attempts", maxRetries))

		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		var pool *pgxpool.Pool
		pool, err = pgxpool.NewWithConfig(attemptCtx, poolCfg)
		if err == nil {
			if err = pool.Ping(attemptCtx); err == nil {
				cancel()
				logger.Info("Connected to database")
				return pool, nil
			}
			pool.Close()
			err = fmt.Errorf("ping failed: %w", err)
		}
		cancel()

		logger.Warn("Database connection failed", zap.Error(err))
		if i < maxRetries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}
	}

	return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", maxRetries, err)
}
