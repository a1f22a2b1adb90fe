package startup

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/migrations"
)

// ConnectDBWithRetry connects to Postgres, retrying with backoff until maxWait elapses.
// logPrefix is prepended to log lines (e.g. "bridge: ").
func ConnectDBWithRetry(ctx context.Context, poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) (*pgxpool.Pool, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		pool, err := connectOnce(ctx, poolCfg)
		if err == nil {
			return pool, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%sdb connect (gave up after %v): %w", logPrefix, maxWait, err)
		}
		logger.Errorf("%sdb connect failed, retry in %v: %v", logPrefix, backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func connectOnce(ctx context.Context, poolCfg *pgxpool.Config) (*pgxpool.Pool, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := pgxpool.NewWithConfig(cctx, poolCfg)
	cancel()
	if err != nil {
		return nil, err
	}
	pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
	err = pool.Ping(pctx)
	pcancel()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// RunMigrations applies every embedded .sql file in name order.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
	}
	logger.Infof("migrations applied (%d files)", len(names))
	return nil
}
