package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/mitalk/internal/logger"
	redisstorage "github.com/mitalk/internal/storage/redis"
)

// ConnectRedisWithRetry connects to Redis, retrying with backoff until maxWait elapses.
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration, logPrefix string) (*redisstorage.Client, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := redisstorage.New(cctx, redisURL)
		cancel()
		if err == nil {
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%sredis (gave up after %v): %w", logPrefix, maxWait, err)
		}
		logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, backoff, err)
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
