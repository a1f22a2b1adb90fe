package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mitalk/internal/storage/storagetest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStore(t *testing.T) {
	url := os.Getenv("MITALK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MITALK_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	c, err := New(ctx, url)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.FlushDB(ctx))
	storagetest.Run(t, c)
}

func TestNewBadURL(t *testing.T) {
	_, err := New(context.Background(), "not-a-url")
	require.Error(t, err)
}

func TestClearErrorsAreWrapped(t *testing.T) {
	c := &Client{cli: redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})}
	defer c.Close()
	ctx := context.Background()

	err := c.ClearToken(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.ClearToken: ")

	err = c.ClearChatInfo(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.ClearChatInfo: ")
}
