package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mitalk/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	keyAccess     = "mitalk:token:access"
	keyRefresh    = "mitalk:token:refresh"
	keyRefreshExp = "mitalk:token:refresh_exp"
	keyChatType   = "mitalk:chat:type"
	keyChatRoom   = "mitalk:chat:room"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Redis exposes the connection for other stores sharing it.
func (c *Client) Redis() *redis.Client { return c.cli }

// SaveToken writes all three token keys in one transaction. Expiry is stored as epoch seconds.
func (c *Client) SaveToken(ctx context.Context, t model.Token) error {
	var exp int64
	if !t.RefreshExpiresAt.IsZero() {
		exp = t.RefreshExpiresAt.Unix()
	}
	_, err := c.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyAccess, t.AccessToken, 0)
		p.Set(ctx, keyRefresh, t.RefreshToken, 0)
		p.Set(ctx, keyRefreshExp, exp, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis.SaveToken: %w", err)
	}
	return nil
}

// FetchToken returns the zero token when nothing is stored.
func (c *Client) FetchToken(ctx context.Context) (model.Token, error) {
	vals, err := c.cli.MGet(ctx, keyAccess, keyRefresh, keyRefreshExp).Result()
	if err != nil {
		return model.Token{}, fmt.Errorf("redis.FetchToken: %w", err)
	}
	var t model.Token
	t.AccessToken = str(vals[0])
	t.RefreshToken = str(vals[1])
	if s := str(vals[2]); s != "" {
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return model.Token{}, fmt.Errorf("redis.FetchToken: bad expiry %q: %w", s, err)
		}
		if sec > 0 {
			t.RefreshExpiresAt = time.Unix(sec, 0)
		}
	}
	return t, nil
}

func (c *Client) ClearToken(ctx context.Context) error {
	if err := c.cli.Del(ctx, keyAccess, keyRefresh, keyRefreshExp).Err(); err != nil {
		return fmt.Errorf("redis.ClearToken: %w", err)
	}
	return nil
}

func (c *Client) SaveChatInfo(ctx context.Context, info model.ChatInfo) error {
	_, err := c.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyChatType, info.ChatType, 0)
		p.Set(ctx, keyChatRoom, info.RoomID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis.SaveChatInfo: %w", err)
	}
	return nil
}

func (c *Client) FetchChatInfo(ctx context.Context) (model.ChatInfo, error) {
	vals, err := c.cli.MGet(ctx, keyChatType, keyChatRoom).Result()
	if err != nil {
		return model.ChatInfo{}, fmt.Errorf("redis.FetchChatInfo: %w", err)
	}
	return model.ChatInfo{ChatType: str(vals[0]), RoomID: str(vals[1])}, nil
}

func (c *Client) ClearChatInfo(ctx context.Context) error {
	if err := c.cli.Del(ctx, keyChatType, keyChatRoom).Err(); err != nil {
		return fmt.Errorf("redis.ClearChatInfo: %w", err)
	}
	return nil
}

// FlushDB clears the current Redis database (tests).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}

// str turns an MGET slot into a string; missing keys come back as nil.
func str(v any) string {
	s, _ := v.(string)
	return s
}
