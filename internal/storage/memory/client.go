package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mitalk/internal/model"
)

// Client keeps the token and chat info in process memory.
type Client struct {
	mu    sync.RWMutex
	token model.Token
	chat  model.ChatInfo
}

func New() *Client {
	return &Client{}
}

func (c *Client) Close() error { return nil }

func (c *Client) SaveToken(ctx context.Context, t model.Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.RefreshExpiresAt.IsZero() {
		t.RefreshExpiresAt = time.Unix(t.RefreshExpiresAt.Unix(), 0)
	}
	c.token = t
	return nil
}

func (c *Client) FetchToken(ctx context.Context) (model.Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, nil
}

func (c *Client) ClearToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = model.Token{}
	return nil
}

func (c *Client) SaveChatInfo(ctx context.Context, info model.ChatInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chat = info
	return nil
}

func (c *Client) FetchChatInfo(ctx context.Context) (model.ChatInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chat, nil
}

func (c *Client) ClearChatInfo(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chat = model.ChatInfo{}
	return nil
}
