package devstore

import (
	"context"
	"errors"

	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/repository"
	"github.com/mitalk/internal/storage/memory"
)

// Client implements TokenStore for the -dev bridge: the token lives in
// Postgres so a login survives restarts, chat info stays in memory.
type Client struct {
	mem  *memory.Client
	repo *repository.TokenRepository
}

func New(repo *repository.TokenRepository) *Client {
	return &Client{mem: memory.New(), repo: repo}
}

func (c *Client) Close() error { return c.mem.Close() }

func (c *Client) SaveToken(ctx context.Context, t model.Token) error {
	return c.repo.Save(ctx, t)
}

func (c *Client) FetchToken(ctx context.Context) (model.Token, error) {
	t, err := c.repo.Get(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Token{}, nil
	}
	return t, err
}

func (c *Client) ClearToken(ctx context.Context) error {
	return c.repo.Delete(ctx)
}

func (c *Client) SaveChatInfo(ctx context.Context, info model.ChatInfo) error {
	return c.mem.SaveChatInfo(ctx, info)
}
func (c *Client) FetchChatInfo(ctx context.Context) (model.ChatInfo, error) {
	return c.mem.FetchChatInfo(ctx)
}
func (c *Client) ClearChatInfo(ctx context.Context) error {
	return c.mem.ClearChatInfo(ctx)
}
