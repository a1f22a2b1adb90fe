package storage

import (
	"context"
	"errors"

	"github.com/mitalk/internal/model"
)

// ErrNotFound is returned by backends that distinguish a missing key from a zero value.
var ErrNotFound = errors.New("not found")

// TokenStore persists the auth token and the last chat info on the device.
// Fetching a missing value returns the zero value and no error.
// Implementations: redis.Client, memory.Client, devstore.Client.
type TokenStore interface {
	SaveToken(ctx context.Context, t model.Token) error
	FetchToken(ctx context.Context) (model.Token, error)
	ClearToken(ctx context.Context) error
	SaveChatInfo(ctx context.Context, info model.ChatInfo) error
	FetchChatInfo(ctx context.Context) (model.ChatInfo, error)
	ClearChatInfo(ctx context.Context) error
	Close() error
}
