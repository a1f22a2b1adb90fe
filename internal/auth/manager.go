// Package auth keeps the device logged in.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/storage"
	"golang.org/x/sync/singleflight"
)

// ErrAuthFailure wraps every login or refresh failure.
var ErrAuthFailure = errors.New("auth failure")

// Remote is the part of the backend API the manager needs.
type Remote interface {
	Login(ctx context.Context, cred model.Credentials) (model.Token, error)
	Reissue(ctx context.Context, refreshToken string) (model.Token, error)
}

// Manager owns the stored token and refreshes it.
type Manager struct {
	remote Remote
	store  storage.TokenStore
	now    func() time.Time
	group  singleflight.Group
}

func NewManager(remote Remote, store storage.TokenStore) *Manager {
	return &Manager{remote: remote, store: store, now: time.Now}
}

func failure(op string, err error) error {
	return fmt.Errorf("auth.%s: %w: %w", op, ErrAuthFailure, err)
}

// Login authenticates and stores the new token.
func (m *Manager) Login(ctx context.Context, cred model.Credentials) error {
	tok, err := m.remote.Login(ctx, cred)
	if err != nil {
		return failure("Login", err)
	}
	if err := m.store.SaveToken(ctx, tok); err != nil {
		return failure("Login", err)
	}
	logger.Infof("auth: logged in as %s, access %s", cred.ID, logger.MaskToken(tok.AccessToken))
	return nil
}

// AutoLogin refreshes the stored session, failing fast when there is no
// refresh token or it has expired.
func (m *Manager) AutoLogin(ctx context.Context) error {
	tok, err := m.store.FetchToken(ctx)
	if err != nil {
		return failure("AutoLogin", err)
	}
	if tok.RefreshToken == "" {
		return failure("AutoLogin", errors.New("no stored session"))
	}
	if tok.Expired(m.now()) {
		return failure("AutoLogin", errors.New("refresh token expired"))
	}
	return m.TokenRefresh(ctx)
}

// TokenRefresh reissues the token pair. Concurrent callers share one request.
func (m *Manager) TokenRefresh(ctx context.Context) error {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return nil, m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return failure("TokenRefresh", ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	defer logger.DeferLogDuration("auth.refresh", time.Now())()
	tok, err := m.store.FetchToken(ctx)
	if err != nil {
		return failure("TokenRefresh", err)
	}
	if tok.RefreshToken == "" {
		return failure("TokenRefresh", errors.New("no refresh token"))
	}
	next, err := m.remote.Reissue(ctx, tok.RefreshToken)
	if err != nil {
		return failure("TokenRefresh", err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = tok.RefreshToken
		next.RefreshExpiresAt = tok.RefreshExpiresAt
	}
	if err := m.store.SaveToken(ctx, next); err != nil {
		return failure("TokenRefresh", err)
	}
	logger.Debugf("auth: session refreshed, access %s", logger.MaskToken(next.AccessToken))
	return nil
}

// Logout forgets the token and the last chat.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.store.ClearToken(ctx); err != nil {
		return fmt.Errorf("auth.Logout: %w", err)
	}
	if err := m.store.ClearChatInfo(ctx); err != nil {
		return fmt.Errorf("auth.Logout: %w", err)
	}
	return nil
}

// AccessToken returns the stored access token, "" when logged out.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	tok, err := m.store.FetchToken(ctx)
	if err != nil {
		return "", fmt.Errorf("auth.AccessToken: %w", err)
	}
	return tok.AccessToken, nil
}

// LoggedIn reports whether an access token is stored.
func (m *Manager) LoggedIn(ctx context.Context) bool {
	tok, err := m.AccessToken(ctx)
	return err == nil && tok != ""
}
