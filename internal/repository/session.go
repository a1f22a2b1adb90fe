package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/model"
)

// TokenRepository keeps the device's auth token in a single row so that a
// dev bridge keeps its login across restarts.
type TokenRepository struct {
	pool *pgxpool.Pool
}

func NewTokenRepository(pool *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{pool: pool}
}

func (r *TokenRepository) Save(ctx context.Context, t model.Token) error {
	defer logger.DeferLogDuration("token.Save", time.Now())()
	var exp int64
	if !t.RefreshExpiresAt.IsZero() {
		exp = t.RefreshExpiresAt.Unix()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO device_tokens (id, access_token, refresh_token, refresh_expires_at, updated_at)
		 VALUES (1, $1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   refresh_expires_at = EXCLUDED.refresh_expires_at,
		   updated_at = NOW()`,
		t.AccessToken, t.RefreshToken, exp,
	)
	if err != nil {
		return fmt.Errorf("tokenRepo.Save: %w", err)
	}
	return nil
}

// Get returns ErrNotFound when no token was saved.
func (r *TokenRepository) Get(ctx context.Context) (model.Token, error) {
	defer logger.DeferLogDuration("token.Get", time.Now())()
	var t model.Token
	var exp int64
	err := r.pool.QueryRow(ctx,
		`SELECT access_token, refresh_token, refresh_expires_at FROM device_tokens WHERE id = 1`,
	).Scan(&t.AccessToken, &t.RefreshToken, &exp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Token{}, ErrNotFound
		}
		return model.Token{}, fmt.Errorf("tokenRepo.Get: %w", err)
	}
	if exp > 0 {
		t.RefreshExpiresAt = time.Unix(exp, 0)
	}
	return t, nil
}

func (r *TokenRepository) Delete(ctx context.Context) error {
	defer logger.DeferLogDuration("token.Delete", time.Now())()
	if _, err := r.pool.Exec(ctx, `DELETE FROM device_tokens WHERE id = 1`); err != nil {
		return fmt.Errorf("tokenRepo.Delete: %w", err)
	}
	return nil
}
