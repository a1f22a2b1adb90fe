// Package storagetest checks TokenStore implementations against the same contract.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s. The store must start empty.
func Run(t *testing.T, s storage.TokenStore) {
	ctx := context.Background()

	t.Run("missing token is zero", func(t *testing.T) {
		tok, err := s.FetchToken(ctx)
		require.NoError(t, err)
		assert.True(t, tok.Empty())
		assert.True(t, tok.RefreshExpiresAt.IsZero())
	})

	t.Run("token round trip at second granularity", func(t *testing.T) {
		exp := time.Date(2030, 5, 6, 7, 8, 9, 987654321, time.UTC)
		require.NoError(t, s.SaveToken(ctx, model.Token{AccessToken: "a", RefreshToken: "r", RefreshExpiresAt: exp}))
		tok, err := s.FetchToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a", tok.AccessToken)
		assert.Equal(t, "r", tok.RefreshToken)
		assert.Equal(t, exp.Unix(), tok.RefreshExpiresAt.Unix())
		assert.Zero(t, tok.RefreshExpiresAt.Nanosecond())

		require.NoError(t, s.ClearToken(ctx))
		tok, err = s.FetchToken(ctx)
		require.NoError(t, err)
		assert.True(t, tok.Empty())
	})

	t.Run("chat info round trip", func(t *testing.T) {
		info, err := s.FetchChatInfo(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.ChatInfo{}, info)

		require.NoError(t, s.SaveChatInfo(ctx, model.ChatInfo{ChatType: "COUNSEL", RoomID: "42"}))
		info, err = s.FetchChatInfo(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.ChatInfo{ChatType: "COUNSEL", RoomID: "42"}, info)

		require.NoError(t, s.ClearChatInfo(ctx))
		info, err = s.FetchChatInfo(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.ChatInfo{}, info)
	})
}
