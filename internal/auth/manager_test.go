package auth

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	reissues atomic.Int32
	gate     chan struct{}
	loginErr error
	lastRT   atomic.Value
}

func (f *fakeRemote) Login(ctx context.Context, cred model.Credentials) (model.Token, error) {
	if f.loginErr != nil {
		return model.Token{}, f.loginErr
	}
	return model.Token{AccessToken: "a-" + cred.ID, RefreshToken: "r-" + cred.ID, RefreshExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeRemote) Reissue(ctx context.Context, rt string) (model.Token, error) {
	n := f.reissues.Add(1)
	f.lastRT.Store(rt)
	if f.gate != nil {
		<-f.gate
	}
	if rt == "bad" {
		return model.Token{}, errors.New("401")
	}
	return model.Token{AccessToken: "a" + string(rune('0'+n)), RefreshToken: rt, RefreshExpiresAt: time.Now().Add(time.Hour)}, nil
}

func TestLoginStoresToken(t *testing.T) {
	store := memory.New()
	m := NewManager(&fakeRemote{}, store)
	ctx := context.Background()

	require.NoError(t, m.Login(ctx, model.Credentials{ID: "kim", Password: "pw"}))
	tok, err := m.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a-kim", tok)
	assert.True(t, m.LoggedIn(ctx))

	require.NoError(t, m.Logout(ctx))
	assert.False(t, m.LoggedIn(ctx))
}

func TestLoginFailureIsAuthFailure(t *testing.T) {
	m := NewManager(&fakeRemote{loginErr: errors.New("boom")}, memory.New())
	err := m.Login(context.Background(), model.Credentials{ID: "x"})
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestAutoLogin(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("no token", func(t *testing.T) {
		r := &fakeRemote{}
		m := NewManager(r, memory.New())
		assert.ErrorIs(t, m.AutoLogin(ctx), ErrAuthFailure)
		assert.Zero(t, r.reissues.Load())
	})

	t.Run("expired at second granularity", func(t *testing.T) {
		r := &fakeRemote{}
		store := memory.New()
		require.NoError(t, store.SaveToken(ctx, model.Token{AccessToken: "a", RefreshToken: "r", RefreshExpiresAt: now}))
		m := NewManager(r, store)
		m.now = func() time.Time { return now.Add(500 * time.Millisecond) }
		assert.ErrorIs(t, m.AutoLogin(ctx), ErrAuthFailure)
		assert.Zero(t, r.reissues.Load())
	})

	t.Run("valid refreshes", func(t *testing.T) {
		r := &fakeRemote{}
		store := memory.New()
		require.NoError(t, store.SaveToken(ctx, model.Token{AccessToken: "old", RefreshToken: "r", RefreshExpiresAt: now.Add(time.Second)}))
		m := NewManager(r, store)
		m.now = func() time.Time { return now }
		require.NoError(t, m.AutoLogin(ctx))
		assert.Equal(t, int32(1), r.reissues.Load())
		assert.Equal(t, "r", r.lastRT.Load())
		tok, _ := m.AccessToken(ctx)
		assert.Equal(t, "a1", tok)
	})
}

func TestTokenRefreshCoalesces(t *testing.T) {
	ctx := context.Background()
	r := &fakeRemote{gate: make(chan struct{})}
	store := memory.New()
	require.NoError(t, store.SaveToken(ctx, model.Token{AccessToken: "old", RefreshToken: "r", RefreshExpiresAt: time.Now().Add(time.Hour)}))
	m := NewManager(r, store)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.TokenRefresh(ctx)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(r.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), r.reissues.Load())
}

func TestTokenRefreshFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SaveToken(ctx, model.Token{RefreshToken: "bad"}))
	m := NewManager(&fakeRemote{}, store)
	assert.ErrorIs(t, m.TokenRefresh(ctx), ErrAuthFailure)
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestLogLinesMaskTokens(t *testing.T) {
	var buf lockedBuffer
	log.SetOutput(&buf)
	logger.SetLevel("debug")
	t.Cleanup(func() {
		logger.SetLevel("info")
		log.SetOutput(os.Stderr)
	})

	m := NewManager(&fakeRemote{}, memory.New())
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, model.Credentials{ID: "kimberly", Password: "pw"}))
	require.NoError(t, m.TokenRefresh(ctx))

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "auth: session refreshed, access ****")
	}, 2*time.Second, 10*time.Millisecond)
	out := buf.String()
	assert.Contains(t, out, "logged in as kimberly, access a-kimb***")
	assert.NotContains(t, out, "a-kimberly")
	assert.NotContains(t, out, "r-kimberly")
}
