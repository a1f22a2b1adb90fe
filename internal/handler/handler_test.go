package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/gorilla/websocket"
	"github.com/mitalk/internal/auth"
	"github.com/mitalk/internal/chat"
	"github.com/mitalk/internal/config"
	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/push"
	"github.com/mitalk/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/mitalk/internal/logger.initWorker.func1"))
}

var pngHead = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

type fakeSessions struct {
	mu       sync.Mutex
	token    string
	loginErr error
	autoErr  error
	logouts  int
}

func (s *fakeSessions) Login(_ context.Context, cred model.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loginErr != nil {
		return s.loginErr
	}
	s.token = "access-" + cred.ID
	return nil
}

func (s *fakeSessions) AutoLogin(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoErr != nil {
		return s.autoErr
	}
	s.token = "restored"
	return nil
}

func (s *fakeSessions) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.logouts++
	return nil
}

func (s *fakeSessions) AccessToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

type fakeChat struct {
	mu        sync.Mutex
	state     chat.SessionState
	token     string
	started   []string
	startErr  error
	sendErr   error
	sent      []string
	edits     map[string]string
	deletes   []string
	exits     int
	info      model.ChatInfo
	posted    []upload.FileRef
	approvals []bool
	validator *upload.Validator

	states  chan chat.SessionState
	effects chan chat.Effect
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		state:   chat.SessionState{Messages: []model.ChatMessage{}, Uploads: []model.UploadEntry{}},
		edits:   map[string]string{},
		states:  make(chan chat.SessionState, 4),
		effects: make(chan chat.Effect, 4),
		validator: upload.NewValidator(upload.Limits{
			MaxSize:     1000,
			ConfirmSize: 100,
			Image:       []string{"png"},
		}),
	}
}

func (c *fakeChat) State() chat.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChat) Watch(ctx context.Context) <-chan chat.SessionState {
	c.states <- c.State()
	return c.states
}

func (c *fakeChat) Effects(ctx context.Context) <-chan chat.Effect { return c.effects }

func (c *fakeChat) Start(_ context.Context, chatType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = append(c.started, chatType)
	c.state.Phase = chat.PhaseConnecting
	c.state.ChatType = chatType
	return nil
}

func (c *fakeChat) ExitRoom() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exits++
	if c.state.Phase == chat.PhaseClosed {
		return chat.ErrRoomClosed
	}
	c.state.Phase = chat.PhaseClosed
	return nil
}

func (c *fakeChat) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChat) SendEdit(id, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits[id] = text
	return c.sendErr
}

func (c *fakeChat) SendDelete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, id)
	return c.sendErr
}

func (c *fakeChat) PostFile(_ context.Context, ref upload.FileRef, approve bool) (string, error) {
	if err := c.validator.Validate(ref, approve); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posted = append(c.posted, ref)
	c.approvals = append(c.approvals, approve)
	return "upload-1", nil
}

func (c *fakeChat) RejectFile(ref upload.FileRef, cause error) {
	if errors.Is(cause, upload.ErrFileOver) {
		c.effects <- chat.Effect{Kind: chat.EffectFileTooLarge, Handle: ref.Handle}
	}
}

func (c *fakeChat) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *fakeChat) LoadChatInfo(context.Context) (model.ChatInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, nil
}

type fakeBackend struct {
	reviews []model.Review
}

func (b *fakeBackend) Questions(context.Context) ([]model.Question, error) {
	return []model.Question{{ID: "1", Title: "Hours?", Answer: "Always"}}, nil
}

func (b *fakeBackend) PostReview(_ context.Context, r model.Review) error {
	b.reviews = append(b.reviews, r)
	return nil
}

func (b *fakeBackend) ReviewState(context.Context) (model.ReviewState, error) {
	id := "c-1"
	return model.ReviewState{CounsellorID: &id}, nil
}

func (b *fakeBackend) Record(_ context.Context, id string) (model.RecordDetail, error) {
	return model.RecordDetail{
		CounsellorName: "Kim",
		MessageRecords: []model.MessageRecord{
			{MessageID: "m1", Sender: model.SenderCustomer, DataMap: []map[string]string{{"message": "hi", "time": "2024-05-01T10:00:00Z"}}},
			{MessageID: "m2", Sender: model.SenderCounsellor, IsDeleted: true, DataMap: []map[string]string{{"message": "secret"}}},
		},
	}, nil
}

type fakePush struct {
	subs []webpush.Subscription
}

func (p *fakePush) PublicKey() string { return "pub" }

func (p *fakePush) Subscribe(_ context.Context, sub webpush.Subscription) error {
	if sub.Endpoint == "" {
		return push.ErrInvalidSubscription
	}
	p.subs = append(p.subs, sub)
	return nil
}

func (p *fakePush) Unsubscribe(context.Context, string) error { return nil }

type fixture struct {
	h        http.Handler
	sessions *fakeSessions
	chat     *fakeChat
	backend  *fakeBackend
	push     *fakePush
	stage    *Stage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stage, err := NewStage(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		sessions: &fakeSessions{},
		chat:     newFakeChat(),
		backend:  &fakeBackend{},
		push:     &fakePush{},
		stage:    stage,
	}
	f.h = NewRouter(Deps{
		Sessions:          f.sessions,
		Chat:              f.chat,
		Backend:           f.backend,
		Push:              f.push,
		Stage:             stage,
		Limits:            f.chat.validator.Limits,
		AllowedOrigins:    "*",
		Socket:            config.SocketConfig{WriteTimeout: time.Second, PongTimeout: 5 * time.Second},
		DeletePlaceholder: "(deleted)",
	})
	return f
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := f.serve(req).Result()
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func (f *fixture) upload(t *testing.T, name string, content []byte, approve bool) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, _ = part.Write(content)
	if approve {
		require.NoError(t, mw.WriteField("approve", "true"))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/chat/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := f.serve(req).Result()
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func png(size int) []byte {
	b := make([]byte, size)
	copy(b, pngHead)
	return b
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForwardedLoopbackFromPublicPeerForbidden(t *testing.T) {
	f := newFixture(t)
	for _, hdr := range []string{"X-Real-Ip", "X-Forwarded-For"} {
		req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
		req.RemoteAddr = "203.0.113.5:40000"
		req.Header.Set(hdr, "127.0.0.1")
		rec := httptest.NewRecorder()
		f.h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, hdr)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/auth/login", `{"id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/auth/login", `{"id":"u1","password":"pw"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "access-u1", f.chat.token)

	f.sessions.loginErr = errors.Join(auth.ErrAuthFailure, errors.New("401"))
	resp, body = f.do(t, http.MethodPost, "/api/auth/login", `{"id":"u1","password":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "auth_failure", body["kind"])
}

func TestAutoLoginReturnsLastChat(t *testing.T) {
	f := newFixture(t)
	f.chat.info = model.ChatInfo{ChatType: "career", RoomID: "r-9"}

	resp, body := f.do(t, http.MethodPost, "/api/auth/auto", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info, ok := body["chat_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "career", info["chat_type"])
	assert.Equal(t, "restored", f.chat.token)

	f.sessions.autoErr = auth.ErrAuthFailure
	resp, _ = f.do(t, http.MethodPost, "/api/auth/auto", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutLeavesRoom(t *testing.T) {
	f := newFixture(t)
	f.sessions.token = "a"
	f.chat.state.Phase = chat.PhaseActive

	resp, _ := f.do(t, http.MethodPost, "/api/auth/logout", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, f.chat.exits)
	assert.Equal(t, 1, f.sessions.logouts)
	assert.Empty(t, f.chat.token)
}

func TestLogoutIdleDoesNotExit(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/auth/logout", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, f.chat.exits)
}

func TestStart(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/chat/start", `{"chat_type":"career"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	f.sessions.token = "tok"
	resp, body := f.do(t, http.MethodPost, "/api/chat/start", `{"chat_type":"career"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "connecting", body["phase"])
	assert.Equal(t, "tok", f.chat.token)
	assert.Equal(t, []string{"career"}, f.chat.started)

	f.chat.startErr = chat.ErrAlreadyStarted
	resp, body = f.do(t, http.MethodPost, "/api/chat/start", `{"chat_type":"career"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_started", body["kind"])
}

func TestStartFallsBackToLastChatType(t *testing.T) {
	f := newFixture(t)
	f.sessions.token = "tok"

	resp, _ := f.do(t, http.MethodPost, "/api/chat/start", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.chat.info = model.ChatInfo{ChatType: "mind"}
	resp, _ = f.do(t, http.MethodPost, "/api/chat/start", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"mind"}, f.chat.started)
}

func TestMessages(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/chat/messages", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/chat/messages", `{"text":"hello"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"hello"}, f.chat.sent)

	resp, _ = f.do(t, http.MethodPut, "/api/chat/messages/m-7", `{"text":"fixed"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "fixed", f.chat.edits["m-7"])

	resp, _ = f.do(t, http.MethodDelete, "/api/chat/messages/m-7", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"m-7"}, f.chat.deletes)

	f.chat.sendErr = chat.ErrNotConnected
	resp, body := f.do(t, http.MethodPost, "/api/chat/messages", `{"text":"again"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "not_connected", body["kind"])

	f.chat.sendErr = chat.ErrRoomClosed
	resp, body = f.do(t, http.MethodPost, "/api/chat/messages", `{"text":"again"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "room_closed", body["kind"])
}

func TestExit(t *testing.T) {
	f := newFixture(t)
	f.chat.state.Phase = chat.PhaseActive
	resp, _ := f.do(t, http.MethodPost, "/api/chat/exit", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/chat/exit", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFileUploadAccepted(t *testing.T) {
	f := newFixture(t)
	resp, body := f.upload(t, "cat.PNG", png(50), false)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "upload-1", body["upload_id"])
	require.Len(t, f.chat.posted, 1)
	assert.Equal(t, "cat.PNG", f.chat.posted[0].Name)
	assert.Equal(t, int64(50), f.chat.posted[0].Size)
	assert.Equal(t, body["handle"], f.chat.posted[0].Handle)
}

func TestFileNeedsConfirmation(t *testing.T) {
	f := newFixture(t)
	resp, body := f.upload(t, "big.png", png(500), false)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "file_needs_confirmation", body["kind"])
	handle, _ := body["handle"].(string)
	require.NotEmpty(t, handle)

	resp, body = f.do(t, http.MethodPost, "/api/chat/files/"+handle+"/confirm", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "upload-1", body["upload_id"])
	require.Len(t, f.chat.approvals, 1)
	assert.True(t, f.chat.approvals[0])
	assert.Equal(t, "big.png", f.chat.posted[0].Name)
}

func TestFileApprovedUpFront(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.upload(t, "big.png", png(500), true)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestFileOverTransportLimitEmitsEffect(t *testing.T) {
	f := newFixture(t)
	resp, body := f.upload(t, "huge.png", png(multipartOverhead+2000), false)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, chat.EffectFileTooLarge.String(), body["kind"])

	select {
	case e := <-f.chat.effects:
		assert.Equal(t, chat.EffectFileTooLarge, e.Kind)
	default:
		t.Fatal("no effect for oversized body")
	}
	assert.Empty(t, f.chat.posted)
}

func TestFileRejectedIsUnstaged(t *testing.T) {
	f := newFixture(t)

	resp, body := f.upload(t, "notes.exe", []byte("MZ"), false)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "file_type_not_allowed", body["kind"])
	_, err := f.stage.Get(body["handle"].(string))
	assert.ErrorIs(t, err, ErrUnknownHandle)

	resp, body = f.upload(t, "huge.png", png(2000), true)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "file_too_large", body["kind"])

	resp, body = f.upload(t, "fake.png", []byte("%PDF-1.4 not a png"), false)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "file_type_not_allowed", body["kind"])
}

func TestConfirmUnknownHandle(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/chat/files/nope.png/confirm", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInfoRoutes(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/questions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/reviews/pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "c-1", body["counsellor_id"])

	resp, _ = f.do(t, http.MethodPost, "/api/reviews", `{"counsellor_id":"c-1","star":9}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/reviews", `{"counsellor_id":"c-1","star":5,"content":"thanks"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, f.backend.reviews, 1)

	resp, body = f.do(t, http.MethodGet, "/api/records/r-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].(map[string]any)["text"])
	assert.Equal(t, true, msgs[0].(map[string]any)["is_self"])
	assert.Equal(t, "(deleted)", msgs[1].(map[string]any)["text"])

	resp, _ = f.do(t, http.MethodGet, "/api/archive/r-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPushRoutes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/push/key", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pub", body["vapid_public_key"])

	resp, _ = f.do(t, http.MethodPost, "/api/push/subscribe", `{"subscription":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/push/subscribe", `{"subscription":{"endpoint":"https://push.example/1","keys":{"p256dh":"k","auth":"a"}}}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, f.push.subs, 1)

	resp, _ = f.do(t, http.MethodDelete, "/api/push/subscribe", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfigRoute(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	up := body["upload"].(map[string]any)
	assert.EqualValues(t, 1000, up["max_size"])
	assert.Equal(t, true, body["push"].(map[string]any)["enabled"])
}

func TestWSStreamsStateAndEffects(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.h)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "state", frame["kind"])
	assert.Equal(t, "idle", frame["state"].(map[string]any)["phase"])

	f.chat.effects <- chat.Effect{Kind: chat.EffectRoomJoined, RoomID: "r-1"}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "effect", frame["kind"])
	eff := frame["effect"].(map[string]any)
	assert.Equal(t, "room_joined", eff["kind"])
	assert.Equal(t, "r-1", eff["room_id"])

	close(f.chat.effects)
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestStageRejectsForeignHandles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStage(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "passwd"), []byte("x"), 0o600))

	for _, h := range []string{"passwd", "../passwd", "", "a/b.png"} {
		_, err := s.Get(h)
		assert.ErrorIs(t, err, ErrUnknownHandle, h)
	}
}

func TestStageSweep(t *testing.T) {
	s, err := NewStage(t.TempDir())
	require.NoError(t, err)
	ref, err := s.Put("a.png", bytes.NewReader(png(10)))
	require.NoError(t, err)

	assert.Zero(t, s.Sweep(time.Hour))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.dir, ref.Handle), old, old))
	assert.Equal(t, 1, s.Sweep(time.Hour))
	_, err = s.Get(ref.Handle)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}
