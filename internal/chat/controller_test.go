package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/socket"
	"github.com/mitalk/internal/storage/memory"
	"github.com/mitalk/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/mitalk/internal/logger.initWorker.func1"))
}

const placeholder = "This message has been deleted."

type fakeSender struct {
	mu     sync.Mutex
	frames []socket.OutgoingFrame
	closed bool
}

func (f *fakeSender) Send(fr socket.OutgoingFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return socket.ErrClosed
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) sent() []socket.OutgoingFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]socket.OutgoingFrame(nil), f.frames...)
}

type fakeDialer struct {
	sender  *fakeSender
	err     error
	token   string
	chatTyp string
}

func (d *fakeDialer) Dial(ctx context.Context, chatType, token string, l socket.Listener) (socket.Sender, error) {
	d.token, d.chatTyp = token, chatType
	if d.err != nil {
		l.OnFail(d.err)
		return nil, d.err
	}
	l.OnStart()
	return d.sender, nil
}

type result struct {
	url string
	err error
}

type fakeUploader struct {
	mu    sync.Mutex
	gates map[string]chan result
}

func (u *fakeUploader) gate(handle string) chan result {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.gates == nil {
		return nil
	}
	g, ok := u.gates[handle]
	if !ok {
		g = make(chan result, 1)
		u.gates[handle] = g
	}
	return g
}

func (u *fakeUploader) Upload(ctx context.Context, ref upload.FileRef) (string, error) {
	g := u.gate(ref.Handle)
	if g == nil {
		return "https://files.test/" + ref.Name, nil
	}
	select {
	case r := <-g:
		return r.url, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Notify(ctx context.Context, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, title)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

var pngHead = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

func pngRef(handle string, size int64) upload.FileRef {
	return upload.FileRef{
		Handle: handle,
		Name:   handle + ".png",
		Size:   size,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(pngHead)), nil
		},
	}
}

type harness struct {
	c        *Controller
	sender   *fakeSender
	dialer   *fakeDialer
	uploader *fakeUploader
	store    *memory.Client
	notifier *fakeNotifier
	effects  <-chan Effect
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, gated bool) *harness {
	t.Helper()
	h := &harness{
		sender:   &fakeSender{},
		uploader: &fakeUploader{},
		store:    memory.New(),
		notifier: &fakeNotifier{},
	}
	if gated {
		h.uploader.gates = map[string]chan result{}
	}
	h.dialer = &fakeDialer{sender: h.sender}
	h.c = New(Config{
		Dialer:            h.dialer,
		Uploader:          h.uploader,
		Limits:            upload.DefaultLimits(),
		DeletePlaceholder: placeholder,
		Store:             h.store,
		Notifier:          h.notifier,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.effects = h.c.Effects(ctx)
	t.Cleanup(func() {
		cancel()
		h.c.Close()
	})
	return h
}

// active brings the session to PhaseActive and drains the join effect.
func (h *harness) active(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Start(context.Background(), "COUNSEL"))
	h.c.OnSuccess("room-1", "Kim")
	assert.Equal(t, EffectRoomJoined, h.next(t).Kind)
}

func (h *harness) next(t *testing.T) Effect {
	t.Helper()
	select {
	case e := <-h.effects:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no effect delivered")
		return Effect{}
	}
}

func (h *harness) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-h.effects:
		t.Fatalf("unexpected effect %s", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func msg(id, text string, self bool) model.ChatMessage {
	return model.ChatMessage{ID: id, Text: text, IsSelf: self, Timestamp: time.Now()}
}

func TestQueueThenJoin(t *testing.T) {
	h := newHarness(t, false)
	h.c.SetAccessToken("tok")
	require.NoError(t, h.c.Start(context.Background(), "COUNSEL"))
	assert.Equal(t, "tok", h.dialer.token)

	st := h.c.State()
	assert.Equal(t, PhaseConnecting, st.Phase)
	assert.True(t, st.CallInProgress)
	assert.True(t, st.Connected())

	h.c.OnWaiting("3")
	e := h.next(t)
	assert.Equal(t, EffectWaitingRoom, e.Kind)
	assert.Equal(t, "3", e.Remaining)
	h.c.OnWaiting("2")
	h.none(t)
	st = h.c.State()
	assert.Equal(t, PhaseInQueue, st.Phase)
	assert.Equal(t, "2", st.RemainingPeople)
	assert.True(t, st.WaitingRoomActive)

	h.c.OnSuccess("room-9", "Kim")
	e = h.next(t)
	assert.Equal(t, EffectRoomJoined, e.Kind)
	assert.Equal(t, "room-9", e.RoomID)
	st = h.c.State()
	assert.Equal(t, PhaseActive, st.Phase)
	assert.Equal(t, "Kim", st.CounselorName)
	assert.False(t, st.WaitingRoomActive)

	require.Eventually(t, func() bool {
		info, _ := h.c.LoadChatInfo(context.Background())
		return info == model.ChatInfo{ChatType: "COUNSEL", RoomID: "room-9"}
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, h.c.ClearChatInfo(context.Background()))
	info, _ := h.c.LoadChatInfo(context.Background())
	assert.Equal(t, model.ChatInfo{}, info)

	assert.ErrorIs(t, h.c.Start(context.Background(), "COUNSEL"), ErrAlreadyStarted)
}

func TestReceiveReportsNewCount(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)

	for i, id := range []string{"a", "b", "c"} {
		h.c.OnReceive(msg(id, "hi "+id, false))
		e := h.next(t)
		require.Equal(t, EffectMessageReceived, e.Kind)
		assert.Equal(t, id, e.Message.ID)
		assert.Equal(t, i+1, e.ListSize)
	}
	ids := []string{}
	for _, m := range h.c.State().Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestReceiveInterleavedWithUploads(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			h.c.OnReceive(msg(string(rune('A'+i%26))+time.Now().String(), "x", false))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, err := h.c.PostFile(context.Background(), pngRef("f"+string(rune('0'+i)), 10), false)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
	require.Eventually(t, func() bool { return len(h.c.State().Uploads) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.c.State().Messages, n)
}

func TestUpdateIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)
	h.c.OnReceive(msg("m1", "hello", false))
	h.next(t)

	edited := msg("m1", "hello, edited", false)
	h.c.OnReceiveUpdate(edited)
	once := h.c.State().Messages
	h.c.OnReceiveUpdate(edited)
	twice := h.c.State().Messages

	assert.Equal(t, once, twice)
	assert.Equal(t, "hello, edited", twice[0].Text)
	assert.True(t, twice[0].IsUpdated)
	e := h.next(t)
	assert.Equal(t, EffectMessageUpdated, e.Kind)
	assert.Equal(t, "hello, edited", e.Message.Text)
}

func TestSoftDelete(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)
	h.c.OnReceive(msg("m1", "https://files.test/cat.png", false))
	h.next(t)
	require.True(t, h.c.State().Messages[0].IsFile())

	h.c.OnReceiveDelete("m1")
	e := h.next(t)
	assert.Equal(t, EffectMessageDeleted, e.Kind)
	assert.Equal(t, "m1", e.MessageID)

	m := h.c.State().Messages[0]
	assert.True(t, m.IsDeleted)
	assert.Equal(t, placeholder, m.Text)
	assert.False(t, m.IsFile())
	assert.Len(t, h.c.State().Messages, 1)
}

func TestUploadSuccess(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)

	id, err := h.c.PostFile(context.Background(), pngRef("cat", 1024), false)
	require.NoError(t, err)
	e := h.next(t)
	assert.Equal(t, EffectUploadSucceeded, e.Kind)
	assert.Equal(t, id, e.UploadID)
	assert.Equal(t, "https://files.test/cat.png", e.URL)
	h.none(t)

	assert.Empty(t, h.c.State().Uploads)
	require.Eventually(t, func() bool { return len(h.sender.sent()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, socket.OutgoingFrame{Message: "https://files.test/cat.png", MessageType: socket.TypeMessage}, h.sender.sent()[0])
}

func TestUploadValidationGates(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)

	_, err := h.c.PostFile(context.Background(), pngRef("huge", 60<<20), true)
	assert.ErrorIs(t, err, upload.ErrFileOver)
	assert.Equal(t, EffectFileTooLarge, h.next(t).Kind)
	h.none(t)
	assert.Empty(t, h.c.State().Uploads)

	_, err = h.c.PostFile(context.Background(), pngRef("big", 20<<20), false)
	assert.ErrorIs(t, err, upload.ErrFileSize)
	e := h.next(t)
	assert.Equal(t, EffectFileNeedsConfirmation, e.Kind)
	assert.Equal(t, "big", e.Handle)

	bad := upload.FileRef{Handle: "x", Name: "x.exe", Size: 1}
	_, err = h.c.PostFile(context.Background(), bad, false)
	assert.ErrorIs(t, err, upload.ErrFileNotAllowed)
	assert.Equal(t, EffectFileTypeNotAllowed, h.next(t).Kind)
	assert.Empty(t, h.c.State().Uploads)
}

func TestConcurrentUploadsNoLostUpdate(t *testing.T) {
	h := newHarness(t, true)
	h.active(t)

	var wg sync.WaitGroup
	for _, handle := range []string{"A", "B"} {
		wg.Add(1)
		go func(handle string) {
			defer wg.Done()
			_, err := h.c.PostFile(context.Background(), pngRef(handle, 10), false)
			assert.NoError(t, err)
		}(handle)
	}
	wg.Wait()

	handles := map[string]bool{}
	for _, u := range h.c.State().Uploads {
		handles[u.Handle] = true
	}
	assert.Equal(t, map[string]bool{"A": true, "B": true}, handles)

	h.uploader.gate("A") <- result{url: "https://files.test/A.png"}
	h.uploader.gate("B") <- result{url: "https://files.test/B.png"}
	assert.Equal(t, EffectUploadSucceeded, h.next(t).Kind)
	assert.Equal(t, EffectUploadSucceeded, h.next(t).Kind)
	assert.Empty(t, h.c.State().Uploads)
}

func TestSameHandleTwiceIsTrackedSeparately(t *testing.T) {
	h := newHarness(t, true)
	h.active(t)

	id1, err := h.c.PostFile(context.Background(), pngRef("A", 10), false)
	require.NoError(t, err)
	id2, err := h.c.PostFile(context.Background(), pngRef("A", 10), false)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Len(t, h.c.State().Uploads, 2)

	h.uploader.gate("A") <- result{url: "https://files.test/A.png"}
	h.next(t)
	assert.Len(t, h.c.State().Uploads, 1)
}

func TestUploadFailureRemovesEntry(t *testing.T) {
	h := newHarness(t, true)
	h.active(t)

	id, err := h.c.PostFile(context.Background(), pngRef("A", 10), false)
	require.NoError(t, err)
	boom := errors.New("502")
	h.uploader.gate("A") <- result{err: boom}

	e := h.next(t)
	assert.Equal(t, EffectUploadFailed, e.Kind)
	assert.Equal(t, id, e.UploadID)
	assert.Equal(t, "A", e.Handle)
	assert.ErrorIs(t, e.Err, boom)
	assert.Empty(t, h.c.State().Uploads)
	assert.Empty(t, h.sender.sent())
}

func TestFinishClearsOnce(t *testing.T) {
	h := newHarness(t, true)
	h.active(t)
	h.c.OnReceive(msg("m1", "hi", false))
	h.next(t)
	_, err := h.c.PostFile(context.Background(), pngRef("A", 10), false)
	require.NoError(t, err)

	h.c.OnFinish()
	assert.Equal(t, EffectRoomClosed, h.next(t).Kind)
	h.c.OnFinish()
	h.none(t)

	st := h.c.State()
	assert.Equal(t, PhaseClosed, st.Phase)
	assert.Empty(t, st.Messages)
	assert.Empty(t, st.Uploads)
	assert.False(t, st.CallInProgress)
	assert.False(t, st.Connected())

	h.sender.mu.Lock()
	assert.True(t, h.sender.closed)
	h.sender.mu.Unlock()

	h.c.OnReceive(msg("late", "ignored", false))
	h.none(t)
	assert.Empty(t, h.c.State().Messages)

	// the pending upload finishing after close is dropped quietly
	h.uploader.gate("A") <- result{url: "https://files.test/A.png"}
	h.none(t)

	assert.ErrorIs(t, h.c.SendText("hello"), ErrRoomClosed)
	assert.ErrorIs(t, h.c.ExitRoom(), ErrRoomClosed)
}

func TestExitRoom(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)
	require.NoError(t, h.c.ExitRoom())
	assert.Equal(t, EffectRoomClosed, h.next(t).Kind)
	assert.Equal(t, PhaseClosed, h.c.State().Phase)
}

func TestCrowded(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.c.Start(context.Background(), "COUNSEL"))
	h.c.OnCrowded()
	assert.Equal(t, EffectRoomAtCapacity, h.next(t).Kind)
	h.none(t)
	assert.Equal(t, PhaseClosed, h.c.State().Phase)
}

func TestDialFailure(t *testing.T) {
	h := newHarness(t, false)
	h.dialer.err = errors.New("refused")

	err := h.c.Start(context.Background(), "COUNSEL")
	require.Error(t, err)
	e := h.next(t)
	assert.Equal(t, EffectSocketError, e.Kind)
	assert.EqualError(t, e.Err, "refused")
	st := h.c.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.CallInProgress)

	h.dialer.err = nil
	require.NoError(t, h.c.Start(context.Background(), "COUNSEL"))
}

func TestSocketFailureKeepsActiveRoom(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)
	h.c.OnReceive(msg("m1", "hi", false))
	h.next(t)

	h.c.OnFail(errors.New("reset"))
	assert.Equal(t, EffectSocketError, h.next(t).Kind)
	st := h.c.State()
	assert.Equal(t, PhaseActive, st.Phase)
	assert.Len(t, st.Messages, 1)
	assert.ErrorIs(t, h.c.SendText("x"), ErrNotConnected)

	h.sender = &fakeSender{}
	h.dialer.sender = h.sender
	require.NoError(t, h.c.Start(context.Background(), "COUNSEL"))
	assert.Len(t, h.c.State().Messages, 1)
	require.NoError(t, h.c.SendEdit("m1", "hey"))
	require.NoError(t, h.c.SendDelete("m1"))
	assert.Equal(t, []socket.OutgoingFrame{
		{Message: "hey", MessageID: "m1", MessageType: socket.TypeUpdate},
		{MessageID: "m1", MessageType: socket.TypeDelete},
	}, h.sender.sent())
}

func TestCloseCancelsUploadsQuietly(t *testing.T) {
	h := newHarness(t, true)
	h.active(t)
	_, err := h.c.PostFile(context.Background(), pngRef("A", 10), false)
	require.NoError(t, err)
	before := h.c.State()

	h.c.Close()
	assert.Equal(t, before.Uploads, h.c.State().Uploads)
	_, ok := <-h.effects
	assert.False(t, ok)

	assert.ErrorIs(t, h.c.SendText("x"), ErrShutdown)
	_, err = h.c.PostFile(context.Background(), pngRef("B", 10), false)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestNotifiesWhenNobodyWatches(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)
	h.cancel()
	require.Eventually(t, func() bool { return !h.c.state.HasConsumer() }, time.Second, 5*time.Millisecond)

	h.c.OnReceive(msg("m1", "are you there?", false))
	h.c.OnReceive(msg("m2", "mine", true))
	h.c.OnFinish()
	require.Eventually(t, func() bool { return h.notifier.count() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(3), h.c.DroppedEffects())
}

func (h *harness) tracked() int {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return len(h.c.sockets)
}

func TestEndedSocketsAreReleased(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)
	assert.Equal(t, 1, h.tracked())

	h.c.OnFail(errors.New("reset"))
	assert.Equal(t, EffectSocketError, h.next(t).Kind)
	assert.Equal(t, 0, h.tracked())

	for i := 0; i < 3; i++ {
		h.sender = &fakeSender{}
		h.dialer.sender = h.sender
		require.NoError(t, h.c.Start(context.Background(), "COUNSEL"))
		assert.Equal(t, 1, h.tracked())
		h.c.OnFail(errors.New("reset"))
		h.next(t)
	}
	assert.Equal(t, 0, h.tracked())

	h.sender = &fakeSender{}
	h.dialer.sender = h.sender
	require.NoError(t, h.c.Start(context.Background(), "COUNSEL"))
	h.c.OnFinish()
	assert.Equal(t, EffectRoomClosed, h.next(t).Kind)
	assert.Equal(t, 0, h.tracked())
	h.sender.mu.Lock()
	assert.True(t, h.sender.closed)
	h.sender.mu.Unlock()
}

func TestCrowdedReleasesSocket(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.c.Start(context.Background(), "COUNSEL"))
	assert.Equal(t, 1, h.tracked())
	h.c.OnCrowded()
	assert.Equal(t, EffectRoomAtCapacity, h.next(t).Kind)
	assert.Equal(t, 0, h.tracked())
}

func TestPostFileRefusesDoneContext(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.c.PostFile(ctx, pngRef("cat", 1024), false)
	assert.ErrorIs(t, err, context.Canceled)
	h.none(t)
	assert.Empty(t, h.c.State().Uploads)
	assert.Empty(t, h.sender.sent())
}

func TestRejectFileEmitsEffect(t *testing.T) {
	h := newHarness(t, false)
	h.active(t)

	h.c.RejectFile(upload.FileRef{Name: "movie.mp4"}, upload.ErrFileOver)
	e := h.next(t)
	assert.Equal(t, EffectFileTooLarge, e.Kind)
	assert.Empty(t, e.Handle)

	h.c.RejectFile(upload.FileRef{}, errors.New("not a validation error"))
	h.none(t)
	assert.Empty(t, h.c.State().Uploads)

	h.c.Close()
	h.c.RejectFile(upload.FileRef{}, upload.ErrFileOver)
}
