// Package chat drives one counseling chat session: socket events and user
// intents become state transitions plus one-shot effects.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/mvi"
	"github.com/mitalk/internal/socket"
	"github.com/mitalk/internal/upload"
)

var (
	// ErrRoomClosed is returned by intents once the room has finished.
	ErrRoomClosed = errors.New("chat: room closed")
	// ErrNotConnected is returned by sends while no socket is attached.
	ErrNotConnected = errors.New("chat: not connected")
	// ErrAlreadyStarted is returned by Start while a session is connecting or live.
	ErrAlreadyStarted = errors.New("chat: session already started")
	// ErrShutdown is returned after Close.
	ErrShutdown = errors.New("chat: controller closed")
)

const backgroundQueue = 256

// Dialer opens the chat socket. Implemented by *socket.Dialer.
type Dialer interface {
	Dial(ctx context.Context, chatType, accessToken string, l socket.Listener) (socket.Sender, error)
}

// Uploader sends a file and returns its remote URL. Implemented by *api.Client.
type Uploader interface {
	Upload(ctx context.Context, f upload.FileRef) (string, error)
}

// Validator checks a file before it is queued. Implemented by *upload.Validator.
type Validator interface {
	Validate(f upload.FileRef, approve bool) error
}

// Archive receives every committed change, keyed by room. Implemented by *repository.Archive.
type Archive interface {
	RoomOpened(ctx context.Context, roomID, chatType, counsellor string) error
	RoomClosed(ctx context.Context, roomID string) error
	Appended(ctx context.Context, roomID string, m model.ChatMessage) error
	Updated(ctx context.Context, roomID string, m model.ChatMessage) error
	Deleted(ctx context.Context, roomID, messageID, placeholder string) error
}

// Notifier is told about events that nobody is watching. Implemented by *push.Notifier.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// InfoStore remembers the last chat. Implemented by every storage.TokenStore.
type InfoStore interface {
	SaveChatInfo(ctx context.Context, info model.ChatInfo) error
	FetchChatInfo(ctx context.Context) (model.ChatInfo, error)
	ClearChatInfo(ctx context.Context) error
}

// Config wires a Controller. Dialer and Uploader are required; Validator
// defaults to one built from Limits.
type Config struct {
	Dialer            Dialer
	Uploader          Uploader
	Validator         Validator
	Limits            upload.Limits
	DeletePlaceholder string
	Archive           Archive
	Notifier          Notifier
	Store             InfoStore
}

// Controller owns the SessionState of one chat screen. It is the socket
// Listener for every socket it dials.
type Controller struct {
	cfg   Config
	state *mvi.Container[SessionState, Effect]

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
	bg     chan func(context.Context)

	mu       sync.Mutex
	shutdown bool
	sockets  []socket.Sender
}

var _ socket.Listener = (*Controller)(nil)

// New starts a controller in PhaseIdle.
func New(cfg Config) *Controller {
	if cfg.Validator == nil {
		limits := cfg.Limits
		if limits.MaxSize == 0 && len(limits.Image) == 0 {
			limits = upload.DefaultLimits()
		}
		cfg.Validator = upload.NewValidator(limits)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg: cfg,
		state: mvi.New[SessionState, Effect](SessionState{
			Messages: []model.ChatMessage{},
			Uploads:  []model.UploadEntry{},
		}, mvi.WithName("chat")),
		ctx:    ctx,
		cancel: cancel,
		bg:     make(chan func(context.Context), backgroundQueue),
	}
	c.tasks.Add(1)
	go c.background()
	return c
}

// State returns the current snapshot.
func (c *Controller) State() SessionState { return c.state.State() }

// Watch streams state snapshots until ctx is done.
func (c *Controller) Watch(ctx context.Context) <-chan SessionState { return c.state.Watch(ctx) }

// Effects attaches the effect consumer, replacing any previous one.
func (c *Controller) Effects(ctx context.Context) <-chan Effect { return c.state.Effects(ctx) }

// DroppedEffects counts effects emitted while nobody was listening.
func (c *Controller) DroppedEffects() int64 { return c.state.Dropped() }

func (c *Controller) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// background runs archive, store and notification jobs one at a time, in order.
func (c *Controller) background() {
	defer c.tasks.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case job := <-c.bg:
			job(c.ctx)
		}
	}
}

func (c *Controller) enqueue(job func(context.Context)) {
	select {
	case <-c.ctx.Done():
	case c.bg <- job:
	default:
		logger.Errorf("chat: background queue full, dropping job")
	}
}

// spawn runs fn as a task in the controller scope.
func (c *Controller) spawn(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return false
	}
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		fn(c.ctx)
	}()
	return true
}

func (c *Controller) trackSocket(s socket.Sender) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return false
	}
	c.sockets = append(c.sockets, s)
	return true
}

// releaseSocket closes s and stops tracking it. Its pumps are awaited as a
// task so Close still waits for them; after shutdown Close owns s.
func (c *Controller) releaseSocket(s socket.Sender) {
	s.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return
	}
	for i, t := range c.sockets {
		if t == s {
			c.sockets = append(c.sockets[:i], c.sockets[i+1:]...)
			break
		}
	}
	if w, ok := s.(interface{ Wait() }); ok {
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			w.Wait()
		}()
	}
}

// notifyIfUnwatched pushes a notification when no effect consumer is attached.
func (c *Controller) notifyIfUnwatched(title, body string) {
	if c.cfg.Notifier == nil || c.state.HasConsumer() {
		return
	}
	c.enqueue(func(ctx context.Context) {
		if err := c.cfg.Notifier.Notify(ctx, title, body); err != nil {
			logger.Errorf("chat: notify: %v", err)
		}
	})
}

func (c *Controller) archive(op string, fn func(ctx context.Context, a Archive) error) {
	if c.cfg.Archive == nil {
		return
	}
	c.enqueue(func(ctx context.Context) {
		if err := fn(ctx, c.cfg.Archive); err != nil {
			logger.Errorf("chat: archive %s: %v", op, err)
		}
	})
}

// Start dials the chat socket for chatType. Allowed from Idle, from Closed
// (a new room) and from Active after the socket failed (same room).
func (c *Controller) Start(ctx context.Context, chatType string) error {
	if c.closed() {
		return ErrShutdown
	}
	var (
		startErr error
		token    string
	)
	c.state.Transition(func(s SessionState) (SessionState, []Effect) {
		if s.Socket != nil || s.Phase == PhaseConnecting || s.Phase == PhaseInQueue {
			startErr = ErrAlreadyStarted
			return s, nil
		}
		token = s.AccessToken
		if s.Phase == PhaseActive && s.ChatType == chatType {
			s.CallInProgress = true
			return s, nil
		}
		return SessionState{
			Phase:          PhaseConnecting,
			AccessToken:    s.AccessToken,
			ChatType:       chatType,
			Messages:       []model.ChatMessage{},
			Uploads:        []model.UploadEntry{},
			CallInProgress: true,
		}, nil
	})
	if startErr != nil {
		return startErr
	}

	sender, err := c.cfg.Dialer.Dial(ctx, chatType, token, c)
	if err != nil {
		return fmt.Errorf("chat.Start: %w", err)
	}
	if !c.trackSocket(sender) {
		sender.Close()
		return ErrShutdown
	}
	attached := false
	c.state.Reduce(func(s SessionState) SessionState {
		if s.Socket != nil || s.Phase == PhaseIdle || s.Phase == PhaseClosed {
			return s
		}
		attached = true
		s.Socket = sender
		return s
	})
	if !attached {
		c.releaseSocket(sender)
		if c.State().Phase == PhaseClosed {
			return ErrRoomClosed
		}
		return ErrNotConnected
	}
	logger.Infof("chat: socket open, chat_type=%s", chatType)
	return nil
}

// OnStart marks the call as in progress.
func (c *Controller) OnStart() {
	c.state.Reduce(func(s SessionState) SessionState {
		if s.Phase == PhaseIdle {
			s.Phase = PhaseConnecting
		}
		if s.Phase == PhaseConnecting || s.Phase == PhaseActive {
			s.CallInProgress = true
		}
		return s
	})
}

// OnFail drops the socket and reports a socket error. A pending connection
// falls back to Idle; an active room keeps its messages.
func (c *Controller) OnFail(err error) {
	var old socket.Sender
	c.state.Transition(func(s SessionState) (SessionState, []Effect) {
		old = s.Socket
		s.Socket = nil
		s.CallInProgress = false
		s.WaitingRoomActive = false
		if s.Phase == PhaseConnecting || s.Phase == PhaseInQueue {
			s.Phase = PhaseIdle
			s.RemainingPeople = ""
		}
		return s, []Effect{{Kind: EffectSocketError, Err: err}}
	})
	if old != nil {
		c.releaseSocket(old)
	}
	logger.Errorf("chat: socket failed: %v", err)
}

// OnWaiting records the queue position. WaitingRoom is emitted on entering the queue only.
func (c *Controller) OnWaiting(remaining string) {
	c.state.Transition(func(s SessionState) (SessionState, []Effect) {
		if s.Phase != PhaseConnecting && s.Phase != PhaseInQueue {
			return s, nil
		}
		entering := s.Phase != PhaseInQueue
		s.Phase = PhaseInQueue
		s.RemainingPeople = remaining
		s.WaitingRoomActive = true
		if entering {
			return s, []Effect{{Kind: EffectWaitingRoom, Remaining: remaining}}
		}
		return s, nil
	})
}

// OnSuccess seats the customer with a counselor.
func (c *Controller) OnSuccess(roomID, counselor string) {
	joined := false
	var chatType string
	c.state.Transition(func(s SessionState) (SessionState, []Effect) {
		if s.Phase != PhaseConnecting && s.Phase != PhaseInQueue {
			return s, nil
		}
		joined = true
		chatType = s.ChatType
		s.Phase = PhaseActive
		s.RoomID = roomID
		s.CounselorName = counselor
		s.RemainingPeople = ""
		s.WaitingRoomActive = false
		return s, []Effect{{Kind: EffectRoomJoined, RoomID: roomID}}
	})
	if !joined {
		return
	}
	if c.cfg.Store != nil {
		info := model.ChatInfo{ChatType: chatType, RoomID: roomID}
		c.enqueue(func(ctx context.Context) {
			if err := c.cfg.Store.SaveChatInfo(ctx, info); err != nil {
				logger.Errorf("chat: save chat info: %v", err)
			}
		})
	}
	c.archive("open", func(ctx context.Context, a Archive) error {
		return a.RoomOpened(ctx, roomID, chatType, counselor)
	})
	c.notifyIfUnwatched("Counselor connected", counselor+" joined the chat")
}

// OnCrowded ends the attempt because the service is at capacity.
func (c *Controller) OnCrowded() {
	var old socket.Sender
	applied := false
	c.state.Transition(func(s SessionState) (SessionState, []Effect) {
		if s.Phase == PhaseClosed {
			return s, nil
		}
		applied = true
		old = s.Socket
		return finished(s), []Effect{{Kind: EffectRoomAtCapacity}}
	})
	if old != nil {
		c.releaseSocket(old)
	}
	if applied {
		logger.Info("chat: service crowded")
	}
}

// OnReceive appends a message from the room.
func (c *Controller) OnReceive(m model.ChatMessage) {
	applied := false
	var roomID string
	c.state.Transition(func(s SessionState) (SessionState, []Effect) {
		if s.Phase == PhaseClosed {
			return s, nil
		}
		applied = true
		roomID = s.RoomID
		s.Messages = model.AppendMessage(s.Messages, m)
		return s, []Effect{{Kind: EffectMessageReceived, Message: m, ListSize: len(s.Messages)}}
	})
	if !applied {
		return
	}
	c.archive("append", func(ctx context.Context, a Archive) error {
		return a.Appended(ctx, roomID, m)
	})
	if !m.IsSelf {
		body := m.Text
		if m.IsFile() {
			body = "Sent a file"
		}
		c.notifyIfUnwatched("New message", body)
	}
}

// OnReceiveUpdate replaces a message by id and reports the update.
func (c *Controller) OnReceiveUpdate(m model.ChatMessage) {
	found := false
	var roomID string
	c.state.Transition(func(s SessionState) (SessionState, []Effect) {
		if s.Phase == PhaseClosed {
			return s, nil
		}
		var list []model.ChatMessage
		list, found = model.ReplaceMessage(s.Messages, m)
		if found {
			s.Messages = list
		}
		roomID = s.RoomID
		m.IsUpdated = true
		return s, []Effect{{Kind: EffectMessageUpdated, Message: m}}
	})
	if found {
		c.archive("update", func(ctx context.Context, a Archive) error {
			return a.Updated(ctx, roomID, m)
		})
	}
}

// OnReceiveDelete soft deletes a message by id and reports it.
func (c *Controller) OnReceiveDelete(messageID string) {
	found := false
	var roomID string
	placeholder := c.cfg.DeletePlaceholder
	c.state.Transition(func(s SessionState) (SessionState, []Effect) {
		if s.Phase == PhaseClosed {
			return s, nil
		}
		var list []model.ChatMessage
		list, found = model.SoftDeleteMessage(s.Messages, messageID, placeholder)
		if found {
			s.Messages = list
		}
		roomID = s.RoomID
		return s, []Effect{{Kind: EffectMessageDeleted, MessageID: messageID}}
	})
	if found {
		c.archive("delete", func(ctx context.Context, a Archive) error {
			return a.Deleted(ctx, roomID, messageID, placeholder)
		})
	}
}

// OnFinish closes the room. A second finish is a no-op.
func (c *Controller) OnFinish() {
	c.finish()
}

func (c *Controller) finish() bool {
	var (
		old    socket.Sender
		roomID string
	)
	applied := false
	c.state.Transition(func(s SessionState) (SessionState, []Effect) {
		if s.Phase == PhaseClosed {
			return s, nil
		}
		applied = true
		old = s.Socket
		roomID = s.RoomID
		return finished(s), []Effect{{Kind: EffectRoomClosed}}
	})
	if old != nil {
		c.releaseSocket(old)
	}
	if !applied {
		return false
	}
	if roomID != "" {
		c.archive("close", func(ctx context.Context, a Archive) error {
			return a.RoomClosed(ctx, roomID)
		})
	}
	c.notifyIfUnwatched("Counseling finished", "The counselor has closed the chat")
	logger.Infof("chat: room %s closed", roomID)
	return true
}

// ExitRoom leaves the room from the customer side.
func (c *Controller) ExitRoom() error {
	if c.closed() {
		return ErrShutdown
	}
	if !c.finish() {
		return ErrRoomClosed
	}
	return nil
}

func (c *Controller) send(f socket.OutgoingFrame) error {
	if c.closed() {
		return ErrShutdown
	}
	s := c.State()
	if s.Phase == PhaseClosed {
		return ErrRoomClosed
	}
	if s.Socket == nil {
		return ErrNotConnected
	}
	if err := s.Socket.Send(f); err != nil {
		return fmt.Errorf("chat.send: %w", err)
	}
	return nil
}

// SendText sends a new message. It appears in Messages once the server echoes it.
func (c *Controller) SendText(text string) error {
	return c.send(socket.OutgoingFrame{Message: text, MessageType: socket.TypeMessage})
}

// SendEdit replaces the text of one of the customer's messages.
func (c *Controller) SendEdit(messageID, text string) error {
	return c.send(socket.OutgoingFrame{Message: text, MessageID: messageID, MessageType: socket.TypeUpdate})
}

// SendDelete removes one of the customer's messages.
func (c *Controller) SendDelete(messageID string) error {
	return c.send(socket.OutgoingFrame{MessageID: messageID, MessageType: socket.TypeDelete})
}

// SetAccessToken sets the token used by the next Start.
func (c *Controller) SetAccessToken(token string) {
	c.state.Reduce(func(s SessionState) SessionState {
		s.AccessToken = token
		return s
	})
}

// LoadChatInfo returns the last chat the user joined.
func (c *Controller) LoadChatInfo(ctx context.Context) (model.ChatInfo, error) {
	if c.cfg.Store == nil {
		return model.ChatInfo{}, nil
	}
	return c.cfg.Store.FetchChatInfo(ctx)
}

// ClearChatInfo forgets the last chat.
func (c *Controller) ClearChatInfo(ctx context.Context) error {
	if c.cfg.Store == nil {
		return nil
	}
	return c.cfg.Store.ClearChatInfo(ctx)
}

// Close tears the scope down: cancels tasks, closes the socket and waits
// for everything the controller started. Transitions afterwards are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	sockets := c.sockets
	c.sockets = nil
	c.mu.Unlock()

	start := time.Now()
	c.cancel()
	for _, s := range sockets {
		s.Close()
	}
	c.tasks.Wait()
	for _, s := range sockets {
		if w, ok := s.(interface{ Wait() }); ok {
			w.Wait()
		}
	}
	c.state.Close()
	logger.Debugf("chat: controller closed in %v", time.Since(start))
}
