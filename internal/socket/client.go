// Package socket is the customer side of the counseling chat websocket.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitalk/internal/config"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/model"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 64 << 10
	sendBufSize           = 64
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("socket closed")
	// ErrSendBuffer is returned when the write pump cannot keep up.
	ErrSendBuffer = errors.New("socket send buffer full")
)

// Listener receives socket events. Callbacks run on the read pump goroutine.
type Listener interface {
	OnStart()
	OnFail(err error)
	OnWaiting(remaining string)
	OnSuccess(roomID, counselor string)
	OnCrowded()
	OnReceive(m model.ChatMessage)
	OnReceiveUpdate(m model.ChatMessage)
	OnReceiveDelete(messageID string)
	OnFinish()
}

// Sender is the handle kept by whoever owns the session.
type Sender interface {
	Send(f OutgoingFrame) error
	Close() error
}

// Options are the connection timings.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	return o
}

func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Dialer opens chat sockets against one server.
type Dialer struct {
	BaseURL string
	Opts    Options
	WS      *websocket.Dialer
}

// NewDialer builds a dialer for socketURL (ws:// or wss://).
func NewDialer(socketURL string, cfg config.SocketConfig) *Dialer {
	return &Dialer{
		BaseURL: strings.TrimSuffix(socketURL, "/"),
		Opts: Options{
			WriteWait:      cfg.WriteTimeout,
			PongWait:       cfg.PongTimeout,
			MaxMessageSize: cfg.MaxMessageSize,
		}.withDefaults(),
		WS: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Dial connects to the chat endpoint for chatType. On success the pumps are
// running and l.OnStart has been called; on failure l.OnFail has been called.
func (d *Dialer) Dial(ctx context.Context, chatType, accessToken string, l Listener) (Sender, error) {
	u := d.BaseURL + "/socket/chat?type=" + url.QueryEscape(chatType)
	h := http.Header{}
	if accessToken != "" {
		h.Set("Authorization", "Bearer "+accessToken)
	}
	ws := d.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	conn, resp, err := ws.DialContext(ctx, u, h)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("socket.Dial: status %d: %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("socket.Dial: %w", err)
		}
		logger.Debugf("socket: dial %s with token %s: %v", u, logger.MaskToken(accessToken), err)
		l.OnFail(err)
		return nil, err
	}
	c := newClient(conn, l, d.Opts.withDefaults())
	l.OnStart()
	c.start()
	return c, nil
}

// Client is one live chat socket.
// Lifecycle: Dial -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	conn *websocket.Conn
	l    Listener
	opts Options
	send chan OutgoingFrame

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	closing  atomic.Bool
	finished atomic.Bool
	failOnce sync.Once
}

func newClient(conn *websocket.Conn, l Listener, opts Options) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:   conn,
		l:      l,
		opts:   opts,
		send:   make(chan OutgoingFrame, sendBufSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *Client) start() {
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// Send queues f for the write pump.
func (c *Client) Send(f OutgoingFrame) error {
	if c.closing.Load() {
		return ErrClosed
	}
	if f.MessageType == "" {
		f.MessageType = TypeMessage
	}
	select {
	case <-c.ctx.Done():
		return ErrClosed
	case c.send <- f:
		return nil
	default:
		return ErrSendBuffer
	}
}

// SendText sends a new message.
func (c *Client) SendText(text string) error {
	return c.Send(OutgoingFrame{Message: text, MessageType: TypeMessage})
}

// SendUpdate replaces the text of messageID.
func (c *Client) SendUpdate(messageID, text string) error {
	return c.Send(OutgoingFrame{Message: text, MessageID: messageID, MessageType: TypeUpdate})
}

// SendDelete removes messageID.
func (c *Client) SendDelete(messageID string) error {
	return c.Send(OutgoingFrame{MessageID: messageID, MessageType: TypeDelete})
}

// Close stops both pumps without waiting. It never triggers OnFail.
// Safe to call from listener callbacks and multiple times.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.closing.Store(true)
		c.cancel()
	})
	return nil
}

// Wait blocks until both pumps have exited. Do not call from a callback.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Done is closed once Close was called or the connection broke.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) fail(err error) {
	if c.closing.Load() || c.finished.Load() {
		return
	}
	c.failOnce.Do(func() { c.l.OnFail(err) })
}

func (c *Client) readPump() {
	defer c.wg.Done()
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.fail(fmt.Errorf("socket: set read deadline: %w", err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.finished.Load() {
				return
			}
			if !c.closing.Load() {
				logger.Errorf("socket read error: %v", err)
			}
			c.fail(fmt.Errorf("socket: read: %w", err))
			return
		}
		var f ServerFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("socket unmarshal error: %v", err)
			continue
		}
		if c.closing.Load() {
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f ServerFrame) {
	switch f.Type {
	case FrameWaiting:
		c.l.OnWaiting(f.Remain)
	case FrameSuccess:
		c.l.OnSuccess(f.RoomID, f.CounsellorName)
	case FrameCrowded:
		c.finished.Store(true)
		c.l.OnCrowded()
	case FrameMessage:
		if f.Message == nil {
			logger.Errorf("socket: message frame without payload")
			return
		}
		c.l.OnReceive(f.Message.ToChatMessage())
	case FrameUpdate:
		if f.Message == nil {
			logger.Errorf("socket: update frame without payload")
			return
		}
		c.l.OnReceiveUpdate(f.Message.ToChatMessage())
	case FrameDelete:
		c.l.OnReceiveDelete(f.MessageID)
	case FrameFinish:
		c.finished.Store(true)
		c.l.OnFinish()
	case FrameError:
		c.fail(fmt.Errorf("socket: server error: %s", f.Error))
	default:
		logger.Infof("socket: ignoring frame type %q", f.Type)
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && c.closing.Load() {
				logger.Debugf("socket close message: %v", err)
			}
			return
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				c.fail(fmt.Errorf("socket: set write deadline: %w", err))
				return
			}
			data, err := json.Marshal(f)
			if err != nil {
				logger.Errorf("socket marshal error: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(fmt.Errorf("socket: write: %w", err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				c.fail(fmt.Errorf("socket: set write deadline: %w", err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(fmt.Errorf("socket: ping: %w", err))
				return
			}
		}
	}
}
