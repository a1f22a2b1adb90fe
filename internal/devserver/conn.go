package devserver

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitalk/internal/config"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/socket"
)

const sendBufSize = 256

type role int

const (
	roleCustomer role = iota
	roleCounsellor
)

func (r role) sender() string {
	if r == roleCounsellor {
		return model.SenderCounsellor
	}
	return model.SenderCustomer
}

// Conn is one websocket attached to the hub, either a customer or a counsellor.
// Lifecycle: newConn -> start -> [readPump, writePump] -> Close -> Wait.
type Conn struct {
	hub  *Hub
	conn *websocket.Conn
	send chan socket.ServerFrame
	opts config.SocketConfig

	role      role
	accountID string
	chatType  string
	roomID    string

	// left is set when the peer closed normally, i.e. it meant to leave.
	left atomic.Bool

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func newConn(hub *Hub, conn *websocket.Conn, opts config.SocketConfig) *Conn {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 << 10
	}
	return &Conn{
		hub:  hub,
		conn: conn,
		send: make(chan socket.ServerFrame, sendBufSize),
		opts: opts,
		done: make(chan struct{}),
	}
}

func (c *Conn) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pumps have exited.
func (c *Conn) Wait() {
	c.wg.Wait()
}

// Close stops the pumps. Safe to call multiple times from any goroutine.
func (c *Conn) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		c.conn.Close()
	})
}

func (c *Conn) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.left.Store(true)
			} else if ctx.Err() == nil {
				logger.Debugf("devserver: read %s %s: %v", c.role.sender(), c.accountID, err)
			}
			return
		}
		var f socket.OutgoingFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("devserver: unmarshal from %s: %v", c.accountID, err)
			continue
		}
		c.hub.HandleFrame(c, f)
	}
}

// writePump ends the connection right after a crowded or finish frame.
func (c *Conn) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	closeNormal := func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	for {
		select {
		case <-ctx.Done():
			closeNormal()
			return
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
			if f.Type == socket.FrameCrowded || f.Type == socket.FrameFinish {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
