package devserver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitalk/internal/logger"
	"github.com/mitalk/internal/model"
	"github.com/mitalk/internal/socket"
)

// Counsellor occupies one seat; a seat serves one room at a time.
type Counsellor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type room struct {
	id         string
	chatType   string
	owner      model.Account
	counsellor Counsellor
	customer   *Conn
	watchers   map[*Conn]struct{}
	records    []*model.MessageRecord
	startedAt  time.Time
}

// RoomInfo describes an open room.
type RoomInfo struct {
	ID         string    `json:"id"`
	ChatType   string    `json:"chat_type"`
	Customer   string    `json:"customer"`
	Counsellor string    `json:"counsellor"`
	Connected  bool      `json:"connected"`
	Messages   int       `json:"messages"`
	StartedAt  time.Time `json:"started_at"`
}

type delivery struct {
	c *Conn
	f socket.ServerFrame
}

// outbox collects I/O decided under the lock and performed after it.
type outbox struct {
	frames  []delivery
	closing []*Conn
}

func (o *outbox) push(c *Conn, f socket.ServerFrame) {
	o.frames = append(o.frames, delivery{c: c, f: f})
}

// Hub seats customers with counsellors. Customers beyond the seats wait in
// a queue of at most queueLimit; beyond that they are told the room is crowded.
type Hub struct {
	mu         sync.Mutex
	seats      []Counsellor
	busy       map[string]*room
	queueLimit int
	queue      []*Conn
	rooms      map[string]*room
	byAccount  map[string]*room
	conns      map[*Conn]struct{}
	dir        *Directory
	now        func() time.Time

	register   chan *Conn
	unregister chan *Conn
	done       chan struct{}
}

func NewHub(seats, queueLimit int, dir *Directory) *Hub {
	if seats <= 0 {
		seats = 1
	}
	if queueLimit < 0 {
		queueLimit = 0
	}
	h := &Hub{
		busy:       make(map[string]*room),
		queueLimit: queueLimit,
		rooms:      make(map[string]*room),
		byAccount:  make(map[string]*room),
		conns:      make(map[*Conn]struct{}),
		dir:        dir,
		now:        time.Now,
		register:   make(chan *Conn, 64),
		unregister: make(chan *Conn, 64),
		done:       make(chan struct{}),
	}
	for i := 1; i <= seats; i++ {
		h.seats = append(h.seats, Counsellor{ID: "c-" + strconv.Itoa(i), Name: "Counsellor " + strconv.Itoa(i)})
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.shutdown()
			return
		case c := <-h.register:
			h.addConn(c)
		case c := <-h.unregister:
			h.removeConn(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		all = append(all, c)
	}
	h.conns = make(map[*Conn]struct{})
	h.queue = nil
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

func (h *Hub) Register(c *Conn) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) deliver(ob *outbox) {
	for _, d := range ob.frames {
		h.sendToConn(d.c, d.f)
	}
	for _, c := range ob.closing {
		c.Close()
	}
}

func (h *Hub) sendToConn(c *Conn, f socket.ServerFrame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		logger.Errorf("devserver: send buffer full, closing %s", c.accountID)
		c.Close()
	}
}

func (h *Hub) addConn(c *Conn) {
	var ob outbox
	h.mu.Lock()
	h.conns[c] = struct{}{}
	if c.role == roleCounsellor {
		h.attachCounsellorLocked(c, &ob)
	} else {
		h.admitLocked(c, &ob)
	}
	h.mu.Unlock()
	h.deliver(&ob)
}

func (h *Hub) removeConn(c *Conn) {
	var ob outbox
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	switch c.role {
	case roleCustomer:
		if h.dequeueLocked(c) {
			h.refreshQueueLocked(&ob)
		} else if r := h.byAccount[c.accountID]; r != nil && r.customer == c {
			if c.left.Load() {
				logger.Infof("devserver: %s left room %s", c.accountID, r.id)
				h.finishLocked(r, &ob)
			} else {
				// keep the room so the customer can reconnect
				r.customer = nil
			}
		}
	case roleCounsellor:
		if r := h.rooms[c.roomID]; r != nil {
			delete(r.watchers, c)
		}
	}
	h.mu.Unlock()
	c.Close()
	h.deliver(&ob)
}

func successFrame(r *room) socket.ServerFrame {
	return socket.ServerFrame{Type: socket.FrameSuccess, RoomID: r.id, CounsellorName: r.counsellor.Name}
}

func (h *Hub) admitLocked(c *Conn, ob *outbox) {
	if r := h.byAccount[c.accountID]; r != nil {
		if r.customer != nil && r.customer != c {
			ob.closing = append(ob.closing, r.customer)
		}
		r.customer = c
		ob.push(c, successFrame(r))
		logger.Infof("devserver: %s rejoined room %s", c.accountID, r.id)
		return
	}
	for _, q := range h.queue {
		if q.accountID == c.accountID {
			h.dequeueLocked(q)
			ob.closing = append(ob.closing, q)
			break
		}
	}
	if seat, ok := h.freeSeatLocked(); ok {
		r := h.openRoomLocked(c, seat)
		ob.push(c, successFrame(r))
		return
	}
	if len(h.queue) < h.queueLimit {
		h.queue = append(h.queue, c)
		ob.push(c, socket.ServerFrame{Type: socket.FrameWaiting, Remain: strconv.Itoa(len(h.queue) - 1)})
		logger.Infof("devserver: %s queued (%d waiting)", c.accountID, len(h.queue))
		return
	}
	logger.Infof("devserver: %s turned away, queue full", c.accountID)
	ob.push(c, socket.ServerFrame{Type: socket.FrameCrowded})
}

func (h *Hub) freeSeatLocked() (Counsellor, bool) {
	for _, s := range h.seats {
		if h.busy[s.ID] == nil {
			return s, true
		}
	}
	return Counsellor{}, false
}

func (h *Hub) openRoomLocked(c *Conn, seat Counsellor) *room {
	acc, _ := h.dir.account(c.accountID)
	r := &room{
		id:         uuid.NewString(),
		chatType:   c.chatType,
		owner:      acc,
		counsellor: seat,
		customer:   c,
		watchers:   make(map[*Conn]struct{}),
		startedAt:  h.now().UTC(),
	}
	h.rooms[r.id] = r
	h.byAccount[c.accountID] = r
	h.busy[seat.ID] = r
	logger.Infof("devserver: room %s opened for %s with %s", r.id, c.accountID, seat.Name)
	return r
}

func (h *Hub) dequeueLocked(c *Conn) bool {
	for i, q := range h.queue {
		if q == c {
			h.queue = append(h.queue[:i:i], h.queue[i+1:]...)
			return true
		}
	}
	return false
}

// refreshQueueLocked seats waiting customers while seats are free and tells
// the rest how many people are ahead of them.
func (h *Hub) refreshQueueLocked(ob *outbox) {
	for len(h.queue) > 0 {
		seat, ok := h.freeSeatLocked()
		if !ok {
			break
		}
		next := h.queue[0]
		h.queue = h.queue[1:]
		r := h.openRoomLocked(next, seat)
		ob.push(next, successFrame(r))
	}
	for i, q := range h.queue {
		ob.push(q, socket.ServerFrame{Type: socket.FrameWaiting, Remain: strconv.Itoa(i)})
	}
}

func (h *Hub) finishLocked(r *room, ob *outbox) {
	delete(h.rooms, r.id)
	if h.byAccount[r.owner.ID] == r {
		delete(h.byAccount, r.owner.ID)
	}
	delete(h.busy, r.counsellor.ID)
	fin := socket.ServerFrame{Type: socket.FrameFinish, RoomID: r.id}
	if r.customer != nil {
		ob.push(r.customer, fin)
	}
	for w := range r.watchers {
		ob.push(w, fin)
	}
	h.dir.saveRecord(r.id, r.owner.ID, r.counsellor.ID, r.detail())
	logger.Infof("devserver: room %s finished", r.id)
	h.refreshQueueLocked(ob)
}

func (r *room) detail() model.RecordDetail {
	recs := make([]model.MessageRecord, 0, len(r.records))
	for _, m := range r.records {
		recs = append(recs, *m)
	}
	return model.RecordDetail{
		StartAt:        r.startedAt.Format(time.RFC3339),
		CustomerName:   r.owner.Name,
		CounsellorName: r.counsellor.Name,
		MessageRecords: recs,
	}
}

func (h *Hub) attachCounsellorLocked(c *Conn, ob *outbox) {
	r := h.rooms[c.roomID]
	if r == nil {
		ob.closing = append(ob.closing, c)
		return
	}
	r.watchers[c] = struct{}{}
	ob.push(c, socket.ServerFrame{Type: socket.FrameSuccess, RoomID: r.id, CounsellorName: r.counsellor.Name})
	for _, m := range r.records {
		if m.IsDeleted {
			ob.push(c, socket.ServerFrame{Type: socket.FrameDelete, MessageID: m.MessageID})
			continue
		}
		ob.push(c, socket.ServerFrame{Type: socket.FrameMessage, Message: payloadOf(m)})
	}
}

// payloadOf carries the latest text with the original send time.
func payloadOf(m *model.MessageRecord) *socket.MessagePayload {
	p := &socket.MessagePayload{ID: m.MessageID, Sender: m.Sender}
	if n := len(m.DataMap); n > 0 {
		p.Text = m.DataMap[n-1]["message"]
		p.Time = m.DataMap[0]["time"]
	}
	return p
}

func (h *Hub) roomOfLocked(c *Conn) *room {
	if c.role == roleCounsellor {
		r := h.rooms[c.roomID]
		if r == nil {
			return nil
		}
		if _, ok := r.watchers[c]; !ok {
			return nil
		}
		return r
	}
	r := h.byAccount[c.accountID]
	if r == nil || r.customer != c {
		return nil
	}
	return r
}

func (r *room) find(id string) *model.MessageRecord {
	for _, m := range r.records {
		if m.MessageID == id {
			return m
		}
	}
	return nil
}

func (r *room) broadcast(ob *outbox, f socket.ServerFrame) {
	if r.customer != nil {
		ob.push(r.customer, f)
	}
	for w := range r.watchers {
		ob.push(w, f)
	}
}

// HandleFrame applies a MESSAGE, UPDATE or DELETE from either side of a room
// and echoes the result to everyone in it. Frames from queued customers are dropped.
func (h *Hub) HandleFrame(c *Conn, f socket.OutgoingFrame) {
	defer logger.DeferLogDuration("devserver.HandleFrame", time.Now())()
	var ob outbox
	h.mu.Lock()
	if err := h.applyLocked(c, f, &ob); err != nil {
		logger.Infof("devserver: %s %s: %v", c.role.sender(), c.accountID, err)
	}
	h.mu.Unlock()
	h.deliver(&ob)
}

func (h *Hub) applyLocked(c *Conn, f socket.OutgoingFrame, ob *outbox) error {
	r := h.roomOfLocked(c)
	if r == nil {
		return fmt.Errorf("%s frame outside a room", f.MessageType)
	}
	sender := c.role.sender()
	now := h.now().UTC().Format(time.RFC3339)
	switch f.MessageType {
	case socket.TypeMessage, "":
		text := strings.TrimSpace(f.Message)
		if text == "" {
			return fmt.Errorf("empty message")
		}
		m := &model.MessageRecord{
			MessageID: uuid.NewString(),
			Sender:    sender,
			IsFile:    model.IsFileURL(text),
			DataMap:   []map[string]string{{"message": text, "time": now}},
		}
		r.records = append(r.records, m)
		r.broadcast(ob, socket.ServerFrame{Type: socket.FrameMessage, Message: payloadOf(m)})
	case socket.TypeUpdate:
		m := r.find(f.MessageID)
		if m == nil || m.Sender != sender || m.IsDeleted {
			return fmt.Errorf("cannot update %q", f.MessageID)
		}
		text := strings.TrimSpace(f.Message)
		if text == "" {
			return fmt.Errorf("empty update")
		}
		m.DataMap = append(m.DataMap, map[string]string{"message": text, "time": now})
		m.IsUpdated = true
		r.broadcast(ob, socket.ServerFrame{Type: socket.FrameUpdate, Message: payloadOf(m)})
	case socket.TypeDelete:
		m := r.find(f.MessageID)
		if m == nil || m.Sender != sender || m.IsDeleted {
			return fmt.Errorf("cannot delete %q", f.MessageID)
		}
		m.IsDeleted = true
		r.broadcast(ob, socket.ServerFrame{Type: socket.FrameDelete, MessageID: m.MessageID})
	default:
		return fmt.Errorf("unknown message_type %q", f.MessageType)
	}
	return nil
}

// Finish closes an open room from the counsellor side.
func (h *Hub) Finish(roomID string) error {
	var ob outbox
	h.mu.Lock()
	r := h.rooms[roomID]
	if r == nil {
		h.mu.Unlock()
		return ErrNotFound
	}
	h.finishLocked(r, &ob)
	h.mu.Unlock()
	h.deliver(&ob)
	return nil
}

// HasRoom reports whether roomID is open.
func (h *Hub) HasRoom(roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomID] != nil
}

// Rooms lists open rooms, oldest first.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, RoomInfo{
			ID:         r.id,
			ChatType:   r.chatType,
			Customer:   r.owner.ID,
			Counsellor: r.counsellor.Name,
			Connected:  r.customer != nil,
			Messages:   len(r.records),
			StartedAt:  r.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// QueueLen returns how many customers are waiting.
func (h *Hub) QueueLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}
