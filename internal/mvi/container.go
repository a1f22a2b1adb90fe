// Package mvi holds a single-writer state value and an ordered effect stream.
package mvi

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mitalk/internal/logger"
)

const defaultEffectBuffer = 64

// Option configures a Container.
type Option func(*options)

type options struct {
	effectBuffer int
	name         string
}

// WithEffectBuffer sets the capacity of the consumer channel.
func WithEffectBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.effectBuffer = n
		}
	}
}

// WithName sets the name used in log lines.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

type consumer[E any] struct {
	ch chan E
}

// Container serialises state transitions. Every transition replaces the
// state wholesale and then enqueues its effects, so a consumer that receives
// an effect always observes the state it was emitted from.
type Container[S, E any] struct {
	opts options

	mu       sync.Mutex
	state    S
	closed   bool
	watchers map[chan S]struct{}
	effects  *consumer[E]

	dropped atomic.Int64
	done    chan struct{}
}

// New creates a container holding initial.
func New[S, E any](initial S, opts ...Option) *Container[S, E] {
	o := options{effectBuffer: defaultEffectBuffer, name: "mvi"}
	for _, fn := range opts {
		fn(&o)
	}
	return &Container[S, E]{
		opts:     o,
		state:    initial,
		watchers: make(map[chan S]struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current snapshot.
func (c *Container[S, E]) State() S {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transition applies fn to the current state under the writer lock.
// After Close it is a no-op returning the last state.
func (c *Container[S, E]) Transition(fn func(S) (S, []E)) S {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.state
	}
	next, effects := fn(c.state)
	c.state = next
	for ch := range c.watchers {
		publish(ch, next)
	}
	for _, e := range effects {
		c.emitLocked(e)
	}
	return next
}

// Reduce replaces the state without emitting effects.
func (c *Container[S, E]) Reduce(fn func(S) S) S {
	return c.Transition(func(s S) (S, []E) { return fn(s), nil })
}

// Post emits e without changing the state.
func (c *Container[S, E]) Post(e E) {
	c.Transition(func(s S) (S, []E) { return s, []E{e} })
}

func (c *Container[S, E]) emitLocked(e E) {
	if c.effects == nil {
		c.dropped.Add(1)
		logger.Debugf("%s: effect dropped, no consumer", c.opts.name)
		return
	}
	select {
	case c.effects.ch <- e:
	default:
		c.dropped.Add(1)
		logger.Errorf("%s: effect buffer full, dropping", c.opts.name)
	}
}

// publish keeps only the newest snapshot in a watcher channel.
func publish[S any](ch chan S, s S) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// HasConsumer reports whether an effect consumer is attached.
func (c *Container[S, E]) HasConsumer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effects != nil
}

// Dropped returns how many effects were discarded.
func (c *Container[S, E]) Dropped() int64 {
	return c.dropped.Load()
}

// Watch streams state snapshots, starting with the current one. Slow readers
// only see the newest snapshot. The channel closes when ctx is done.
func (c *Container[S, E]) Watch(ctx context.Context) <-chan S {
	ch := make(chan S, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch
	}
	ch <- c.state
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.watchers[ch]; ok {
			delete(c.watchers, ch)
			close(ch)
		}
	}()
	return ch
}

// Effects attaches the single effect consumer. A previous consumer's channel
// is closed. The consumer detaches when ctx is done.
func (c *Container[S, E]) Effects(ctx context.Context) <-chan E {
	cons := &consumer[E]{ch: make(chan E, c.opts.effectBuffer)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(cons.ch)
		return cons.ch
	}
	if c.effects != nil {
		close(c.effects.ch)
	}
	c.effects = cons
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.effects == cons {
			c.effects = nil
			close(cons.ch)
		}
	}()
	return cons.ch
}

// Close ignores further transitions and closes every channel.
func (c *Container[S, E]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	for ch := range c.watchers {
		delete(c.watchers, ch)
		close(ch)
	}
	if c.effects != nil {
		close(c.effects.ch)
		c.effects = nil
	}
}
