package hub

import (
	"context"
	"errors"
	"sync"

	"board-hub/domain"
)

// ErrConnClosed is returned by Next once a connection has been closed.
var ErrConnClosed = errors.New("connection closed")

// Conn is one authenticated client connection and its outbound queue. The
// hub enqueues without blocking; the transport drains the queue with Next.
type Conn struct {
	ID    string
	Actor string

	mu     sync.Mutex
	queue  []domain.Envelope
	limit  int
	resync bool
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newConn(id, actor string, limit int) *Conn {
	if limit <= 0 {
		limit = 1
	}
	return &Conn{
		ID:     id,
		Actor:  actor,
		limit:  limit,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// enqueue applies the backpressure policy and reports whether env was queued.
// A full queue sheds a queued transient event, drag updates first, to make
// room for another transient one. A durable event that does not fit replaces the whole queue
// with a single ResyncRequired message.
func (c *Conn) enqueue(env domain.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.resync {
		return false
	}
	if len(c.queue) >= c.limit {
		if !env.Type.Transient() {
			c.queue = []domain.Envelope{{
				Type:    domain.EventResyncRequired,
				Payload: domain.ResyncRequired{Reason: "outbound queue overflow"},
			}}
			c.resync = true
			c.wake()
			return false
		}
		i := c.sheddable(isDragUpdate(env))
		if i < 0 {
			return false
		}
		c.queue = append(c.queue[:i], c.queue[i+1:]...)
	}
	c.queue = append(c.queue, env)
	c.wake()
	return true
}

// sheddable picks the queued event to drop for an incoming transient one:
// the oldest drag update, otherwise the oldest transient event unless the
// incoming event is itself a drag update. -1 means drop the incoming event.
func (c *Conn) sheddable(incomingUpdate bool) int {
	for i, queued := range c.queue {
		if isDragUpdate(queued) {
			return i
		}
	}
	if incomingUpdate {
		return -1
	}
	for i, queued := range c.queue {
		if queued.Type.Transient() {
			return i
		}
	}
	return -1
}

func isDragUpdate(env domain.Envelope) bool {
	ev, ok := env.Payload.(domain.DragStateChanged)
	return ok && ev.State == domain.DragUpdated
}

func (c *Conn) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is queued, the connection closes or ctx ends.
func (c *Conn) Next(ctx context.Context) (domain.Envelope, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			env := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return env, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return domain.Envelope{}, ErrConnClosed
		}
		select {
		case <-ctx.Done():
			return domain.Envelope{}, ctx.Err()
		case <-c.done:
		case <-c.signal:
		}
	}
}

// Pending is the number of queued events.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ResyncRequired reports whether the connection overflowed on a durable event.
func (c *Conn) ResyncRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resync
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
