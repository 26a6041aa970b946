package streaming

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/timeline-streaming-go/auth"
	"github.com/ggoodman/timeline-streaming-go/channel"
	"github.com/ggoodman/timeline-streaming-go/event"
	"github.com/ggoodman/timeline-streaming-go/queue"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Conn is one authenticated client connection. It implements
// registry.Subscriber.
type Conn struct {
	id        string
	identity  auth.Identity
	transport Transport
	queue     *queue.Queue
	limiter   *rate.Limiter
	created   time.Time
	lastSeen  atomic.Int64

	m   *Manager
	ctx context.Context

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string

	transportOnce sync.Once
	done          chan struct{}
	writerDone    chan struct{}
	heartbeatDone chan struct{}
}

// ConnectionID implements registry.Subscriber.
func (c *Conn) ConnectionID() string { return c.id }

// Deliver implements registry.Subscriber. It never blocks; an overflow under
// the disconnect policy closes the connection.
func (c *Conn) Deliver(ev *event.Event) {
	err := c.queue.Enqueue(ev)
	if errors.Is(err, queue.ErrOverflow) {
		c.m.log.WarnContext(c.ctx, "conn.overflow", slog.String("channel", ev.Channel.Key()))
		go c.m.closeConn(c, websocket.CloseTryAgainLater, "queue overflow", true)
	}
}

// Identity returns the authenticated identity. Anonymous connections have an
// empty account id.
func (c *Conn) Identity() auth.Identity { return c.identity }

// Kind returns the transport kind.
func (c *Conn) Kind() string { return c.transport.Kind() }

// CreatedAt returns the accept time.
func (c *Conn) CreatedAt() time.Time { return c.created }

// LastActivity returns the time of the last inbound frame or outbound write.
func (c *Conn) LastActivity() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// Subscriptions returns the channels the connection is subscribed to.
func (c *Conn) Subscriptions() []channel.ID { return c.m.registry.Subscriptions(c.id) }

// Done is closed once the transport has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseCode returns the code the connection was closed with, or 0 while it
// is open.
func (c *Conn) CloseCode() int {
	select {
	case <-c.closing:
		return c.closeCode
	default:
		return 0
	}
}

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *Conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// sendControl queues a control frame. A peer that lets the control lane fill
// up is disconnected rather than silently missing acks or errors.
func (c *Conn) sendControl(frame []byte) {
	err := c.queue.EnqueueControl(frame)
	switch {
	case err == nil, errors.Is(err, queue.ErrClosed):
	case errors.Is(err, queue.ErrControlLaneFull):
		c.m.log.WarnContext(c.ctx, "conn.control.overflow")
		go c.m.closeConn(c, websocket.CloseTryAgainLater, "control lane overflow", true)
	default:
		c.m.log.WarnContext(c.ctx, "conn.control.drop", slog.String("err", err.Error()))
	}
}

// closeTransport terminates the transport exactly once.
func (c *Conn) closeTransport() {
	c.transportOnce.Do(func() {
		_ = c.transport.Close(c.closeCode, c.closeReason)
		close(c.done)
	})
}
