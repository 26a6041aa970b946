package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/timeline-streaming-go/access"
	"github.com/ggoodman/timeline-streaming-go/auth"
	"github.com/ggoodman/timeline-streaming-go/channel"
	"github.com/ggoodman/timeline-streaming-go/event"
	"github.com/ggoodman/timeline-streaming-go/internal/logctx"
	"github.com/ggoodman/timeline-streaming-go/internal/metrics"
	"github.com/ggoodman/timeline-streaming-go/queue"
	"github.com/ggoodman/timeline-streaming-go/registry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	// ErrConnectionRejected is returned when a connection cannot be
	// authenticated. Callers answer with 401 and never open the transport.
	ErrConnectionRejected = errors.New("connection rejected")
	// ErrShuttingDown is returned by Accept once Shutdown has begun.
	ErrShuttingDown = errors.New("streaming: shutting down")
)

// Client-visible error messages.
const (
	msgMalformed   = "Malformed control message"
	msgUnknownType = "Unknown message type"
	msgRateLimited = "Too many requests"
	msgRevoked     = "Access token has been revoked"
)

// Config tunes connection handling. Zero fields take the defaults below.
type Config struct {
	HeartbeatInterval time.Duration // 15s
	IdleTimeout       time.Duration // 45s
	WriteTimeout      time.Duration // 10s
	CloseDrainTimeout time.Duration // 2s
	AuthTimeout       time.Duration // 5s
	Queue             queue.Config
	ControlRate       float64 // 10 per second
	ControlBurst      int     // 20
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 45 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CloseDrainTimeout <= 0 {
		c.CloseDrainTimeout = 2 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.ControlRate <= 0 {
		c.ControlRate = 10
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = 20
	}
}

// RevocationChecker reports tokens revoked moments ago.
// *revocation.Watcher implements it.
type RevocationChecker interface {
	IsRevoked(tokenID string) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets connection tuning.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics records connection, drop and denial metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRevocationChecker rejects tokens at accept time that were revoked
// recently.
func WithRevocationChecker(rc RevocationChecker) Option {
	return func(m *Manager) { m.revoked = rc }
}

// Manager owns every live connection: authentication, subscription control,
// draining, heartbeats and close.
type Manager struct {
	cfg        Config
	validator  auth.Validator
	authorizer *access.Authorizer
	registry   *registry.Registry
	revoked    RevocationChecker
	log        *slog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	conns    map[string]*Conn
	byToken  map[string]map[string]*Conn
	draining bool
}

// NewManager creates a Manager. validator may be nil when only anonymous
// public streaming is offered.
func NewManager(validator auth.Validator, authorizer *access.Authorizer, reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		validator:  validator,
		authorizer: authorizer,
		registry:   reg,
		conns:      make(map[string]*Conn),
		byToken:    make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg.setDefaults()
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Authenticate validates cred. A missing credential yields the anonymous
// identity when the deployment allows anonymous public streaming. Every
// failure wraps ErrConnectionRejected.
func (m *Manager) Authenticate(ctx context.Context, cred auth.Credential) (auth.Identity, error) {
	if !cred.Present() {
		if m.authorizer.Policy().AllowAnonymousPublic {
			return auth.Identity{}, nil
		}
		m.metrics.AuthFailed()
		return auth.Identity{}, errors.Join(ErrConnectionRejected, auth.ErrMissingToken)
	}
	if m.validator == nil {
		m.metrics.AuthFailed()
		return auth.Identity{}, errors.Join(ErrConnectionRejected, auth.ErrUnauthorized)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	defer cancel()
	id, err := m.validator.Validate(ctx, cred.Token)
	if err != nil {
		m.metrics.AuthFailed()
		if !errors.Is(err, auth.ErrUnauthorized) {
			m.log.ErrorContext(ctx, "auth.validate.err", slog.String("location", cred.Location.String()), slog.String("err", err.Error()))
		}
		return auth.Identity{}, errors.Join(ErrConnectionRejected, err)
	}
	if m.revoked != nil && m.revoked.IsRevoked(id.TokenID) {
		m.metrics.AuthFailed()
		return auth.Identity{}, errors.Join(ErrConnectionRejected, auth.ErrUnauthorized, errors.New(msgRevoked))
	}
	return id, nil
}

// Accept registers a connection for an authenticated identity over t.
func (m *Manager) Accept(ctx context.Context, id auth.Identity, t Transport) (*Conn, error) {
	c := &Conn{
		id:            uuid.NewString(),
		identity:      id,
		transport:     t,
		limiter:       rate.NewLimiter(rate.Limit(m.cfg.ControlRate), m.cfg.ControlBurst),
		created:       time.Now(),
		m:             m,
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
		writerDone:    make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	c.touch()
	qcfg := m.cfg.Queue
	qcfg.OnDrop = func(ev *event.Event) { m.metrics.Dropped(ev.Channel.Family().String()) }
	c.queue = queue.New(qcfg)
	c.ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnectionID: c.id,
		AccountID:    id.AccountID,
		TokenID:      id.TokenID,
		Transport:    t.Kind(),
	})

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.conns[c.id] = c
	if id.TokenID != "" {
		set := m.byToken[id.TokenID]
		if set == nil {
			set = make(map[string]*Conn)
			m.byToken[id.TokenID] = set
		}
		set[c.id] = c
	}
	m.mu.Unlock()

	m.metrics.ConnOpened(t.Kind())
	m.log.InfoContext(c.ctx, "conn.open")

	// A revocation applied between Authenticate and registration would have
	// missed this connection.
	if m.revoked != nil && id.TokenID != "" && m.revoked.IsRevoked(id.TokenID) {
		m.closeConn(c, websocket.CloseNormalClosure, msgRevoked, true)
	}
	go m.writeLoop(c)
	go m.heartbeatLoop(c)
	return c, nil
}

// Serve processes inbound frames until the connection ends, then releases it.
// It returns once the transport is closed and no goroutine writes to it any
// more.
func (m *Manager) Serve(ctx context.Context, c *Conn) {
	for {
		data, err := c.transport.ReadMessage(ctx)
		if err != nil {
			if !c.isClosing() {
				m.log.DebugContext(c.ctx, "conn.read.end", slog.String("err", err.Error()))
			}
			break
		}
		c.touch()
		m.HandleControlMessage(c.ctx, c, data)
	}
	m.Close(c, websocket.CloseNormalClosure)
	<-c.done
	<-c.writerDone
	<-c.heartbeatDone
}

// HandleControlMessage processes one client frame. Problems are reported on
// the control lane; the connection stays open.
func (m *Manager) HandleControlMessage(ctx context.Context, c *Conn, data []byte) {
	if !c.limiter.Allow() {
		c.sendControl(event.NewErrorFrame(msgRateLimited, http.StatusTooManyRequests, channel.ID{}))
		return
	}
	msg, err := event.ParseControlMessage(data)
	if err != nil {
		m.log.DebugContext(ctx, "control.malformed", slog.String("err", err.Error()))
		c.sendControl(event.NewErrorFrame(msgMalformed, http.StatusBadRequest, channel.ID{}))
		return
	}
	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{Channel: msg.ChannelName(), Type: msg.Type})
	if msg.Type != event.TypeSubscribe && msg.Type != event.TypeUnsubscribe {
		c.sendControl(event.NewErrorFrame(msgUnknownType, http.StatusBadRequest, channel.ID{}))
		return
	}

	ch, err := channel.Parse(msg.ChannelName(), msg.ChannelParams())
	if err != nil {
		m.log.DebugContext(ctx, "control.channel.invalid", slog.String("err", err.Error()))
		c.sendControl(event.NewErrorFrame(channelError(err), http.StatusBadRequest, channel.ID{}))
		return
	}

	switch msg.Type {
	case event.TypeSubscribe:
		m.Subscribe(ctx, c, ch)
	case event.TypeUnsubscribe:
		m.Unsubscribe(ctx, c, ch)
	}
}

func channelError(err error) string {
	if errors.Is(err, channel.ErrInvalidParams) {
		return "Invalid channel parameters"
	}
	return access.ReasonUnknownChannel
}

// Subscribe authorizes ch for the connection and registers it. Denials are
// reported as an error frame on ch.
func (m *Manager) Subscribe(ctx context.Context, c *Conn, ch channel.ID) access.Decision {
	d := m.authorizer.Authorize(ctx, ch, c.identity)
	if !d.Allowed {
		m.metrics.SubscribeDenied(d.Reason)
		m.log.InfoContext(ctx, "subscribe.deny", slog.String("channel", ch.Key()), slog.String("reason", d.Reason))
		c.sendControl(event.NewErrorFrame(d.Reason, d.Status, ch))
		return d
	}
	if m.attach(c, d.Target) {
		m.log.InfoContext(ctx, "subscribe.ok", slog.String("channel", d.Target.Key()))
	}
	c.sendControl(event.NewAckFrame(d.Target, event.AckSubscribed))
	return d
}

// attach registers an authorized subscription unless the connection is
// closing.
func (m *Manager) attach(c *Conn, target channel.ID) bool {
	if c.isClosing() {
		return false
	}
	added := m.registry.Add(c, target)
	// Close may have released the connection's subscriptions between the
	// check above and Add.
	if c.isClosing() {
		m.registry.Remove(c.id, target)
		return false
	}
	return added
}

// Unsubscribe removes ch from the connection. Unbound account channels refer
// to the connection's own account.
func (m *Manager) Unsubscribe(ctx context.Context, c *Conn, ch channel.ID) {
	target := ch.BindOwner(c.identity.AccountID)
	if m.registry.Remove(c.id, target) {
		m.log.InfoContext(ctx, "unsubscribe.ok", slog.String("channel", target.Key()))
	}
	c.sendControl(event.NewAckFrame(target, event.AckUnsubscribed))
}

// Close drains the connection's queued frames for a bounded time and then
// terminates the transport with code. Concurrent and repeated calls are
// safe; only the first code is used.
func (m *Manager) Close(c *Conn, code int) {
	m.closeConn(c, code, "", false)
}

// CloseByToken closes every connection authenticated with tokenID, dropping
// events still queued for them. It implements revocation.Closer.
func (m *Manager) CloseByToken(tokenID string, code int) int {
	m.mu.Lock()
	var targets []*Conn
	for _, c := range m.byToken[tokenID] {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		m.closeConn(c, code, msgRevoked, true)
	}
	return len(targets)
}

func (m *Manager) closeConn(c *Conn, code int, reason string, discard bool) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)

		m.mu.Lock()
		delete(m.conns, c.id)
		if set := m.byToken[c.identity.TokenID]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(m.byToken, c.identity.TokenID)
			}
		}
		m.mu.Unlock()

		released := m.registry.RemoveAllForConnection(c.id)
		if discard {
			c.queue.CloseDiscard()
		} else {
			c.queue.Close()
		}
		m.metrics.ConnClosed(c.transport.Kind())
		m.log.InfoContext(c.ctx, "conn.close",
			slog.Int("code", code),
			slog.String("reason", reason),
			slog.Int("subscriptions", len(released)),
			slog.Duration("dur", time.Since(c.created)),
		)

		go func() {
			timer := time.NewTimer(m.cfg.CloseDrainTimeout)
			defer timer.Stop()
			select {
			case <-c.writerDone:
			case <-timer.C:
				m.log.DebugContext(c.ctx, "conn.drain.timeout")
			}
			c.closeTransport()
		}()
	})
}

// writeLoop drains the queue onto the transport until the queue is closed
// and empty or a write fails.
func (m *Manager) writeLoop(c *Conn) {
	defer close(c.writerDone)
	for {
		item, err := c.queue.Next(context.Background())
		if err != nil {
			return
		}
		if item.Control != nil {
			err = c.transport.WriteControl(item.Control)
		} else {
			err = c.transport.WriteEvent(item.Event)
		}
		if err != nil {
			if !c.isClosing() {
				m.log.InfoContext(c.ctx, "conn.write.fail", slog.String("err", err.Error()))
			}
			m.closeConn(c, websocket.CloseInternalServerErr, "write failed", true)
			return
		}
		c.touch()
	}
}

func (m *Manager) heartbeatLoop(c *Conn) {
	defer close(c.heartbeatDone)
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closing:
			return
		case <-ticker.C:
			if err := c.transport.WriteHeartbeat(); err != nil {
				m.log.InfoContext(c.ctx, "conn.heartbeat.fail", slog.String("err", err.Error()))
				m.closeConn(c, websocket.CloseInternalServerErr, "heartbeat failed", true)
				return
			}
		}
	}
}

// Connections returns the number of live connections.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown stops accepting connections and closes every live one with 1001
// (going away), waiting for their transports to close or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.closeConn(c, websocket.CloseGoingAway, "server shutting down", false)
	}
	for _, c := range conns {
		select {
		case <-c.done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown: %w", ctx.Err())
		}
	}
	m.log.InfoContext(ctx, "manager.shutdown", slog.Int("closed", len(conns)))
	return nil
}
