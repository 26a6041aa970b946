// Package revocation closes connections whose credentials are revoked while
// they are open.
//
// The Watcher consumes a revocation topic on the backend feed. A signal for a
// token closes every live connection authenticated with it using close code
// 1000, immediately or at the signal's effective time. Revoked token ids are
// remembered for a while so that a connection racing the signal is refused at
// accept time.
package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ggoodman/timeline-streaming-go/feed"
	"github.com/ggoodman/timeline-streaming-go/internal/metrics"
	"github.com/gorilla/websocket"
)

// DefaultTopic is the feed topic revocation signals are published on.
const DefaultTopic = "streaming:revocations"

// Signal revokes one token. A zero EffectiveAt means now.
type Signal struct {
	TokenID     string    `json:"token_id"`
	EffectiveAt time.Time `json:"effective_at,omitempty"`
}

// DecodeSignal parses a signal published on the feed.
func DecodeSignal(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, err
	}
	if s.TokenID == "" {
		return Signal{}, errors.New("revocation signal without token_id")
	}
	return s, nil
}

// Encode returns the feed representation of s.
func (s Signal) Encode() []byte {
	b, _ := json.Marshal(s)
	return b
}

// Closer closes every connection authenticated with tokenID and reports how
// many it closed.
type Closer interface {
	CloseByToken(tokenID string, code int) int
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// WithMetrics counts revocation closes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithTopic overrides DefaultTopic.
func WithTopic(topic string) Option {
	return func(w *Watcher) {
		if topic != "" {
			w.topic = topic
		}
	}
}

// WithRememberFor sets how long revoked token ids are remembered. Defaults to
// ten minutes.
func WithRememberFor(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.ttl = d
		}
	}
}

// WithReconnectBackoff bounds the feed reconnect delay.
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(w *Watcher) {
		if initial > 0 {
			w.initialInterval = initial
		}
		if max > 0 {
			w.maxInterval = max
		}
	}
}

// Watcher is safe for concurrent use.
type Watcher struct {
	feed    feed.Feed
	closer  Closer
	topic   string
	ttl     time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	initialInterval time.Duration
	maxInterval     time.Duration

	mu      sync.Mutex
	revoked map[string]revokedToken
	timers  map[string]*time.Timer
	closed  bool
}

type revokedToken struct {
	effectiveAt time.Time
	forgetAt    time.Time
}

// New creates a watcher. f may be nil when signals only arrive through
// Revoke.
func New(f feed.Feed, closer Closer, opts ...Option) *Watcher {
	w := &Watcher{
		feed:            f,
		closer:          closer,
		topic:           DefaultTopic,
		ttl:             10 * time.Minute,
		now:             time.Now,
		initialInterval: 100 * time.Millisecond,
		maxInterval:     30 * time.Second,
		revoked:         make(map[string]revokedToken),
		timers:          make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	return w
}

// Run consumes the revocation topic until ctx is done, reconnecting with
// backoff. Pending scheduled closes are cancelled when Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	if w.feed == nil {
		return errors.New("revocation: no feed configured")
	}
	defer w.Close()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = w.initialInterval
	retry.MaxInterval = w.maxInterval
	retry.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := w.session(ctx, retry)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(retry),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.WarnContext(ctx, "revocation.reconnect",
				slog.String("err", err.Error()),
				slog.Duration("next_retry", next))
		}),
	)
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (w *Watcher) session(ctx context.Context, retry *backoff.ExponentialBackOff) error {
	sub, err := w.feed.Subscribe(ctx, w.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", w.topic, err)
	}
	defer sub.Close()
	retry.Reset()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		sig, err := DecodeSignal(msg.Payload)
		if err != nil {
			w.log.WarnContext(ctx, "revocation.decode.fail", slog.String("err", err.Error()))
			continue
		}
		w.Revoke(ctx, sig)
	}
}

// Revoke applies sig: connections using the token are closed now, or at
// EffectiveAt when that lies in the future.
func (w *Watcher) Revoke(ctx context.Context, sig Signal) {
	now := w.now()
	at := sig.EffectiveAt
	if at.IsZero() || at.Before(now) {
		at = now
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.sweepLocked(now)
	w.revoked[sig.TokenID] = revokedToken{effectiveAt: at, forgetAt: at.Add(w.ttl)}
	if t, ok := w.timers[sig.TokenID]; ok {
		t.Stop()
		delete(w.timers, sig.TokenID)
	}
	if delay := at.Sub(now); delay > 0 {
		w.timers[sig.TokenID] = time.AfterFunc(delay, func() {
			w.mu.Lock()
			delete(w.timers, sig.TokenID)
			w.mu.Unlock()
			w.apply(context.WithoutCancel(ctx), sig.TokenID)
		})
		w.mu.Unlock()
		w.log.InfoContext(ctx, "revocation.schedule", slog.String("token_id", sig.TokenID), slog.Time("effective_at", at))
		return
	}
	w.mu.Unlock()
	w.apply(ctx, sig.TokenID)
}

func (w *Watcher) apply(ctx context.Context, tokenID string) {
	n := w.closer.CloseByToken(tokenID, websocket.CloseNormalClosure)
	w.metrics.RevocationClosed(n)
	w.log.InfoContext(ctx, "revocation.apply", slog.String("token_id", tokenID), slog.Int("closed", n))
}

// RevokeTokens revokes each token id immediately. It matches the callback
// shape of token sources that detect removed credentials.
func (w *Watcher) RevokeTokens(tokenIDs []string) {
	for _, id := range tokenIDs {
		w.Revoke(context.Background(), Signal{TokenID: id})
	}
}

// IsRevoked reports whether tokenID has been revoked and is still remembered.
func (w *Watcher) IsRevoked(tokenID string) bool {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.revoked[tokenID]
	return ok && !now.Before(r.effectiveAt) && now.Before(r.forgetAt)
}

// Close cancels pending scheduled closes. Later signals are ignored.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}

func (w *Watcher) sweepLocked(now time.Time) {
	for id, r := range w.revoked {
		if !now.Before(r.forgetAt) {
			delete(w.revoked, id)
		}
	}
}
