// Package bridge consumes the backend publish feed and turns raw publications
// into channel events for the registry.
//
// Backend topics are subscribed on demand: the registry reports channels that
// gain their first or lose their last subscriber and the bridge reference
// counts the topics behind them. When the feed drops, the bridge reconnects
// with exponential backoff and resubscribes to every topic still in demand.
// Publications that arrive during the gap are lost.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ggoodman/timeline-streaming-go/channel"
	"github.com/ggoodman/timeline-streaming-go/event"
	"github.com/ggoodman/timeline-streaming-go/feed"
	"github.com/ggoodman/timeline-streaming-go/internal/metrics"
)

// Dispatcher receives routed events. *registry.Registry implements it.
type Dispatcher interface {
	Dispatch(ev *event.Event) int
	Evict(id channel.ID) []string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithMetrics records publication and reconnect counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithReconnectBackoff bounds the reconnect delay. Defaults to 100ms..30s.
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(b *Bridge) {
		if initial > 0 {
			b.initialInterval = initial
		}
		if max > 0 {
			b.maxInterval = max
		}
	}
}

// Bridge implements registry.Observer.
type Bridge struct {
	feed    feed.Feed
	log     *slog.Logger
	metrics *metrics.Metrics

	initialInterval time.Duration
	maxInterval     time.Duration

	mu      sync.Mutex
	refs    map[string]int
	changed chan struct{}
}

// New creates a bridge reading from f. Call Run to start it.
func New(f feed.Feed, opts ...Option) *Bridge {
	b := &Bridge{
		feed:            f,
		initialInterval: 100 * time.Millisecond,
		maxInterval:     30 * time.Second,
		refs:            make(map[string]int),
		changed:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// ChannelActive implements registry.Observer.
func (b *Bridge) ChannelActive(id channel.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range Topics(id) {
		b.refs[t]++
		if b.refs[t] == 1 {
			b.signal()
		}
	}
}

// ChannelIdle implements registry.Observer.
func (b *Bridge) ChannelIdle(id channel.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range Topics(id) {
		switch n := b.refs[t]; {
		case n <= 1:
			delete(b.refs, t)
			b.signal()
		default:
			b.refs[t] = n - 1
		}
	}
}

func (b *Bridge) signal() {
	select {
	case b.changed <- struct{}{}:
	default:
	}
}

// Demand returns the backend topics currently needed, sorted.
func (b *Bridge) Demand() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.refs))
	for t := range b.refs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run consumes the feed until ctx is done, reconnecting on failure. It always
// returns a non-nil error: the context's error on shutdown.
func (b *Bridge) Run(ctx context.Context, d Dispatcher) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = b.initialInterval
	retry.MaxInterval = b.maxInterval
	retry.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := b.session(ctx, d, retry)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(retry),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.metrics.BridgeReconnected()
			b.log.WarnContext(ctx, "bridge.reconnect",
				slog.String("err", err.Error()),
				slog.Duration("next_retry", next))
		}),
	)
	if err == nil {
		err = ctx.Err()
	}
	return err
}

// session runs one feed subscription until it fails.
func (b *Bridge) session(ctx context.Context, d Dispatcher, retry *backoff.ExponentialBackOff) error {
	topics := b.Demand()
	sub, err := b.feed.Subscribe(ctx, topics...)
	if err != nil {
		return err
	}
	defer sub.Close()
	retry.Reset()
	b.log.InfoContext(ctx, "bridge.connect", slog.Int("topics", len(topics)))

	subscribed := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		subscribed[t] = struct{}{}
	}

	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	syncErr := make(chan error, 1)
	go func() {
		err := b.syncLoop(syncCtx, sub, subscribed)
		if err != nil {
			// Unblock Next so the session ends and reconnects.
			_ = sub.Close()
		}
		syncErr <- err
	}()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, feed.ErrClosed) {
				cancel()
				if serr := <-syncErr; serr != nil {
					return serr
				}
			}
			return err
		}
		b.handle(ctx, d, msg)
	}
}

// syncLoop applies demand changes to sub until ctx is done.
func (b *Bridge) syncLoop(ctx context.Context, sub feed.Subscription, subscribed map[string]struct{}) error {
	for {
		if err := b.sync(ctx, sub, subscribed); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-b.changed:
		}
	}
}

func (b *Bridge) sync(ctx context.Context, sub feed.Subscription, subscribed map[string]struct{}) error {
	want := b.Demand()
	wantSet := make(map[string]struct{}, len(want))
	var add, remove []string
	for _, t := range want {
		wantSet[t] = struct{}{}
		if _, ok := subscribed[t]; !ok {
			add = append(add, t)
		}
	}
	for t := range subscribed {
		if _, ok := wantSet[t]; !ok {
			remove = append(remove, t)
		}
	}
	if len(add) > 0 {
		if err := sub.Add(ctx, add...); err != nil {
			return err
		}
		for _, t := range add {
			subscribed[t] = struct{}{}
		}
	}
	if len(remove) > 0 {
		if err := sub.Remove(ctx, remove...); err != nil {
			return err
		}
		for _, t := range remove {
			delete(subscribed, t)
		}
	}
	if len(add) > 0 || len(remove) > 0 {
		b.log.DebugContext(ctx, "bridge.sync", slog.Int("added", len(add)), slog.Int("removed", len(remove)))
	}
	return nil
}

// handle routes one publication. Publications are handled sequentially so
// events on one channel keep the order the feed delivered them in.
func (b *Bridge) handle(ctx context.Context, d Dispatcher, msg feed.Message) {
	pub, err := DecodePublication(msg.Payload)
	if err != nil {
		b.metrics.Publication(metrics.PublicationDecodeFailed)
		b.log.WarnContext(ctx, "bridge.decode.fail", slog.String("topic", msg.Topic), slog.String("err", err.Error()))
		return
	}
	targets := Expand(msg.Topic, pub)
	if len(targets) == 0 {
		b.metrics.Publication(metrics.PublicationUnroutable)
		b.log.DebugContext(ctx, "bridge.unroutable", slog.String("topic", msg.Topic), slog.String("event", pub.Event))
		return
	}
	b.metrics.Publication(metrics.PublicationRouted)
	for _, t := range targets {
		n := d.Dispatch(event.New(t.Channel, pub.Event, pub.Payload))
		b.metrics.Dispatched(n)
		if t.Evict {
			evicted := d.Evict(t.Channel)
			b.metrics.Evicted(len(evicted))
		}
	}
}
