// Package redisfeed implements feed.PubSub on Redis Pub/Sub.
package redisfeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ggoodman/timeline-streaming-go/feed"
	"github.com/redis/go-redis/v9"
)

// Feed is a Redis Pub/Sub backed feed. Topics are namespaced with KeyPrefix so
// several deployments can share one Redis.
type Feed struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Config contains configuration options for the Redis feed.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every topic on the wire and stripped from
	// received messages. Empty means no prefix.
	KeyPrefix string
}

// New creates a new Redis-based feed.
func New(config Config) *Feed {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}
	return &Feed{
		client:    client,
		keyPrefix: config.KeyPrefix,
	}
}

var _ feed.PubSub = (*Feed)(nil)

// Close closes the Redis connection.
func (f *Feed) Close() error {
	return f.client.Close()
}

// Publish implements feed.Publisher.
func (f *Feed) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := f.client.Publish(ctx, f.keyPrefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements feed.Feed. When topics are given, Subscribe waits for
// the server to confirm the first of them before returning.
func (f *Feed) Subscribe(ctx context.Context, topics ...string) (feed.Subscription, error) {
	ps := f.client.Subscribe(ctx, f.keys(topics)...)
	if len(topics) > 0 {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	s := &subscription{f: f, ps: ps}
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

func (f *Feed) keys(topics []string) []string {
	if f.keyPrefix == "" {
		return topics
	}
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = f.keyPrefix + t
	}
	return out
}

type subscription struct {
	f      *Feed
	ps     *redis.PubSub
	stop   func() bool
	closed atomic.Bool

	// pending is the in-flight receive, owned by the Next caller. go-redis
	// only honours context deadlines while reading, so cancellation is
	// handled here and the receive is picked up again by the next call.
	pending chan received
}

type received struct {
	msg *redis.Message
	err error
}

func (s *subscription) Add(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if s.closed.Load() {
		return feed.ErrClosed
	}
	return s.ps.Subscribe(ctx, s.f.keys(topics)...)
}

func (s *subscription) Remove(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if s.closed.Load() {
		return feed.ErrClosed
	}
	return s.ps.Unsubscribe(ctx, s.f.keys(topics)...)
}

func (s *subscription) Next(ctx context.Context) (feed.Message, error) {
	if s.closed.Load() {
		return feed.Message{}, feed.ErrClosed
	}
	if s.pending == nil {
		ch := make(chan received, 1)
		s.pending = ch
		go func() {
			msg, err := s.ps.ReceiveMessage(context.Background())
			ch <- received{msg: msg, err: err}
		}()
	}
	var r received
	select {
	case r = <-s.pending:
		s.pending = nil
	case <-ctx.Done():
		return feed.Message{}, ctx.Err()
	}
	msg, err := r.msg, r.err
	if err != nil {
		if s.closed.Load() || errors.Is(err, redis.ErrClosed) {
			return feed.Message{}, feed.ErrClosed
		}
		return feed.Message{}, err
	}
	return feed.Message{
		Topic:   strings.TrimPrefix(msg.Channel, s.f.keyPrefix),
		Payload: []byte(msg.Payload),
	}, nil
}

func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.stop != nil {
		s.stop()
	}
	return s.ps.Close()
}
