// Package memoryfeed provides an in-process feed.PubSub. It is suitable for
// single-node deployments and tests; Disconnect simulates a backend outage.
package memoryfeed

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/timeline-streaming-go/feed"
)

// ErrDisconnected is returned by Next on subscriptions dropped by Disconnect.
var ErrDisconnected = errors.New("memoryfeed: disconnected")

// Feed implements feed.PubSub.
type Feed struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
	down bool
}

// New creates an empty feed.
func New() *Feed {
	return &Feed{subs: make(map[*subscription]struct{})}
}

var _ feed.PubSub = (*Feed)(nil)

type subscription struct {
	f *Feed

	mu      sync.Mutex
	topics  map[string]struct{}
	pending []feed.Message
	err     error
	notify  chan struct{}
	stop    func() bool
}

// Subscribe implements feed.Feed.
func (f *Feed) Subscribe(ctx context.Context, topics ...string) (feed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, ErrDisconnected
	}
	s := &subscription{f: f, topics: make(map[string]struct{}), notify: make(chan struct{}, 1)}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	f.subs[s] = struct{}{}
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

// Publish implements feed.Publisher. Messages are appended to each matching
// subscription in publish order.
func (f *Feed) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	msg := feed.Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	for s := range f.subs {
		s.offer(msg)
	}
	return nil
}

// Disconnect fails every open subscription and rejects new ones until
// Reconnect is called.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*subscription]struct{})
	f.down = true
	f.mu.Unlock()
	for s := range subs {
		s.fail(ErrDisconnected)
	}
}

// Reconnect allows subscriptions again.
func (f *Feed) Reconnect() {
	f.mu.Lock()
	f.down = false
	f.mu.Unlock()
}

// Topics returns the union of topics held by open subscriptions.
func (f *Feed) Topics() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for s := range f.subs {
		s.mu.Lock()
		for t := range s.topics {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
		s.mu.Unlock()
	}
	return out
}

func (s *subscription) offer(msg feed.Message) {
	s.mu.Lock()
	if _, ok := s.topics[msg.Topic]; !ok || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	s.wake()
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.wake()
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) Add(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	return nil
}

func (s *subscription) Remove(ctx context.Context, topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, t := range topics {
		delete(s.topics, t)
	}
	return nil
}

func (s *subscription) Next(ctx context.Context) (feed.Message, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return msg, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return feed.Message{}, err
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return feed.Message{}, ctx.Err()
		}
	}
}

func (s *subscription) Close() error {
	s.f.mu.Lock()
	delete(s.f.subs, s)
	s.f.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = feed.ErrClosed
	}
	s.pending = nil
	s.mu.Unlock()
	s.wake()
	return nil
}
