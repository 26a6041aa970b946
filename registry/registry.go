// Package registry maintains the subscription index shared by every
// connection: a forward index (connection -> channels) and a reverse index
// (channel -> connections), both sharded by key hash so that concurrent
// Dispatch calls and subscription changes never contend on a single lock.
//
// Locks are always taken connection shard first, channel shard second. No
// method performs I/O while holding a lock; Dispatch snapshots the subscriber
// set under a read lock and delivers after releasing it.
package registry

import (
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/ggoodman/timeline-streaming-go/channel"
	"github.com/ggoodman/timeline-streaming-go/event"
)

// Subscriber receives events for the channels it is subscribed to. Deliver
// must not block; connections enqueue into their own bounded queue.
type Subscriber interface {
	ConnectionID() string
	Deliver(ev *event.Event)
}

// Observer is told when a channel gains its first subscriber or loses its
// last one. Calls happen with a shard lock held and must only update memory.
type Observer interface {
	ChannelActive(id channel.ID)
	ChannelIdle(id channel.ID)
}

// Option configures a Registry.
type Option func(*Registry)

// WithShards sets the number of shards for each index. Defaults to 64.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = n
		}
	}
}

// WithObserver installs an observer for channel demand changes.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// Registry is safe for concurrent use.
type Registry struct {
	shards   int
	observer Observer
	log      *slog.Logger

	channels []*channelShard
	conns    []*connShard
}

type channelShard struct {
	mu sync.RWMutex
	m  map[string]*channelEntry
}

type channelEntry struct {
	id   channel.ID
	subs map[string]Subscriber
}

type connShard struct {
	mu sync.Mutex
	m  map[string]*connEntry
}

type connEntry struct {
	sub      Subscriber
	channels map[string]channel.ID
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{shards: 64}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.channels = make([]*channelShard, r.shards)
	r.conns = make([]*connShard, r.shards)
	for i := 0; i < r.shards; i++ {
		r.channels[i] = &channelShard{m: make(map[string]*channelEntry)}
		r.conns[i] = &connShard{m: make(map[string]*connEntry)}
	}
	return r
}

func (r *Registry) channelShard(key string) *channelShard {
	return r.channels[xxhash.Sum64String(key)%uint64(r.shards)]
}

func (r *Registry) connShard(connID string) *connShard {
	return r.conns[xxhash.Sum64String(connID)%uint64(r.shards)]
}

// Add subscribes sub to id. It reports false when the subscription already
// existed.
func (r *Registry) Add(sub Subscriber, id channel.ID) bool {
	connID := sub.ConnectionID()
	key := id.Key()

	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ce, ok := cs.m[connID]
	if !ok {
		ce = &connEntry{sub: sub, channels: make(map[string]channel.ID)}
		cs.m[connID] = ce
	}
	if _, dup := ce.channels[key]; dup {
		return false
	}
	ce.channels[key] = id

	sh := r.channelShard(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if !ok {
		e = &channelEntry{id: id, subs: make(map[string]Subscriber)}
		sh.m[key] = e
		if r.observer != nil {
			r.observer.ChannelActive(id)
		}
	}
	e.subs[connID] = sub
	sh.mu.Unlock()
	return true
}

// Remove unsubscribes connID from id. It reports whether the subscription
// existed.
func (r *Registry) Remove(connID string, id channel.ID) bool {
	key := id.Key()

	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ce, ok := cs.m[connID]
	if !ok {
		return false
	}
	if _, ok := ce.channels[key]; !ok {
		return false
	}
	delete(ce.channels, key)
	if len(ce.channels) == 0 {
		delete(cs.m, connID)
	}
	r.unlinkLocked(connID, key)
	return true
}

// RemoveAllForConnection drops every subscription of connID and returns the
// channels it held. A second call for the same connection is a no-op.
func (r *Registry) RemoveAllForConnection(connID string) []channel.ID {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ce, ok := cs.m[connID]
	if !ok {
		return nil
	}
	delete(cs.m, connID)

	out := make([]channel.ID, 0, len(ce.channels))
	for key, id := range ce.channels {
		r.unlinkLocked(connID, key)
		out = append(out, id)
	}
	return out
}

// unlinkLocked removes connID from the reverse index entry for key. The
// caller holds the connection shard lock.
func (r *Registry) unlinkLocked(connID, key string) {
	sh := r.channelShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.m[key]
	if !ok {
		return
	}
	delete(e.subs, connID)
	if len(e.subs) == 0 {
		delete(sh.m, key)
		if r.observer != nil {
			r.observer.ChannelIdle(e.id)
		}
	}
}

// Dispatch delivers ev to every subscriber of ev.Channel and returns how many
// subscribers it reached.
func (r *Registry) Dispatch(ev *event.Event) int {
	key := ev.Channel.Key()
	sh := r.channelShard(key)

	sh.mu.RLock()
	e, ok := sh.m[key]
	if !ok {
		sh.mu.RUnlock()
		return 0
	}
	subs := make([]Subscriber, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	sh.mu.RUnlock()

	for _, s := range subs {
		s.Deliver(ev)
	}
	return len(subs)
}

// Evict removes every subscription to id, for example after the backing list
// was deleted. It returns the connection ids that were evicted.
func (r *Registry) Evict(id channel.ID) []string {
	key := id.Key()
	sh := r.channelShard(key)

	sh.mu.RLock()
	e, ok := sh.m[key]
	var connIDs []string
	if ok {
		connIDs = make([]string, 0, len(e.subs))
		for connID := range e.subs {
			connIDs = append(connIDs, connID)
		}
	}
	sh.mu.RUnlock()

	evicted := connIDs[:0]
	for _, connID := range connIDs {
		if r.Remove(connID, id) {
			evicted = append(evicted, connID)
		}
	}
	if len(evicted) > 0 {
		r.log.Debug("registry.evict", slog.String("channel", key), slog.Int("connections", len(evicted)))
	}
	return evicted
}

// Has reports whether connID is subscribed to id.
func (r *Registry) Has(connID string, id channel.ID) bool {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ce, ok := cs.m[connID]
	if !ok {
		return false
	}
	_, ok = ce.channels[id.Key()]
	return ok
}

// Subscriptions returns the channels connID is subscribed to.
func (r *Registry) Subscriptions(connID string) []channel.ID {
	cs := r.connShard(connID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ce, ok := cs.m[connID]
	if !ok {
		return nil
	}
	out := make([]channel.ID, 0, len(ce.channels))
	for _, id := range ce.channels {
		out = append(out, id)
	}
	return out
}

// Subscribers returns the connection ids subscribed to id.
func (r *Registry) Subscribers(id channel.ID) []string {
	key := id.Key()
	sh := r.channelShard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.m[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.subs))
	for connID := range e.subs {
		out = append(out, connID)
	}
	return out
}

// Channels returns every channel with at least one subscriber.
func (r *Registry) Channels() []channel.ID {
	var out []channel.ID
	for _, sh := range r.channels {
		sh.mu.RLock()
		for _, e := range sh.m {
			out = append(out, e.id)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Stats is a point-in-time view of the registry size.
type Stats struct {
	Connections   int
	Channels      int
	Subscriptions int
}

// Stats counts connections, active channels and subscriptions. Shards are
// visited one at a time, so the result is not an atomic snapshot.
func (r *Registry) Stats() Stats {
	var s Stats
	for _, cs := range r.conns {
		cs.mu.Lock()
		s.Connections += len(cs.m)
		for _, ce := range cs.m {
			s.Subscriptions += len(ce.channels)
		}
		cs.mu.Unlock()
	}
	for _, sh := range r.channels {
		sh.mu.RLock()
		s.Channels += len(sh.m)
		sh.mu.RUnlock()
	}
	return s
}
