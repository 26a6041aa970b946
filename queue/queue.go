// Package queue implements the per-connection outbound queue: a bounded FIFO
// of events with a configurable overflow policy per channel family, plus a
// small reserved lane for control frames (acks and errors) that are never
// dropped to make room for events.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ggoodman/timeline-streaming-go/channel"
	"github.com/ggoodman/timeline-streaming-go/event"
)

var (
	// ErrOverflow is returned by Enqueue when the queue is full and the event's
	// policy is Disconnect. The connection owning the queue should be closed.
	ErrOverflow = errors.New("queue: overflow")
	// ErrClosed is returned once the queue is closed and fully drained.
	ErrClosed = errors.New("queue: closed")
	// ErrControlLaneFull is returned when the reserved control lane is full.
	ErrControlLaneFull = errors.New("queue: control lane full")
)

// Policy decides what happens to an event that arrives at a full queue.
type Policy uint8

const (
	// DropOldest evicts the oldest queued event to make room.
	DropOldest Policy = iota
	// DropNewest discards the arriving event.
	DropNewest
	// Disconnect rejects the event with ErrOverflow.
	Disconnect
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Disconnect:
		return "disconnect"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

// ParsePolicy parses the names printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop-oldest", "drop_oldest", "oldest":
		return DropOldest, nil
	case "drop-newest", "drop_newest", "newest":
		return DropNewest, nil
	case "disconnect":
		return Disconnect, nil
	}
	return DropOldest, fmt.Errorf("queue: unknown overflow policy %q", s)
}

// Policies maps channel families to overflow policies.
type Policies struct {
	Default   Policy
	Overrides map[channel.Family]Policy
}

// DefaultPolicies drops the oldest event for every family except
// notifications, which disconnect so clients fall back to catch-up.
func DefaultPolicies() Policies {
	return Policies{
		Default: DropOldest,
		Overrides: map[channel.Family]Policy{
			channel.FamilyNotification:           Disconnect,
			channel.FamilyNotificationUnfiltered: Disconnect,
		},
	}
}

// For returns the policy applied to events of family f.
func (p Policies) For(f channel.Family) Policy {
	if pol, ok := p.Overrides[f]; ok {
		return pol
	}
	return p.Default
}

// ParsePolicies parses a comma separated list of family=policy pairs on top of
// def. "notification" also covers the unfiltered notification family unless
// that family is listed explicitly.
func ParsePolicies(def Policy, overrides string) (Policies, error) {
	p := Policies{Default: def, Overrides: map[channel.Family]Policy{}}
	explicit := map[channel.Family]bool{}
	for _, pair := range strings.Split(overrides, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			return Policies{}, fmt.Errorf("queue: malformed override %q", pair)
		}
		fam, err := channel.ParseFamily(name)
		if err != nil {
			return Policies{}, err
		}
		pol, err := ParsePolicy(val)
		if err != nil {
			return Policies{}, err
		}
		p.Overrides[fam] = pol
		explicit[fam] = true
		if fam == channel.FamilyNotification && !explicit[channel.FamilyNotificationUnfiltered] {
			p.Overrides[channel.FamilyNotificationUnfiltered] = pol
		}
	}
	return p, nil
}

// Item is one unit popped from the queue: either a control frame or an event.
type Item struct {
	Control []byte
	Event   *event.Event
}

// Config sizes a Queue.
type Config struct {
	// Size bounds the event lane. Defaults to 256.
	Size int
	// ControlSize bounds the control lane. Defaults to 32.
	ControlSize int
	// Policies selects the overflow policy per family. The zero value means
	// DefaultPolicies; use a non-nil empty Overrides map to apply Default to
	// every family.
	Policies Policies
	// OnDrop, when set, is called for every event discarded by an overflow
	// policy or by Discard. It runs with the queue lock held and must not
	// call back into the queue.
	OnDrop func(*event.Event)
}

// Queue is safe for concurrent producers and a single consumer.
type Queue struct {
	mu       sync.Mutex
	ring     []*event.Event
	head     int
	n        int
	control  [][]byte
	ctrlCap  int
	policies Policies
	onDrop   func(*event.Event)
	closed   bool
	dropped  uint64
	notify   chan struct{}
}

// New creates a queue.
func New(cfg Config) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if cfg.ControlSize <= 0 {
		cfg.ControlSize = 32
	}
	if cfg.Policies.Overrides == nil && cfg.Policies.Default == DropOldest {
		cfg.Policies = DefaultPolicies()
	}
	return &Queue{
		ring:     make([]*event.Event, cfg.Size),
		ctrlCap:  cfg.ControlSize,
		policies: cfg.Policies,
		onDrop:   cfg.OnDrop,
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue appends ev. It never blocks. When the event lane is full the
// policy for ev's family decides the outcome; only Disconnect returns an
// error. Enqueue on a closed queue returns ErrClosed.
func (q *Queue) Enqueue(ev *event.Event) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.n == len(q.ring) {
		switch q.policies.For(ev.Channel.Family()) {
		case DropNewest:
			q.drop(ev)
			q.mu.Unlock()
			return nil
		case Disconnect:
			q.mu.Unlock()
			return ErrOverflow
		default:
			q.drop(q.ring[q.head])
			q.ring[q.head] = nil
			q.head = (q.head + 1) % len(q.ring)
			q.n--
		}
	}
	q.ring[(q.head+q.n)%len(q.ring)] = ev
	q.n++
	q.mu.Unlock()
	q.wake()
	return nil
}

// EnqueueControl appends a control frame to the reserved lane. Control frames
// are popped before any queued event.
func (q *Queue) EnqueueControl(frame []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if len(q.control) >= q.ctrlCap {
		q.mu.Unlock()
		return ErrControlLaneFull
	}
	q.control = append(q.control, frame)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Next blocks until an item is available, the queue is closed and empty
// (ErrClosed), or ctx is done.
func (q *Queue) Next(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if len(q.control) > 0 {
			f := q.control[0]
			q.control[0] = nil
			q.control = q.control[1:]
			q.mu.Unlock()
			return Item{Control: f}, nil
		}
		if q.n > 0 {
			ev := q.ring[q.head]
			q.ring[q.head] = nil
			q.head = (q.head + 1) % len(q.ring)
			q.n--
			q.mu.Unlock()
			return Item{Event: ev}, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Item{}, ErrClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// Close stops accepting new items. Items already queued can still be drained
// with Next. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// CloseDiscard closes the queue and drops every queued event under one lock,
// so Next can return only control frames afterwards.
func (q *Queue) CloseDiscard() int {
	q.mu.Lock()
	q.closed = true
	n := q.discardLocked()
	q.mu.Unlock()
	q.wake()
	return n
}

// Discard drops every queued event, keeping control frames.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discardLocked()
}

func (q *Queue) discardLocked() int {
	n := q.n
	for q.n > 0 {
		q.drop(q.ring[q.head])
		q.ring[q.head] = nil
		q.head = (q.head + 1) % len(q.ring)
		q.n--
	}
	return n
}

// Len returns the number of queued events and control frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n + len(q.control)
}

// Dropped returns how many events were discarded so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *Queue) drop(ev *event.Event) {
	q.dropped++
	if q.onDrop != nil {
		q.onDrop(ev)
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
