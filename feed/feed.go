// Package feed defines the backend publish/subscribe contract consumed by the
// bridge and the revocation watcher. Topics are backend-internal names chosen
// by the producing application; payloads are opaque bytes.
//
// Delivery is at-most-once. A Subscription that fails (for example because
// the backend connection dropped) returns an error from Next; callers are
// expected to close it, subscribe again and accept the gap.
package feed

import (
	"context"
	"errors"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("feed: subscription closed")

// Message is one raw publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Feed opens subscriptions.
type Feed interface {
	// Subscribe opens a subscription to topics. The subscription is torn down
	// when ctx is done or Close is called.
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}

// Subscription is a live, mutable set of topics. Next must be called from a
// single goroutine; Add, Remove and Close may be called concurrently with it.
type Subscription interface {
	Add(ctx context.Context, topics ...string) error
	Remove(ctx context.Context, topics ...string) error
	// Next blocks until a message arrives, the subscription fails, it is
	// closed (ErrClosed) or ctx is done.
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Publisher publishes raw messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PubSub is a feed that can also publish.
type PubSub interface {
	Feed
	Publisher
}
