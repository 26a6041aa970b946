// Package feedtest holds a conformance suite every feed.PubSub must pass.
package feedtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/timeline-streaming-go/feed"
)

// Factory creates a new, isolated feed for one test.
type Factory func(t *testing.T) feed.PubSub

// settle gives asynchronous backends time to apply subscription changes.
const settle = 100 * time.Millisecond

// RunFeedTests runs the complete feed test suite against the provided factory.
func RunFeedTests(t *testing.T, factory Factory) {
	t.Run("PublishAndReceive", func(t *testing.T) {
		testPublishAndReceive(t, factory)
	})
	t.Run("OrderPreserved", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("AddAndRemove", func(t *testing.T) {
		testAddAndRemove(t, factory)
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("CloseStopsNext", func(t *testing.T) {
		testCloseStopsNext(t, factory)
	})
	t.Run("ContextCancellation", func(t *testing.T) {
		testContextCancellation(t, factory)
	})
}

func next(t *testing.T, sub feed.Subscription) feed.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return msg
}

func expectNothing(t *testing.T, sub feed.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	msg, err := sub.Next(ctx)
	if err == nil {
		t.Fatalf("unexpected message on %q: %s", msg.Topic, msg.Payload)
	}
}

func publish(t *testing.T, p feed.Publisher, topic, payload string) {
	t.Helper()
	if err := p.Publish(context.Background(), topic, []byte(payload)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func testPublishAndReceive(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.Subscribe(ctx, "timeline:1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	time.Sleep(settle)

	publish(t, f, "timeline:1", `{"event":"update"}`)
	msg := next(t, sub)
	if msg.Topic != "timeline:1" {
		t.Fatalf("want topic timeline:1 got %q", msg.Topic)
	}
	if string(msg.Payload) != `{"event":"update"}` {
		t.Fatalf("unexpected payload %s", msg.Payload)
	}
}

func testOrderPreserved(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.Subscribe(ctx, "ordered")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	time.Sleep(settle)

	const n = 50
	for i := 0; i < n; i++ {
		publish(t, f, "ordered", fmt.Sprint(i))
	}
	for i := 0; i < n; i++ {
		if got := string(next(t, sub).Payload); got != fmt.Sprint(i) {
			t.Fatalf("message %d: got %s", i, got)
		}
	}
}

func testTopicIsolation(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.Subscribe(ctx, "a")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	time.Sleep(settle)

	publish(t, f, "b", "nope")
	publish(t, f, "a", "yes")
	if got := next(t, sub); got.Topic != "a" || string(got.Payload) != "yes" {
		t.Fatalf("unexpected message %q %s", got.Topic, got.Payload)
	}
	expectNothing(t, sub)
}

func testAddAndRemove(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := sub.Add(ctx, "x", "y"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	time.Sleep(settle)
	publish(t, f, "x", "1")
	publish(t, f, "y", "2")
	if got := next(t, sub); got.Topic != "x" {
		t.Fatalf("want x got %q", got.Topic)
	}
	if got := next(t, sub); got.Topic != "y" {
		t.Fatalf("want y got %q", got.Topic)
	}

	if err := sub.Remove(ctx, "x"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	time.Sleep(settle)
	publish(t, f, "x", "3")
	publish(t, f, "y", "4")
	if got := next(t, sub); got.Topic != "y" || string(got.Payload) != "4" {
		t.Fatalf("unexpected message %q %s", got.Topic, got.Payload)
	}
	expectNothing(t, sub)
}

func testMultipleSubscribers(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var subs []feed.Subscription
	for i := 0; i < 3; i++ {
		sub, err := f.Subscribe(ctx, "shared")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer sub.Close()
		subs = append(subs, sub)
	}
	time.Sleep(settle)

	publish(t, f, "shared", "hello")
	for i, sub := range subs {
		if got := string(next(t, sub).Payload); got != "hello" {
			t.Fatalf("subscriber %d got %s", i, got)
		}
	}
}

func testCloseStopsNext(t *testing.T, factory Factory) {
	f := factory(t)
	sub, err := f.Subscribe(context.Background(), "c")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(settle)
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, feed.ErrClosed) {
			t.Fatalf("want ErrClosed got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func testContextCancellation(t *testing.T, factory Factory) {
	f := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := f.Subscribe(context.Background(), "cancel")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		errCh <- err
	}()
	time.Sleep(settle)
	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("want error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next ignored context cancellation")
	}
}
