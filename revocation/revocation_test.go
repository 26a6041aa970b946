package revocation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/timeline-streaming-go/feed/memoryfeed"
)

type recordingCloser struct {
	mu     sync.Mutex
	closed []string
	codes  []int
}

func (c *recordingCloser) CloseByToken(tokenID string, code int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, tokenID)
	c.codes = append(c.codes, code)
	return 1
}

func (c *recordingCloser) snapshot() ([]string, []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closed...), append([]int(nil), c.codes...)
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSignalsFromFeedCloseConnections(t *testing.T) {
	f := memoryfeed.New()
	closer := &recordingCloser{}
	w := New(f, closer, quiet(), WithTopic("revocations"), WithReconnectBackoff(5*time.Millisecond, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	}()
	eventually(t, "watcher subscribed", func() bool { return len(f.Topics()) == 1 })

	_ = f.Publish(ctx, "revocations", []byte(`garbage`))
	_ = f.Publish(ctx, "revocations", Signal{TokenID: "tok-1"}.Encode())
	eventually(t, "close", func() bool {
		ids, _ := closer.snapshot()
		return len(ids) == 1
	})
	ids, codes := closer.snapshot()
	if ids[0] != "tok-1" || codes[0] != 1000 {
		t.Fatalf("want tok-1 closed with 1000, got %v %v", ids, codes)
	}
	if !w.IsRevoked("tok-1") {
		t.Fatalf("tok-1 should be remembered")
	}

	// Signals keep flowing after a backend outage.
	f.Disconnect()
	f.Reconnect()
	eventually(t, "watcher resubscribed", func() bool { return len(f.Topics()) == 1 })
	_ = f.Publish(ctx, "revocations", Signal{TokenID: "tok-2"}.Encode())
	eventually(t, "close after reconnect", func() bool {
		ids, _ := closer.snapshot()
		return len(ids) == 2
	})
}

func TestScheduledRevocation(t *testing.T) {
	closer := &recordingCloser{}
	w := New(nil, closer, quiet())
	defer w.Close()

	w.Revoke(context.Background(), Signal{TokenID: "later", EffectiveAt: time.Now().Add(50 * time.Millisecond)})
	if ids, _ := closer.snapshot(); len(ids) != 0 {
		t.Fatalf("closed before effective time: %v", ids)
	}
	if w.IsRevoked("later") {
		t.Fatalf("token reported revoked before effective time")
	}
	eventually(t, "scheduled close", func() bool {
		ids, _ := closer.snapshot()
		return len(ids) == 1
	})
	if !w.IsRevoked("later") {
		t.Fatalf("token should be revoked after effective time")
	}
}

func TestPastEffectiveAtAppliesImmediately(t *testing.T) {
	closer := &recordingCloser{}
	w := New(nil, closer, quiet())
	w.Revoke(context.Background(), Signal{TokenID: "old", EffectiveAt: time.Now().Add(-time.Hour)})
	if ids, _ := closer.snapshot(); len(ids) != 1 {
		t.Fatalf("want immediate close got %v", ids)
	}
}

func TestCloseCancelsScheduled(t *testing.T) {
	closer := &recordingCloser{}
	w := New(nil, closer, quiet())
	w.Revoke(context.Background(), Signal{TokenID: "t", EffectiveAt: time.Now().Add(20 * time.Millisecond)})
	w.Close()
	time.Sleep(60 * time.Millisecond)
	if ids, _ := closer.snapshot(); len(ids) != 0 {
		t.Fatalf("cancelled close still ran: %v", ids)
	}
}

func TestRevokedMemoryExpires(t *testing.T) {
	closer := &recordingCloser{}
	now := time.Unix(1_700_000_000, 0)
	w := New(nil, closer, quiet(), WithRememberFor(time.Minute))
	w.now = func() time.Time { return now }

	w.RevokeTokens([]string{"a", "b"})
	if !w.IsRevoked("a") || !w.IsRevoked("b") || w.IsRevoked("c") {
		t.Fatalf("unexpected revoked set")
	}
	now = now.Add(2 * time.Minute)
	if w.IsRevoked("a") {
		t.Fatalf("revocation should be forgotten after the ttl")
	}
	w.Revoke(context.Background(), Signal{TokenID: "c"})
	w.mu.Lock()
	n := len(w.revoked)
	w.mu.Unlock()
	if n != 1 {
		t.Fatalf("expired entries were not swept, %d remain", n)
	}
}

func TestDecodeSignal(t *testing.T) {
	s, err := DecodeSignal([]byte(`{"token_id":"x","effective_at":"2026-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	if s.TokenID != "x" || s.EffectiveAt.Year() != 2026 {
		t.Fatalf("unexpected signal %+v", s)
	}
	if _, err := DecodeSignal([]byte(`{}`)); err == nil {
		t.Fatal("want error for missing token_id")
	}
}
