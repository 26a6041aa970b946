package redisfeed

import (
	"context"
	"testing"

	"github.com/ggoodman/timeline-streaming-go/feed"
	"github.com/ggoodman/timeline-streaming-go/feed/feedtest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisFeed(t *testing.T) {
	// Skip if Redis is not available
	testClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	if err := testClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	testClient.Close()

	factory := func(t *testing.T) feed.PubSub {
		client := redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
		f := New(Config{
			Client:    client,
			KeyPrefix: "test:feed:" + uuid.NewString() + ":",
		})
		t.Cleanup(func() { _ = f.Close() })
		return f
	}

	feedtest.RunFeedTests(t, factory)
}
