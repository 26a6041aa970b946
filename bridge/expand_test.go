package bridge

import (
	"encoding/json"
	"testing"

	"github.com/ggoodman/timeline-streaming-go/channel"
)

func keys(ts []Target) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Channel.Key()
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestExpand(t *testing.T) {
	update := Publication{Event: "update", Payload: json.RawMessage(`"{}"`)}
	notification := Publication{Event: EventNotification}

	cases := []struct {
		topic string
		pub   Publication
		want  []string
	}{
		{"timeline:42", update, []string{"timeline:home:42"}},
		{"timeline:42", notification, []string{"user:notification:42", "user:notification:unfiltered:42"}},
		{"timeline:42:notifications", notification, []string{"user:notification:unfiltered:42"}},
		{"timeline:system:42", Publication{Event: "filters_changed"}, []string{"timeline:home:42"}},
		{"timeline:direct:42", Publication{Event: "conversation"}, []string{"direct:42"}},
		{"timeline:list:17", update, []string{"list:17"}},
		{"timeline:public", update, []string{"timeline:public"}},
		{"timeline:public:local", update, []string{"timeline:public:local"}},
		{"timeline:public:remote:media", update, []string{"timeline:public:remote:media"}},
		{"timeline:public:media", update, []string{"timeline:public:media"}},
		{"timeline:hashtag:golang", update, []string{"hashtag:golang"}},
		{"timeline:hashtag:golang:local", update, []string{"hashtag:local:golang"}},

		{"timeline:public:media:local", update, nil},
		{"timeline:public:bogus", update, nil},
		{"timeline:hashtag", update, nil},
		{"timeline:42:other", update, nil},
		{"timeline::x", update, nil},
		{"other:42", update, nil},
		{"timeline:42", Publication{}, nil},
		{"timeline:status", update, nil},
	}
	for _, tc := range cases {
		got := keys(Expand(tc.topic, tc.pub))
		if !equal(got, tc.want) {
			t.Fatalf("%s/%s: want %v got %v", tc.topic, tc.pub.Event, tc.want, got)
		}
	}
}

func TestExpandStatus(t *testing.T) {
	pub := Publication{
		Event: "update",
		Targets: &Targets{
			Local:    true,
			Media:    true,
			Tags:     []string{"Go", "go", "rust"},
			Accounts: []string{"1", "2", "1"},
			Lists:    []string{"17"},
		},
	}
	want := []string{
		"timeline:public",
		"timeline:public:local",
		"timeline:public:media",
		"timeline:public:local:media",
		"hashtag:go",
		"hashtag:local:go",
		"hashtag:rust",
		"hashtag:local:rust",
		"timeline:home:1",
		"timeline:home:2",
		"list:17",
	}
	if got := keys(Expand(TopicStatus, pub)); !equal(got, want) {
		t.Fatalf("want %v got %v", want, got)
	}

	remote := Publication{Event: "update", Targets: &Targets{Remote: true, Tags: []string{"x"}}}
	want = []string{"timeline:public", "timeline:public:remote", "hashtag:x"}
	if got := keys(Expand(TopicStatus, remote)); !equal(got, want) {
		t.Fatalf("want %v got %v", want, got)
	}
}

func TestListDeletedEvicts(t *testing.T) {
	ts := Expand("timeline:list:17", Publication{Event: EventListDeleted})
	if len(ts) != 1 || !ts[0].Evict || ts[0].Channel != channel.List("17") {
		t.Fatalf("unexpected targets %+v", ts)
	}
	if ts := Expand("timeline:list:17", Publication{Event: "update"}); ts[0].Evict {
		t.Fatalf("update must not evict")
	}
}

// Every channel can be reached from at least one of the topics Topics
// returns for it.
func TestTopicsInvertExpand(t *testing.T) {
	ids := []channel.ID{
		channel.Home("42"),
		channel.Notifications("42"),
		channel.UnfilteredNotifications("42"),
		channel.Direct("42"),
		channel.Public(channel.LocalityAll, false),
		channel.Public(channel.LocalityLocal, false),
		channel.Public(channel.LocalityRemote, true),
		channel.Hashtag("go", false),
		channel.Hashtag("go", true),
		channel.List("17"),
	}
	events := []string{"update", EventNotification, "conversation"}
	for _, id := range ids {
		topics := Topics(id)
		if len(topics) == 0 {
			t.Fatalf("%s: no topics", id)
		}
		found := false
		for _, topic := range topics {
			for _, ev := range events {
				for _, target := range Expand(topic, Publication{Event: ev}) {
					if target.Channel == id {
						found = true
					}
				}
			}
		}
		if !found {
			t.Fatalf("%s: unreachable from topics %v", id, topics)
		}
	}
}

func TestDecodePublication(t *testing.T) {
	pub, err := DecodePublication([]byte(`{"event":"update","payload":"{\"id\":\"1\"}","queued_at":1700000000000}`))
	if err != nil {
		t.Fatal(err)
	}
	if pub.Event != "update" || pub.QueuedAt != 1700000000000 || string(pub.Payload) != `"{\"id\":\"1\"}"` {
		t.Fatalf("unexpected publication %+v", pub)
	}
	if _, err := DecodePublication([]byte(`nope`)); err == nil {
		t.Fatal("want decode error")
	}
}
