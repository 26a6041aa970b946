package event

import (
	"encoding/json"
	"testing"

	"github.com/ggoodman/timeline-streaming-go/channel"
)

func TestFrameShape(t *testing.T) {
	ev := New(channel.Public(channel.LocalityLocal, false), "update", json.RawMessage(`{"id":"1"}`))
	b, err := ev.Frame()
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	want := `{"stream":["timeline:public:local"],"event":"update","payload":{"id":"1"}}`
	if string(b) != want {
		t.Fatalf("want %s got %s", want, b)
	}
	again, _ := ev.Frame()
	if &again[0] != &b[0] {
		t.Fatalf("frame was re-encoded")
	}
}

func TestErrorAndAckFrames(t *testing.T) {
	got := string(NewErrorFrame("forbidden", 401, channel.Notifications("1")))
	want := `{"error":"forbidden","status":401,"stream":["user:notification:1"]}`
	if got != want {
		t.Fatalf("want %s got %s", want, got)
	}
	got = string(NewErrorFrame("bad frame", 400, channel.ID{}))
	want = `{"error":"bad frame","status":400}`
	if got != want {
		t.Fatalf("want %s got %s", want, got)
	}
	got = string(NewAckFrame(channel.List("17"), AckSubscribed))
	want = `{"stream":["list:17"],"event":"subscribed"}`
	if got != want {
		t.Fatalf("want %s got %s", want, got)
	}
}

func TestControlMessageLegacyFields(t *testing.T) {
	m, err := ParseControlMessage([]byte(`{"type":"subscribe","stream":"hashtag","tag":"go"}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.ChannelName() != "hashtag" {
		t.Fatalf("want hashtag got %q", m.ChannelName())
	}
	if m.ChannelParams()["tag"] != "go" {
		t.Fatalf("tag not merged: %v", m.ChannelParams())
	}

	m, err = ParseControlMessage([]byte(`{"type":"subscribe","channel":"list","params":{"list":"1"},"list":"2"}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.ChannelParams()["list"] != "1" {
		t.Fatalf("explicit params should win: %v", m.ChannelParams())
	}

	if _, err := ParseControlMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
