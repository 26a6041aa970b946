// Package event holds the normalized inbound event that flows from the bridge
// through the registry to connection queues, and the JSON frames written to
// clients.
package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ggoodman/timeline-streaming-go/channel"
)

// Event is one inbound event bound to a single channel. An Event is shared by
// every connection subscribed to its channel and must not be mutated after it
// has been dispatched.
type Event struct {
	Channel    channel.ID
	Type       string
	Payload    json.RawMessage
	ReceivedAt time.Time

	once  sync.Once
	frame []byte
	err   error
}

// New returns an Event for ch.
func New(ch channel.ID, typ string, payload json.RawMessage) *Event {
	return &Event{Channel: ch, Type: typ, Payload: payload, ReceivedAt: time.Now()}
}

// Frame returns the encoded event frame. It is computed once and shared by all
// recipients.
func (e *Event) Frame() ([]byte, error) {
	e.once.Do(func() {
		e.frame, e.err = json.Marshal(eventFrame{
			Stream:  e.Channel.Stream(),
			Event:   e.Type,
			Payload: e.Payload,
		})
	})
	return e.frame, e.err
}

type eventFrame struct {
	Stream  []string        `json:"stream"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorFrame is sent in-band for denied subscriptions and malformed control
// messages.
type ErrorFrame struct {
	Error  string   `json:"error"`
	Status int      `json:"status"`
	Stream []string `json:"stream,omitempty"`
}

// Ack event names.
const (
	AckSubscribed   = "subscribed"
	AckUnsubscribed = "unsubscribed"
)

// AckFrame confirms a subscribe or unsubscribe request.
type AckFrame struct {
	Stream []string `json:"stream"`
	Event  string   `json:"event"`
}

// NewErrorFrame encodes an error frame. ch may be the zero ID when the error is
// not tied to a channel.
func NewErrorFrame(msg string, status int, ch channel.ID) []byte {
	f := ErrorFrame{Error: msg, Status: status}
	if !ch.IsZero() {
		f.Stream = ch.Stream()
	}
	b, _ := json.Marshal(f)
	return b
}

// NewAckFrame encodes an acknowledgement for ch.
func NewAckFrame(ch channel.ID, ack string) []byte {
	b, _ := json.Marshal(AckFrame{Stream: ch.Stream(), Event: ack})
	return b
}

// Control message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// ControlMessage is a client request. Older clients send the channel in
// "stream" and the tag or list id at the top level.
type ControlMessage struct {
	Type    string            `json:"type"`
	Channel string            `json:"channel,omitempty"`
	Stream  string            `json:"stream,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Tag     string            `json:"tag,omitempty"`
	List    string            `json:"list,omitempty"`
}

// ChannelName returns the requested channel name from either field.
func (m ControlMessage) ChannelName() string {
	if m.Channel != "" {
		return m.Channel
	}
	return m.Stream
}

// ChannelParams merges top-level legacy fields into the params map.
func (m ControlMessage) ChannelParams() map[string]string {
	out := make(map[string]string, len(m.Params)+2)
	for k, v := range m.Params {
		out[k] = v
	}
	if m.Tag != "" {
		if _, ok := out[channel.ParamTag]; !ok {
			out[channel.ParamTag] = m.Tag
		}
	}
	if m.List != "" {
		if _, ok := out[channel.ParamList]; !ok {
			out[channel.ParamList] = m.List
		}
	}
	return out
}

// ParseControlMessage decodes a client frame.
func ParseControlMessage(data []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ControlMessage{}, err
	}
	return m, nil
}
