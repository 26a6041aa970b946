package bridge

import (
	"encoding/json"
	"strings"

	"github.com/ggoodman/timeline-streaming-go/channel"
)

// Backend topic names.
const (
	topicPrefix = "timeline"
	// TopicStatus carries combined status publications with target hints.
	TopicStatus = "timeline:status"
)

// Event types with routing significance.
const (
	EventNotification = "notification"
	EventListDeleted  = "list.deleted"
)

// Publication is the JSON body of a raw backend publication.
type Publication struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	// QueuedAt is the producer's enqueue time in Unix milliseconds.
	QueuedAt int64    `json:"queued_at,omitempty"`
	Targets  *Targets `json:"targets,omitempty"`
}

// Targets lists the channels a combined status publication reaches.
type Targets struct {
	Local    bool     `json:"local,omitempty"`
	Remote   bool     `json:"remote,omitempty"`
	Media    bool     `json:"media,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
	Lists    []string `json:"lists,omitempty"`
}

// Target is one client channel a publication is routed to. Evict asks the
// bridge to drop every subscription to Channel after delivery.
type Target struct {
	Channel channel.ID
	Evict   bool
}

// DecodePublication parses a raw payload.
func DecodePublication(data []byte) (Publication, error) {
	var p Publication
	err := json.Unmarshal(data, &p)
	return p, err
}

// Expand maps a backend publication to the client channels it reaches. It is a
// pure function of its inputs; unknown topics map to nothing.
func Expand(topic string, pub Publication) []Target {
	parts := strings.Split(topic, ":")
	if len(parts) < 2 || parts[0] != topicPrefix || pub.Event == "" {
		return nil
	}
	for _, p := range parts[1:] {
		if p == "" {
			return nil
		}
	}
	rest := parts[2:]

	switch parts[1] {
	case "public":
		id, ok := publicTopic(rest)
		if !ok {
			return nil
		}
		return one(id)
	case "hashtag":
		switch {
		case len(rest) == 1:
			return one(channel.Hashtag(rest[0], false))
		case len(rest) == 2 && rest[1] == "local":
			return one(channel.Hashtag(rest[0], true))
		}
		return nil
	case "direct":
		if len(rest) != 1 {
			return nil
		}
		return one(channel.Direct(rest[0]))
	case "list":
		if len(rest) != 1 {
			return nil
		}
		return []Target{{Channel: channel.List(rest[0]), Evict: pub.Event == EventListDeleted}}
	case "system":
		if len(rest) != 1 {
			return nil
		}
		return one(channel.Home(rest[0]))
	case "status":
		if len(rest) != 0 || pub.Targets == nil {
			return nil
		}
		return expandStatus(pub.Targets)
	}

	account := parts[1]
	switch {
	case len(rest) == 0 && pub.Event == EventNotification:
		return []Target{
			{Channel: channel.Notifications(account)},
			{Channel: channel.UnfilteredNotifications(account)},
		}
	case len(rest) == 0:
		return one(channel.Home(account))
	case len(rest) == 1 && rest[0] == "notifications":
		return one(channel.UnfilteredNotifications(account))
	}
	return nil
}

func one(id channel.ID) []Target {
	return []Target{{Channel: id}}
}

func publicTopic(rest []string) (channel.ID, bool) {
	loc := channel.LocalityAll
	media := false
	for i, p := range rest {
		switch {
		case p == "local" && i == 0:
			loc = channel.LocalityLocal
		case p == "remote" && i == 0:
			loc = channel.LocalityRemote
		case p == "media" && i == len(rest)-1:
			media = true
		default:
			return channel.ID{}, false
		}
	}
	return channel.Public(loc, media), true
}

func expandStatus(t *Targets) []Target {
	var out []Target
	add := func(id channel.ID) { out = append(out, Target{Channel: id}) }

	if t.Local || t.Remote {
		loc := channel.LocalityRemote
		if t.Local {
			loc = channel.LocalityLocal
		}
		add(channel.Public(channel.LocalityAll, false))
		add(channel.Public(loc, false))
		if t.Media {
			add(channel.Public(channel.LocalityAll, true))
			add(channel.Public(loc, true))
		}
	}
	seen := map[string]bool{}
	for _, tag := range t.Tags {
		tag = channel.NormalizeTag(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		add(channel.Hashtag(tag, false))
		if t.Local {
			add(channel.Hashtag(tag, true))
		}
	}
	for _, a := range dedupe(t.Accounts) {
		add(channel.Home(a))
	}
	for _, l := range dedupe(t.Lists) {
		add(channel.List(l))
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Topics returns the backend topics that can produce events for id. It is the
// inverse of Expand and drives on-demand backend subscriptions.
func Topics(id channel.ID) []string {
	switch id.Family() {
	case channel.FamilyHome:
		return []string{topicPrefix + ":" + id.Account(), topicPrefix + ":system:" + id.Account(), TopicStatus}
	case channel.FamilyNotification:
		return []string{topicPrefix + ":" + id.Account()}
	case channel.FamilyNotificationUnfiltered:
		return []string{topicPrefix + ":" + id.Account(), topicPrefix + ":" + id.Account() + ":notifications"}
	case channel.FamilyDirect:
		return []string{topicPrefix + ":direct:" + id.Account()}
	case channel.FamilyPublic:
		t := topicPrefix + ":public"
		switch id.Locality() {
		case channel.LocalityLocal:
			t += ":local"
		case channel.LocalityRemote:
			t += ":remote"
		}
		if id.OnlyMedia() {
			t += ":media"
		}
		return []string{t, TopicStatus}
	case channel.FamilyHashtag:
		t := topicPrefix + ":hashtag:" + id.Tag()
		if id.LocalOnly() {
			t += ":local"
		}
		return []string{t, TopicStatus}
	case channel.FamilyList:
		return []string{topicPrefix + ":list:" + id.ListID(), TopicStatus}
	}
	return nil
}
