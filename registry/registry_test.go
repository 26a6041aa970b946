package registry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/ggoodman/timeline-streaming-go/channel"
	"github.com/ggoodman/timeline-streaming-go/event"
)

type recorder struct {
	id string
	mu sync.Mutex
	ev []*event.Event
}

func (r *recorder) ConnectionID() string { return r.id }

func (r *recorder) Deliver(ev *event.Event) {
	r.mu.Lock()
	r.ev = append(r.ev, ev)
	r.mu.Unlock()
}

func (r *recorder) events() []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Event(nil), r.ev...)
}

type countingObserver struct {
	mu     sync.Mutex
	active map[string]int
}

func (o *countingObserver) ChannelActive(id channel.ID) {
	o.mu.Lock()
	o.active[id.Key()]++
	o.mu.Unlock()
}

func (o *countingObserver) ChannelIdle(id channel.ID) {
	o.mu.Lock()
	o.active[id.Key()]--
	if o.active[id.Key()] == 0 {
		delete(o.active, id.Key())
	}
	o.mu.Unlock()
}

// snapshot renders both indices into comparable maps.
func snapshot(r *Registry) (forward, reverse map[string][]string) {
	forward = map[string][]string{}
	reverse = map[string][]string{}
	for _, cs := range r.conns {
		cs.mu.Lock()
		for connID, ce := range cs.m {
			for key := range ce.channels {
				forward[connID] = append(forward[connID], key)
			}
			sort.Strings(forward[connID])
		}
		cs.mu.Unlock()
	}
	for _, sh := range r.channels {
		sh.mu.RLock()
		for key, e := range sh.m {
			for connID := range e.subs {
				reverse[key] = append(reverse[key], connID)
			}
			sort.Strings(reverse[key])
		}
		sh.mu.RUnlock()
	}
	return forward, reverse
}

func checkConsistent(t *testing.T, r *Registry) {
	t.Helper()
	forward, reverse := snapshot(r)
	for connID, keys := range forward {
		if len(keys) == 0 {
			t.Fatalf("connection %s kept with no channels", connID)
		}
		for _, key := range keys {
			if !contains(reverse[key], connID) {
				t.Fatalf("forward has %s -> %s but reverse does not", connID, key)
			}
		}
	}
	for key, conns := range reverse {
		if len(conns) == 0 {
			t.Fatalf("channel %s kept with no subscribers", key)
		}
		for _, connID := range conns {
			if !contains(forward[connID], key) {
				t.Fatalf("reverse has %s -> %s but forward does not", key, connID)
			}
		}
	}
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func TestAddRemoveRoundTrip(t *testing.T) {
	r := New(WithShards(4))
	a := &recorder{id: "a"}
	r.Add(a, channel.Home("1"))

	beforeF, beforeR := snapshot(r)
	if !r.Add(a, channel.List("17")) {
		t.Fatalf("expected new subscription")
	}
	if r.Add(a, channel.List("17")) {
		t.Fatalf("duplicate add reported as new")
	}
	if !r.Remove("a", channel.List("17")) {
		t.Fatalf("expected removal")
	}
	afterF, afterR := snapshot(r)
	if !reflect.DeepEqual(beforeF, afterF) || !reflect.DeepEqual(beforeR, afterR) {
		t.Fatalf("indices changed: forward %v -> %v, reverse %v -> %v", beforeF, afterF, beforeR, afterR)
	}
	if r.Remove("a", channel.List("17")) {
		t.Fatalf("second remove reported success")
	}
}

func TestRemoveAllForConnectionIsIdempotent(t *testing.T) {
	obs := &countingObserver{active: map[string]int{}}
	r := New(WithShards(4), WithObserver(obs))
	a := &recorder{id: "a"}
	b := &recorder{id: "b"}
	r.Add(a, channel.Home("1"))
	r.Add(a, channel.Public(channel.LocalityLocal, false))
	r.Add(b, channel.Public(channel.LocalityLocal, false))

	removed := r.RemoveAllForConnection("a")
	if len(removed) != 2 {
		t.Fatalf("want 2 removed got %d", len(removed))
	}
	f1, r1 := snapshot(r)
	if again := r.RemoveAllForConnection("a"); again != nil {
		t.Fatalf("second call removed %v", again)
	}
	f2, r2 := snapshot(r)
	if !reflect.DeepEqual(f1, f2) || !reflect.DeepEqual(r1, r2) {
		t.Fatalf("second call changed the indices")
	}
	checkConsistent(t, r)

	want := map[string]int{"timeline:public:local": 1}
	if !reflect.DeepEqual(obs.active, want) {
		t.Fatalf("want observer state %v got %v", want, obs.active)
	}
}

func TestDispatchPreservesOrder(t *testing.T) {
	r := New()
	a := &recorder{id: "a"}
	ch := channel.Hashtag("go", false)
	r.Add(a, ch)
	r.Add(&recorder{id: "b"}, channel.Hashtag("rust", false))

	for i := 0; i < 100; i++ {
		payload, _ := json.Marshal(i)
		if n := r.Dispatch(event.New(ch, "update", payload)); n != 1 {
			t.Fatalf("want 1 recipient got %d", n)
		}
	}
	got := a.events()
	if len(got) != 100 {
		t.Fatalf("want 100 events got %d", len(got))
	}
	for i, ev := range got {
		var n int
		_ = json.Unmarshal(ev.Payload, &n)
		if n != i {
			t.Fatalf("event %d out of order: %d", i, n)
		}
	}
	if n := r.Dispatch(event.New(channel.List("1"), "update", nil)); n != 0 {
		t.Fatalf("want 0 recipients got %d", n)
	}
}

func TestEvict(t *testing.T) {
	obs := &countingObserver{active: map[string]int{}}
	r := New(WithObserver(obs))
	list := channel.List("17")
	for i := 0; i < 3; i++ {
		rec := &recorder{id: fmt.Sprint(i)}
		r.Add(rec, list)
		r.Add(rec, channel.Home(fmt.Sprint(i)))
	}
	if got := r.Evict(list); len(got) != 3 {
		t.Fatalf("want 3 evicted got %v", got)
	}
	if subs := r.Subscribers(list); len(subs) != 0 {
		t.Fatalf("list still has subscribers %v", subs)
	}
	if _, ok := obs.active[list.Key()]; ok {
		t.Fatalf("observer not told the list went idle")
	}
	if s := r.Stats(); s.Connections != 3 || s.Subscriptions != 3 || s.Channels != 3 {
		t.Fatalf("unexpected stats %+v", s)
	}
	checkConsistent(t, r)
}

func TestConcurrentMutationsStayConsistent(t *testing.T) {
	obs := &countingObserver{active: map[string]int{}}
	r := New(WithShards(8), WithObserver(obs))
	channels := []channel.ID{
		channel.Public(channel.LocalityAll, false),
		channel.Public(channel.LocalityLocal, false),
		channel.Hashtag("go", false),
		channel.List("1"),
		channel.List("2"),
	}

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rec := &recorder{id: fmt.Sprintf("conn-%d", w)}
			for i := 0; i < 500; i++ {
				ch := channels[(i+w)%len(channels)]
				switch i % 4 {
				case 0, 1:
					r.Add(rec, ch)
				case 2:
					r.Remove(rec.id, ch)
				case 3:
					r.Dispatch(event.New(ch, "update", nil))
				}
				if i%97 == 0 {
					r.RemoveAllForConnection(rec.id)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.Evict(channels[3])
		}
	}()
	wg.Wait()

	checkConsistent(t, r)
	active := map[string]int{}
	for _, id := range r.Channels() {
		active[id.Key()] = 1
	}
	if !reflect.DeepEqual(active, obs.active) {
		t.Fatalf("observer drifted: registry %v observer %v", active, obs.active)
	}
}
