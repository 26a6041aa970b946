package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/timeline-streaming-go/access"
	"github.com/ggoodman/timeline-streaming-go/auth"
	"github.com/ggoodman/timeline-streaming-go/auth/authtest"
	"github.com/ggoodman/timeline-streaming-go/channel"
	"github.com/ggoodman/timeline-streaming-go/event"
	"github.com/ggoodman/timeline-streaming-go/queue"
	"github.com/ggoodman/timeline-streaming-go/registry"
)

type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogger(t *testing.T) *slog.Logger {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(b)
}

// fakeTransport records frames. When gate is non-nil, event writes block
// until it is closed.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	gate   chan struct{}
	closed chan struct{}

	once       sync.Once
	code       atomic.Int64
	heartbeats atomic.Int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Kind() string { return "fake" }

func (t *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) WriteEvent(ev *event.Event) error {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-t.closed:
			return io.ErrClosedPipe
		}
	}
	frame, err := ev.Frame()
	if err != nil {
		return err
	}
	return t.WriteControl(frame)
}

func (t *fakeTransport) WriteControl(frame []byte) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	t.out <- frame
	return nil
}

func (t *fakeTransport) WriteHeartbeat() error {
	t.heartbeats.Add(1)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.once.Do(func() {
		t.code.Store(int64(code))
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) send(data string) { t.in <- []byte(data) }

func (t *fakeTransport) next(tb testing.TB) map[string]any {
	tb.Helper()
	select {
	case frame := <-t.out:
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			tb.Fatalf("bad frame %s: %v", frame, err)
		}
		return m
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (t *fakeTransport) waitClosed(tb testing.TB) int {
	tb.Helper()
	select {
	case <-t.closed:
		return int(t.code.Load())
	case <-time.After(2 * time.Second):
		tb.Fatal("transport was not closed")
		return 0
	}
}

type countingObserver struct {
	active, idle atomic.Int64
}

func (o *countingObserver) ChannelActive(channel.ID) { o.active.Add(1) }
func (o *countingObserver) ChannelIdle(channel.ID)   { o.idle.Add(1) }

type harness struct {
	m      *Manager
	reg    *registry.Registry
	tokens *authtest.Static
	obs    *countingObserver
}

func newHarness(t *testing.T, policy access.Policy, cfg Config, opts ...Option) *harness {
	log := testLogger(t)
	obs := &countingObserver{}
	reg := registry.New(registry.WithObserver(obs), registry.WithLogger(log))
	tokens := authtest.NewStatic().
		Add("tok-a", "42", "read").
		Add("tok-b", "43", "read")
	opts = append([]Option{WithConfig(cfg), WithLogger(log)}, opts...)
	m := NewManager(tokens, access.New(policy, access.WithLogger(log)), reg, opts...)
	return &harness{m: m, reg: reg, tokens: tokens, obs: obs}
}

func (h *harness) open(t *testing.T, token string) (*Conn, *fakeTransport) {
	t.Helper()
	ctx := context.Background()
	id, err := h.m.Authenticate(ctx, auth.Credential{Token: token, Location: auth.LocationHeader})
	if err != nil {
		t.Fatalf("authenticate %q: %v", token, err)
	}
	tr := newFakeTransport()
	c, err := h.m.Accept(ctx, id, tr)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	go h.m.Serve(ctx, c)
	t.Cleanup(func() { h.m.Close(c, 1000) })
	return c, tr
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	closed := newHarness(t, access.Policy{}, Config{})
	if _, err := closed.m.Authenticate(ctx, auth.Credential{}); !errors.Is(err, ErrConnectionRejected) || !errors.Is(err, auth.ErrMissingToken) {
		t.Fatalf("want rejected missing token, got %v", err)
	}
	if _, err := closed.m.Authenticate(ctx, auth.Credential{Token: "nope", Location: auth.LocationQuery}); !errors.Is(err, ErrConnectionRejected) {
		t.Fatalf("want rejected bad token, got %v", err)
	}
	id, err := closed.m.Authenticate(ctx, auth.Credential{Token: "tok-a", Location: auth.LocationSubprotocol})
	if err != nil || id.AccountID != "42" {
		t.Fatalf("want account 42 got %+v %v", id, err)
	}

	open := newHarness(t, access.Policy{AllowAnonymousPublic: true}, Config{})
	id, err = open.m.Authenticate(ctx, auth.Credential{})
	if err != nil || !id.Anonymous() {
		t.Fatalf("want anonymous identity got %+v %v", id, err)
	}
}

type revokedSet map[string]bool

func (r revokedSet) IsRevoked(id string) bool { return r[id] }

func TestRecentlyRevokedTokenRejected(t *testing.T) {
	h := newHarness(t, access.Policy{}, Config{}, WithRevocationChecker(revokedSet{"tok-a": true}))
	_, err := h.m.Authenticate(context.Background(), auth.Credential{Token: "tok-a", Location: auth.LocationHeader})
	if !errors.Is(err, ErrConnectionRejected) {
		t.Fatalf("want rejection got %v", err)
	}
	if _, err := h.m.Authenticate(context.Background(), auth.Credential{Token: "tok-b", Location: auth.LocationHeader}); err != nil {
		t.Fatalf("unrelated token rejected: %v", err)
	}
}

func TestControlMessages(t *testing.T) {
	h := newHarness(t, access.Policy{}, Config{})
	c, tr := h.open(t, "tok-a")

	tr.send(`{not json`)
	if f := tr.next(t); f["status"] != float64(http.StatusBadRequest) {
		t.Fatalf("malformed: want 400 got %v", f)
	}
	tr.send(`{"type":"dance","channel":"timeline:public"}`)
	if f := tr.next(t); f["status"] != float64(http.StatusBadRequest) {
		t.Fatalf("unknown type: want 400 got %v", f)
	}
	tr.send(`{"type":"subscribe","channel":"bogus"}`)
	if f := tr.next(t); f["status"] != float64(http.StatusBadRequest) {
		t.Fatalf("unknown channel: want 400 got %v", f)
	}

	tr.send(`{"type":"subscribe","stream":"user"}`)
	f := tr.next(t)
	if f["event"] != event.AckSubscribed || f["stream"].([]any)[0] != "timeline:home:42" {
		t.Fatalf("want subscribed ack on timeline:home:42, got %v", f)
	}
	if !h.reg.Has(c.ConnectionID(), channel.Home("42")) {
		t.Fatalf("subscription missing from registry")
	}

	tr.send(`{"type":"unsubscribe","channel":"timeline:home"}`)
	if f := tr.next(t); f["event"] != event.AckUnsubscribed {
		t.Fatalf("want unsubscribed ack got %v", f)
	}
	if h.reg.Has(c.ConnectionID(), channel.Home("42")) {
		t.Fatalf("subscription still registered")
	}
}

func TestControlRateLimit(t *testing.T) {
	h := newHarness(t, access.Policy{}, Config{ControlRate: 0.001, ControlBurst: 2})
	_, tr := h.open(t, "tok-a")
	tr.send(`{"type":"subscribe","channel":"timeline:public"}`)
	tr.next(t)
	tr.send(`{"type":"subscribe","channel":"timeline:public:local"}`)
	tr.next(t)
	tr.send(`{"type":"subscribe","channel":"timeline:public:remote"}`)
	if f := tr.next(t); f["status"] != float64(http.StatusTooManyRequests) {
		t.Fatalf("want 429 got %v", f)
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	h := newHarness(t, access.Policy{}, Config{})
	c, tr := h.open(t, "tok-a")
	h.m.Subscribe(context.Background(), c, channel.Public(channel.LocalityAll, false))
	tr.next(t) // ack

	for i := 0; i < 20; i++ {
		h.reg.Dispatch(event.New(channel.Public(channel.LocalityAll, false), "update", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))))
	}
	for i := 0; i < 20; i++ {
		f := tr.next(t)
		n := f["payload"].(map[string]any)["n"].(float64)
		if int(n) != i {
			t.Fatalf("event %d out of order: %v", i, f)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, access.Policy{}, Config{})
	c, tr := h.open(t, "tok-a")
	ctx := context.Background()
	h.m.Subscribe(ctx, c, channel.Home(""))
	h.m.Subscribe(ctx, c, channel.Public(channel.LocalityLocal, false))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				h.m.Close(c, 1000)
			} else {
				h.m.CloseByToken("tok-a", 1000)
			}
		}(i)
	}
	wg.Wait()
	tr.waitClosed(t)

	if got := h.obs.idle.Load(); got != 2 {
		t.Fatalf("want both channels released exactly once, got %d idle notifications", got)
	}
	if s := h.reg.Stats(); s != (registry.Stats{}) {
		t.Fatalf("registry not empty after close: %+v", s)
	}
	if h.m.Connections() != 0 {
		t.Fatalf("connection still tracked")
	}
	if got := h.m.CloseByToken("tok-a", 1000); got != 0 {
		t.Fatalf("closed connection still indexed by token")
	}
}

func TestCloseByTokenUsesNormalClosure(t *testing.T) {
	h := newHarness(t, access.Policy{}, Config{})
	a1, tra1 := h.open(t, "tok-a")
	a2, tra2 := h.open(t, "tok-a")
	b, trb := h.open(t, "tok-b")
	pub := channel.Public(channel.LocalityAll, false)
	for _, c := range []*Conn{a1, a2, b} {
		h.m.Subscribe(context.Background(), c, pub)
	}
	tra1.next(t)
	tra2.next(t)
	trb.next(t)

	if n := h.m.CloseByToken("tok-a", 1000); n != 2 {
		t.Fatalf("want 2 closed got %d", n)
	}
	if code := tra1.waitClosed(t); code != 1000 {
		t.Fatalf("want 1000 got %d", code)
	}
	if code := tra2.waitClosed(t); code != 1000 {
		t.Fatalf("want 1000 got %d", code)
	}

	h.reg.Dispatch(event.New(pub, "update", nil))
	if f := trb.next(t); f["event"] != "update" {
		t.Fatalf("unrevoked connection missed the event: %v", f)
	}
	select {
	case frame := <-tra1.out:
		t.Fatalf("revoked connection received %s", frame)
	default:
	}
}

func TestRevocationDropsQueuedEvents(t *testing.T) {
	h := newHarness(t, access.Policy{}, Config{})
	c, tr := h.open(t, "tok-a")
	pub := channel.Public(channel.LocalityAll, false)
	h.m.Subscribe(context.Background(), c, pub)
	tr.next(t)

	tr.gate = make(chan struct{})
	for i := 0; i < 5; i++ {
		h.reg.Dispatch(event.New(pub, "update", nil))
	}
	h.m.CloseByToken("tok-a", 1000)
	close(tr.gate)
	if code := tr.waitClosed(t); code != 1000 {
		t.Fatalf("want 1000 got %d", code)
	}
	// At most the event already being written gets through.
	if n := len(tr.out); n > 1 {
		t.Fatalf("revoked connection received %d queued events", n)
	}
}

func TestOverflowDisconnect(t *testing.T) {
	cfg := Config{
		CloseDrainTimeout: 50 * time.Millisecond,
		Queue: queue.Config{
			Size:     2,
			Policies: queue.Policies{Default: queue.Disconnect, Overrides: map[channel.Family]queue.Policy{}},
		},
	}
	h := newHarness(t, access.Policy{}, cfg)
	c, tr := h.open(t, "tok-a")
	pub := channel.Public(channel.LocalityAll, false)
	h.m.Subscribe(context.Background(), c, pub)
	tr.next(t)

	tr.gate = make(chan struct{})
	defer close(tr.gate)
	for i := 0; i < 5; i++ {
		h.reg.Dispatch(event.New(pub, "update", nil))
	}
	if code := tr.waitClosed(t); code != 1013 {
		t.Fatalf("want 1013 got %d", code)
	}
}

func TestControlLaneOverflowDisconnects(t *testing.T) {
	cfg := Config{
		CloseDrainTimeout: 50 * time.Millisecond,
		Queue:             queue.Config{ControlSize: 1},
	}
	h := newHarness(t, access.Policy{}, cfg)
	c, tr := h.open(t, "tok-a")
	pub := channel.Public(channel.LocalityAll, false)
	h.m.Subscribe(context.Background(), c, pub)
	tr.next(t)

	// Hold the writer on an event so replies pile up in the control lane.
	tr.gate = make(chan struct{})
	defer close(tr.gate)
	h.reg.Dispatch(event.New(pub, "update", nil))
	tr.send(`{not json`)
	tr.send(`{not json`)
	if code := tr.waitClosed(t); code != 1013 {
		t.Fatalf("want 1013 got %d", code)
	}
	if s := h.reg.Stats(); s.Subscriptions != 0 {
		t.Fatalf("subscriptions leaked: %+v", s)
	}
}

func TestHeartbeats(t *testing.T) {
	h := newHarness(t, access.Policy{}, Config{HeartbeatInterval: 10 * time.Millisecond})
	_, tr := h.open(t, "tok-a")
	deadline := time.Now().Add(2 * time.Second)
	for tr.heartbeats.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no heartbeats")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientDisconnectReleasesSubscriptions(t *testing.T) {
	h := newHarness(t, access.Policy{}, Config{})
	c, tr := h.open(t, "tok-a")
	h.m.Subscribe(context.Background(), c, channel.Direct(""))
	tr.next(t)

	// Simulate the peer going away.
	_ = tr.Close(1006, "")
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not released")
	}
	if s := h.reg.Stats(); s.Subscriptions != 0 {
		t.Fatalf("subscriptions leaked: %+v", s)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, access.Policy{}, Config{})
	_, tr1 := h.open(t, "tok-a")
	_, tr2 := h.open(t, "tok-b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, tr := range []*fakeTransport{tr1, tr2} {
		if code := tr.waitClosed(t); code != 1001 {
			t.Fatalf("want 1001 got %d", code)
		}
	}
	id, _ := h.m.Authenticate(ctx, auth.Credential{Token: "tok-a", Location: auth.LocationHeader})
	if _, err := h.m.Accept(ctx, id, newFakeTransport()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("want ErrShuttingDown got %v", err)
	}
}
