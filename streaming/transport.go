package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/timeline-streaming-go/event"
	"github.com/gorilla/websocket"
)

// Transport kinds.
const (
	KindWebSocket = "websocket"
	KindSSE       = "sse"
)

// maxControlMessageSize bounds inbound WebSocket frames.
const maxControlMessageSize = 16 << 10

// Transport is one accepted client connection. Writes happen from a single
// goroutine; WriteHeartbeat and Close may be called concurrently with them.
type Transport interface {
	Kind() string
	// ReadMessage returns the next client control frame. Unidirectional
	// transports block until the stream ends.
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteEvent(ev *event.Event) error
	WriteControl(frame []byte) error
	WriteHeartbeat() error
	// Close terminates the transport with code. It is idempotent.
	Close(code int, reason string) error
}

type wsTransport struct {
	conn         *websocket.Conn
	idleTimeout  time.Duration
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func newWebSocketTransport(conn *websocket.Conn, idleTimeout, writeTimeout time.Duration) *wsTransport {
	t := &wsTransport{conn: conn, idleTimeout: idleTimeout, writeTimeout: writeTimeout}
	conn.SetReadLimit(maxControlMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	return t
}

func (t *wsTransport) Kind() string { return KindWebSocket }

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(t.idleTimeout))
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) write(frame []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) WriteEvent(ev *event.Event) error {
	frame, err := ev.Frame()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return t.write(frame)
}

func (t *wsTransport) WriteControl(frame []byte) error {
	return t.write(frame)
}

func (t *wsTransport) WriteHeartbeat() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(t.writeTimeout))
		err = t.conn.Close()
	})
	return err
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

type sseTransport struct {
	wf           *lockedWriteFlusher
	rc           *http.ResponseController
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

func newSSETransport(ctx context.Context, w http.ResponseWriter, f http.Flusher, writeTimeout time.Duration) *sseTransport {
	return &sseTransport{
		wf:           &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx},
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// deadline bounds the next write so a stalled client cannot pin the writer.
func (t *sseTransport) deadline() {
	_ = t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout))
}

func (t *sseTransport) Kind() string { return KindSSE }

func (t *sseTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *sseTransport) WriteEvent(ev *event.Event) error {
	t.deadline()
	return writeSSEEvent(t.wf, ev.Type, ssePayload(ev.Payload))
}

func (t *sseTransport) WriteControl(frame []byte) error {
	t.deadline()
	return writeSSEEvent(t.wf, "", frame)
}

func (t *sseTransport) WriteHeartbeat() error {
	t.deadline()
	if _, err := t.wf.Write([]byte(":thump\n\n")); err != nil {
		return err
	}
	t.wf.Flush()
	return nil
}

func (t *sseTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// ssePayload unwraps payloads that producers encode as JSON strings so SSE
// clients receive the document itself.
func ssePayload(p json.RawMessage) []byte {
	if len(p) > 0 && p[0] == '"' {
		var s string
		if err := json.Unmarshal(p, &s); err == nil {
			return []byte(s)
		}
	}
	return p
}

// writeSSEEvent writes one Server-Sent Event and flushes. Multi-line payloads
// are split over several data fields.
func writeSSEEvent(wf *lockedWriteFlusher, name string, payload []byte) error {
	var buf bytes.Buffer
	if name != "" {
		fmt.Fprintf(&buf, "event: %s\n", name)
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}
