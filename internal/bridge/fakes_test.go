package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/session"
)

// fakeConn is an in-memory websocket peer. Frames queued with send are
// returned by ReadMessage; frames written by the bridge are captured.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	writes      [][]byte
	closeCode   int
	closeReason string
	readErr     error
	pongHandler func(string) error
	autoPong    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.inbound:
		return websocket.TextMessage, b, nil
	case <-f.closed:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.readErr != nil {
			return 0, nil, f.readErr
		}
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.isClosed() {
		return net.ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if f.isClosed() {
		return net.ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.CloseMessage:
		if f.closeCode == 0 && len(data) >= 2 {
			f.closeCode = int(binary.BigEndian.Uint16(data))
			f.closeReason = string(data[2:])
		}
	case websocket.PingMessage:
		if f.autoPong && f.pongHandler != nil {
			_ = f.pongHandler("")
		}
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongHandler = h
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// peerClose simulates the remote side closing with code.
func (f *fakeConn) peerClose(code int) {
	f.mu.Lock()
	f.readErr = &websocket.CloseError{Code: code}
	f.mu.Unlock()
	_ = f.Close()
}

func (f *fakeConn) send(frame string) {
	f.inbound <- []byte(frame)
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) sentCloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// frames decodes every captured write as a JSON object.
func (f *fakeConn) frames(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.writes))
	for _, raw := range f.writes {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("captured frame %q is not JSON: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

type fakeDialer struct {
	conn  *fakeConn
	err   error
	calls atomic.Int32
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeResolver struct {
	records map[string]session.Record
	err     error
}

func (r fakeResolver) Resolve(_ context.Context, id string) (session.Record, error) {
	if r.err != nil {
		return session.Record{}, r.err
	}
	record, ok := r.records[id]
	if !ok {
		return session.Record{}, session.ErrNotFound
	}
	return record, nil
}

var errStoreDown = errors.New("store unreachable")

type testRig struct {
	bridge    *Bridge
	dialer    *fakeDialer
	ai        *fakeConn
	telephony *fakeConn
	ledger    *calllog.InMemoryStore
}

func newTestRig(t *testing.T, resolver session.Resolver, cfg Config) *testRig {
	t.Helper()
	ai := newFakeConn()
	dialer := &fakeDialer{conn: ai}
	ledger := calllog.NewInMemoryStore()
	b := New(Deps{
		Config:  cfg,
		Store:   resolver,
		Dialer:  dialer,
		Ledger:  ledger,
		Metrics: observability.NewMetrics("test", prometheus.NewRegistry()),
	})
	return &testRig{bridge: b, dialer: dialer, ai: ai, telephony: newFakeConn(), ledger: ledger}
}

// serve runs Serve in the background and returns a channel with its result.
func (r *testRig) serve(sessionID string) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- r.bridge.Serve(context.Background(), r.telephony, sessionID)
	}()
	return result
}

func waitFor(t *testing.T, what string, cond func() bool) {
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

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve() did not return")
		return nil
	}
}
