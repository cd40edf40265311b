package girder

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeSource struct {
	mu     sync.Mutex
	id     int
	closed bool
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeConn struct {
	url       string
	header    http.Header
	src       *fakeSource
	onMessage func([]byte)
	onClose   func(error)
}

type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  error
}

func (f *fakeTransport) fn() TransportFunc {
	return func(ctx context.Context, url string, header http.Header, onMessage func([]byte), onClose func(error)) (EventSource, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail != nil {
			return nil, f.fail
		}
		src := &fakeSource{id: len(f.conns) + 1}
		f.conns = append(f.conns, &fakeConn{
			url:       url,
			header:    header,
			src:       src,
			onMessage: onMessage,
			onClose:   onClose,
		})
		return src, nil
	}
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeTransport) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

func (f *fakeTransport) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

// leaseRecorder captures armed lease callbacks so tests can simulate the
// dead-man timer firing without waiting for wall-clock time.
type leaseRecorder struct {
	mu  sync.Mutex
	fns []func()
}

func (r *leaseRecorder) afterFunc(d time.Duration, fn func()) *time.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns = append(r.fns, fn)
	return time.AfterFunc(time.Hour, func() {})
}

func (r *leaseRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

// fire invokes the most recently armed lease callback.
func (r *leaseRecorder) fire(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	if len(r.fns) == 0 {
		r.mu.Unlock()
		t.Fatal("no lease armed")
	}
	fn := r.fns[len(r.fns)-1]
	r.mu.Unlock()
	fn()
}

// newTestStream builds a StreamClient driven entirely by the test: the tick
// interval is effectively infinite (heartbeats are called directly) and the
// lease timer is recorded instead of scheduled.
func newTestStream(t *testing.T, cfg *StreamConfig, opts ...ClientOption) (*StreamClient, *fakeTransport, *leaseRecorder) {
	t.Helper()
	transport := &fakeTransport{}
	if cfg == nil {
		cfg = &StreamConfig{}
	}
	cfg.Transport = transport.fn()
	cfg.TickInterval = time.Hour

	client := NewClient("http://girder.test/api/v1", opts...)
	s := client.Stream(cfg)
	rec := &leaseRecorder{}
	s.afterFunc = rec.afterFunc
	t.Cleanup(s.Close)
	return s, transport, rec
}

// ============================================================================
// Open / Close
// ============================================================================

func TestStreamOpenIdempotent(t *testing.T) {
	s, transport, _ := newTestStream(t, nil)

	var delivered int
	s.On("event.ping", func(key string, n *Notification) { delivered++ })

	s.Open()
	s.Open()

	if got := transport.count(); got != 1 {
		t.Fatalf("expected 1 connection after double Open, got %d", got)
	}

	transport.conn(0).onMessage([]byte(`{"type":"ping"}`))
	if delivered != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", delivered)
	}
}

func TestStreamCloseIdempotent(t *testing.T) {
	t.Run("never opened", func(t *testing.T) {
		s, transport, _ := newTestStream(t, nil)
		s.Close()
		s.Close()
		if s.Active() {
			t.Fatal("expected inactive after Close")
		}
		if transport.count() != 0 {
			t.Fatal("Close must not open a connection")
		}
	})

	t.Run("after open", func(t *testing.T) {
		s, transport, _ := newTestStream(t, nil)
		s.Open()
		s.Close()
		s.Close()

		if s.Active() {
			t.Fatal("expected inactive after Close")
		}
		if s.Connected() {
			t.Fatal("expected no connection after Close")
		}
		if !transport.conn(0).src.isClosed() {
			t.Fatal("expected underlying connection to be closed")
		}
	})
}

func TestStreamDegradedWithoutTransport(t *testing.T) {
	s, transport, _ := newTestStream(t, nil)
	s.transport = nil

	s.Open()
	s.Open()

	if s.Active() {
		t.Fatal("expected degraded client to stay inactive")
	}
	if transport.count() != 0 {
		t.Fatal("expected no connection attempts without a transport")
	}
}

// ============================================================================
// Heartbeat / idle-reclaim
// ============================================================================

func TestStreamLeaseRenewedEachTick(t *testing.T) {
	s, _, rec := newTestStream(t, nil)
	s.Open()

	s.heartbeat()
	s.heartbeat()
	s.heartbeat()
	if got := rec.count(); got != 3 {
		t.Fatalf("expected a lease armed per tick, got %d", got)
	}
	if !s.Connected() {
		t.Fatal("expected connection to survive renewed ticks")
	}
}

func TestStreamReconnectAfterLeaseExpiry(t *testing.T) {
	s, transport, rec := newTestStream(t, nil)
	s.Open()
	s.heartbeat()

	// No tick arrives within the grace window: the lease fires.
	rec.fire(t)

	if !transport.conn(0).src.isClosed() {
		t.Fatal("expected stale connection to be closed on lease expiry")
	}
	if s.Connected() {
		t.Fatal("expected no connection after lease expiry")
	}
	if !s.Active() {
		t.Fatal("heartbeat must stay active through an idle reclaim")
	}

	// Ticks resume: the next one reopens.
	s.heartbeat()
	if got := transport.count(); got != 2 {
		t.Fatalf("expected a fresh connection after resumed tick, got %d", got)
	}
	if transport.conn(0).src.id == transport.conn(1).src.id {
		t.Fatal("expected a new connection identity after reclaim")
	}
	if !s.Connected() {
		t.Fatal("expected live connection after resumed tick")
	}
}

func TestStreamNoReconnectAfterClose(t *testing.T) {
	s, transport, _ := newTestStream(t, nil)
	s.Open()
	s.Close()

	s.heartbeat()
	s.heartbeat()

	if got := transport.count(); got != 1 {
		t.Fatalf("expected no reconnection after Close, got %d connections", got)
	}

	// An explicit Open starts over.
	s.Open()
	if got := transport.count(); got != 2 {
		t.Fatalf("expected reconnection after explicit Open, got %d connections", got)
	}
}

func TestStreamReopensAfterPeerClose(t *testing.T) {
	s, transport, _ := newTestStream(t, nil)
	s.Open()

	transport.conn(0).onClose(errors.New("connection reset"))
	if s.Connected() {
		t.Fatal("expected connection reference cleared after peer close")
	}

	s.heartbeat()
	if got := transport.count(); got != 2 {
		t.Fatalf("expected silent reconnect on next tick, got %d connections", got)
	}
}

func TestStreamRetriesFailedConnect(t *testing.T) {
	s, transport, _ := newTestStream(t, nil)
	transport.setFail(errors.New("server down"))

	s.Open()
	if s.Connected() {
		t.Fatal("expected no connection while transport fails")
	}
	if !s.Active() {
		t.Fatal("expected heartbeat active despite connect failure")
	}

	transport.setFail(nil)
	s.heartbeat()
	if !s.Connected() {
		t.Fatal("expected connection once transport recovers")
	}
}

// ============================================================================
// Routing
// ============================================================================

func TestStreamRouting(t *testing.T) {
	t.Run("typed record", func(t *testing.T) {
		s, transport, _ := newTestStream(t, nil)

		var got []*Notification
		s.On("event.job_status", func(key string, n *Notification) { got = append(got, n) })
		var errs int
		s.On("error", func(key string, n *Notification) { errs++ })

		s.Open()
		raw := `{"type":"job_status","data":{"_id":"abc","status":3}}`
		transport.conn(0).onMessage([]byte(raw))

		if len(got) != 1 {
			t.Fatalf("expected exactly 1 event.job_status delivery, got %d", len(got))
		}
		if errs != 0 {
			t.Fatalf("expected no error publications, got %d", errs)
		}
		if got[0].Type != "job_status" {
			t.Errorf("expected type job_status, got %q", got[0].Type)
		}
		if string(got[0].Raw) != raw {
			t.Errorf("expected raw record to be passed through, got %s", got[0].Raw)
		}
		var job JobStatusPayload
		if err := got[0].Decode(&job); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if job.ID != "abc" || job.Status != 3 {
			t.Errorf("unexpected payload: %+v", job)
		}
	})

	t.Run("malformed record", func(t *testing.T) {
		s, transport, _ := newTestStream(t, nil)

		var events int
		s.On("event.*", func(key string, n *Notification) { events++ })
		var errNotifications []*Notification
		s.On("error", func(key string, n *Notification) { errNotifications = append(errNotifications, n) })

		s.Open()
		transport.conn(0).onMessage([]byte("not-json"))

		if events != 0 {
			t.Fatalf("expected zero event.* publications, got %d", events)
		}
		if len(errNotifications) != 1 {
			t.Fatalf("expected exactly 1 error publication, got %d", len(errNotifications))
		}
		if string(errNotifications[0].Raw) != "not-json" {
			t.Errorf("expected raw payload on error notification, got %q", errNotifications[0].Raw)
		}
	})

	t.Run("record without type", func(t *testing.T) {
		s, transport, _ := newTestStream(t, nil)

		var events, errs int
		s.On("event.*", func(key string, n *Notification) { events++ })
		s.On("error", func(key string, n *Notification) { errs++ })

		s.Open()
		transport.conn(0).onMessage([]byte(`{"data":{"x":1}}`))

		if events != 0 || errs != 1 {
			t.Fatalf("expected untyped record to surface as one error, got events=%d errs=%d", events, errs)
		}
	})

	t.Run("stream survives malformed record", func(t *testing.T) {
		s, transport, _ := newTestStream(t, nil)

		var keys []string
		s.On("event.*", func(key string, n *Notification) { keys = append(keys, key) })

		s.Open()
		conn := transport.conn(0)
		conn.onMessage([]byte(`{"type":"progress"}`))
		conn.onMessage([]byte("garbage"))
		conn.onMessage([]byte(`{"type":"job_status"}`))

		want := []string{"event.progress", "event.job_status"}
		if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	})
}

// ============================================================================
// URL construction
// ============================================================================

func TestStreamURL(t *testing.T) {
	t.Run("with timeout", func(t *testing.T) {
		s, transport, _ := newTestStream(t, &StreamConfig{Timeout: 30 * time.Second})
		s.Open()

		url := transport.conn(0).url
		if !strings.Contains(url, "timeout=30") {
			t.Fatalf("expected timeout=30 in URL, got %s", url)
		}
		if !strings.HasPrefix(url, "http://girder.test/api/v1/notification/stream") {
			t.Fatalf("unexpected stream URL %s", url)
		}
	})

	t.Run("without timeout", func(t *testing.T) {
		s, transport, _ := newTestStream(t, nil)
		s.Open()

		if url := transport.conn(0).url; strings.Contains(url, "timeout=") {
			t.Fatalf("expected no timeout parameter, got %s", url)
		}
	})

	t.Run("auth header", func(t *testing.T) {
		s, transport, _ := newTestStream(t, nil, WithToken("secret-token"))
		s.Open()

		if got := transport.conn(0).header.Get("Girder-Token"); got != "secret-token" {
			t.Fatalf("expected Girder-Token header, got %q", got)
		}
	})
}
