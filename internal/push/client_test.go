package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/memsync/internal/reconcile"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
)

type recordingSink struct {
	mu     sync.Mutex
	events []reconcile.Event
	got    chan struct{}
}

func newSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 64)}
}

func (s *recordingSink) Enqueue(ev reconcile.Event) bool {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.got <- struct{}{}
	return true
}

func (s *recordingSink) wait(t *testing.T, n int) []reconcile.Event {
	t.Helper()
	for range n {
		select {
		case <-s.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d events", n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reconcile.Event(nil), s.events...)
}

// server accepts websocket connections, records the first message of each
// and writes frames to it before closing normally.
type server struct {
	*httptest.Server
	mu         sync.Mutex
	subscribes []string
	auth       []string
}

func newServer(t *testing.T, frames ...string) *server {
	t.Helper()
	s := &server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		_, sub, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		s.mu.Lock()
		s.subscribes = append(s.subscribes, string(sub))
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()

		for _, f := range frames {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "bye")
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *server) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribes)
}

func TestDecodeFrame(t *testing.T) {
	s := schema.Default()

	tests := []struct {
		name string
		data string
		want reconcile.Event
	}{
		{
			"object frame",
			`{"event":"member:created","data":{"id":"M1","name":"ann"}}`,
			reconcile.Event{Kind: schema.Member, Change: reconcile.Created, Record: record.Object{"id": record.String("M1"), "name": record.String("ann")}},
		},
		{
			"array frame",
			`["invoices:updated",{"_id":"I1","status":"paid"}]`,
			reconcile.Event{Kind: schema.Invoice, Change: reconcile.Updated, Record: record.Object{"_id": record.String("I1"), "status": record.String("paid")}},
		},
		{
			"delete by object",
			`{"event":"payment:deleted","data":{"_id":"P1"}}`,
			reconcile.Event{Kind: schema.Payment, Change: reconcile.Deleted, ID: "P1"},
		},
		{
			"delete by bare id",
			`["member:deleted","M7"]`,
			reconcile.Event{Kind: schema.Member, Change: reconcile.Deleted, ID: "M7"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrame(s, []byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.Change, got.Change)
			assert.Equal(t, tt.want.ID, got.ID)
			assert.True(t, record.Equal(tt.want.Record, got.Record) || (tt.want.Record == nil && got.Record == nil))
		})
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	s := schema.Default()
	for _, data := range []string{
		`not json`,
		`42`,
		`{"data":{}}`,
		`{"event":"subscribed"}`,
		`["member:created"]`,
		`[1,{}]`,
		`{"event":"widget:created","data":{}}`,
		`{"event":"member:archived","data":{}}`,
		`{"event":"member:created","data":"M1"}`,
		`{"event":"member:deleted"}`,
	} {
		_, err := DecodeFrame(s, []byte(data))
		assert.ErrorIs(t, err, reconcile.ErrMalformed, data)
	}
}

func TestSubscribeFrame(t *testing.T) {
	assert.JSONEq(t,
		`{"event":"subscribe","data":{"entities":["members","invoices"]}}`,
		string(SubscribeFrame([]string{"members", "invoices"})),
	)
}

func TestNew_Defaults(t *testing.T) {
	_, err := New(Config{}, newSink())
	assert.Error(t, err)
	_, err = New(Config{URL: "ws://x"}, nil)
	assert.Error(t, err)

	c, err := New(Config{URL: "ws://x"}, newSink())
	require.NoError(t, err)
	assert.Equal(t, []string{"members", "invoices", "payments", "donations", "admins"}, c.cfg.Entities)
	assert.Equal(t, time.Second, c.cfg.InitialInterval)
	assert.Equal(t, 30*time.Second, c.cfg.MaxInterval)
}

func TestRun_DeliversEvents(t *testing.T) {
	srv := newServer(t,
		`{"event":"subscribed"}`,
		`{"event":"member:created","data":{"id":"M1","name":"ann"}}`,
		`["member:deleted",{"id":"M1"}]`,
	)
	sink := newSink()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	c, err := New(Config{
		URL:             srv.wsURL(),
		Entities:        []string{"members"},
		Token:           "tok",
		InitialInterval: time.Minute,
		Metrics:         m,
	}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	events := sink.wait(t, 2)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	require.Len(t, events, 2)
	assert.Equal(t, reconcile.Created, events[0].Change)
	assert.Equal(t, reconcile.Deleted, events[1].Change)
	assert.Equal(t, "M1", events[1].ID)

	srv.mu.Lock()
	assert.JSONEq(t, `{"event":"subscribe","data":{"entities":["members"]}}`, srv.subscribes[0])
	assert.Equal(t, "Bearer tok", srv.auth[0])
	srv.mu.Unlock()

	assert.Equal(t, float64(2), promtest.ToFloat64(m.frames.WithLabelValues(frameDelivered)))
	assert.GreaterOrEqual(t, promtest.ToFloat64(m.frames.WithLabelValues(frameSkipped)), float64(1))
}

func TestRun_Reconnects(t *testing.T) {
	srv := newServer(t, `{"event":"member:created","data":{"id":"M1","name":"ann"}}`)
	sink := newSink()

	c, err := New(Config{URL: srv.wsURL(), InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// The server closes after each frame, so every delivery is a new session.
	events := sink.wait(t, 3)
	cancel()
	<-done

	assert.GreaterOrEqual(t, srv.connections(), 3)
	for _, ev := range events {
		assert.Equal(t, "M1", ev.EntityID(mustKind(t, schema.Member)))
	}
}

func TestRun_DialFailureRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c, err := New(Config{URL: url, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Metrics: m}, newSink())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Run(ctx)

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Greater(t, promtest.ToFloat64(m.reconnects), float64(1))
	assert.Equal(t, float64(0), promtest.ToFloat64(m.connects))
}

func mustKind(t *testing.T, name string) *schema.Kind {
	t.Helper()
	k, ok := schema.Default().Kind(name)
	require.True(t, ok)
	return k
}
