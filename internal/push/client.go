// Package push receives real-time change events over a websocket and hands
// them to the sync engine.
//
// Frames are JSON, either an object or a two-element array:
//
//	{"event": "member:created", "data": {...}}
//	["member:created", {...}]
//
// After connecting the client subscribes to its entities:
//
//	{"event": "subscribe", "data": {"entities": ["members", "invoices"]}}
//
// The connection is re-established with exponential backoff until the
// context is cancelled. Delivery is at-least-once; the engine absorbs
// repeats.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/roach88/memsync/internal/reconcile"
	"github.com/roach88/memsync/internal/record"
	"github.com/roach88/memsync/internal/schema"
)

// Sink accepts decoded events without blocking. *engine.Engine implements it.
type Sink interface {
	Enqueue(ev reconcile.Event) bool
}

// Config holds configuration for creating a Client.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Schema resolves entity names in event frames. Defaults to
	// schema.Default().
	Schema *schema.Schema

	// Entities are the collections to subscribe to. Defaults to every
	// collection of Schema.
	Entities []string

	// Token, if set, is sent as a bearer token on the handshake.
	Token string

	// InitialInterval and MaxInterval bound the reconnect delay.
	// Default 1s and 30s.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// ReadLimit caps the size of one frame. Default 1 MiB.
	ReadLimit int64

	Metrics *Metrics
}

// Client maintains the push connection.
type Client struct {
	cfg  Config
	sink Sink
}

// New creates a Client delivering events to sink.
func New(cfg Config, sink Sink) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("push: url is required")
	}
	if sink == nil {
		return nil, errors.New("push: sink is required")
	}
	if cfg.Schema == nil {
		cfg.Schema = schema.Default()
	}
	if len(cfg.Entities) == 0 {
		for _, k := range cfg.Schema.Kinds() {
			cfg.Entities = append(cfg.Entities, k.Collection)
		}
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = max(30*time.Second, cfg.InitialInterval)
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	return &Client{cfg: cfg, sink: sink}, nil
}

// Run connects and delivers events until ctx is cancelled, reconnecting
// after every failure. It returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval

	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			slog.Info("push client stopped")
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}

		delay := b.NextBackOff()
		slog.Warn("push connection lost, reconnecting", "url", c.cfg.URL, "retry_in", delay, "error", err)
		c.cfg.Metrics.reconnect()

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			slog.Info("push client stopped")
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session runs one connection. connected reports whether the handshake and
// subscription succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	var header http.Header
	if c.cfg.Token != "" {
		header = http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(c.cfg.ReadLimit)

	if err := conn.Write(ctx, websocket.MessageText, SubscribeFrame(c.cfg.Entities)); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	slog.Info("push connected", "url", c.cfg.URL, "entities", c.cfg.Entities)
	c.cfg.Metrics.connected()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New("closed by server")
			}
			return true, fmt.Errorf("read: %w", err)
		}
		c.deliver(data)
	}
}

func (c *Client) deliver(data []byte) {
	ev, err := DecodeFrame(c.cfg.Schema, data)
	if err != nil {
		slog.Debug("push frame skipped", "error", err)
		c.cfg.Metrics.frame(frameSkipped)
		return
	}
	if !c.sink.Enqueue(ev) {
		c.cfg.Metrics.frame(frameRejected)
		return
	}
	c.cfg.Metrics.frame(frameDelivered)
}

// SubscribeFrame encodes the subscription sent after connecting.
func SubscribeFrame(entities []string) []byte {
	arr := make(record.Array, len(entities))
	for i, e := range entities {
		arr[i] = record.String(e)
	}
	data, _ := record.MarshalCanonical(record.Object{
		"event": record.String("subscribe"),
		"data":  record.Object{"entities": arr},
	})
	return data
}

// DecodeFrame parses one websocket frame into an event. Frames that are not
// change events (acknowledgements, pings) return an error wrapping
// reconcile.ErrMalformed.
func DecodeFrame(s *schema.Schema, data []byte) (reconcile.Event, error) {
	v, err := record.Decode(data)
	if err != nil {
		return reconcile.Event{}, fmt.Errorf("%w: %v", reconcile.ErrMalformed, err)
	}

	var (
		name    string
		payload record.Value
	)
	switch frame := v.(type) {
	case record.Object:
		n, ok := frame.Text("event")
		if !ok {
			return reconcile.Event{}, fmt.Errorf("%w: frame without event name", reconcile.ErrMalformed)
		}
		name, payload = n, frame["data"]
	case record.Array:
		if len(frame) != 2 {
			return reconcile.Event{}, fmt.Errorf("%w: array frame of length %d", reconcile.ErrMalformed, len(frame))
		}
		n, ok := frame[0].(record.String)
		if !ok {
			return reconcile.Event{}, fmt.Errorf("%w: array frame without event name", reconcile.ErrMalformed)
		}
		name, payload = string(n), frame[1]
	default:
		return reconcile.Event{}, fmt.Errorf("%w: frame is %s", reconcile.ErrMalformed, record.KindOf(v))
	}

	if payload == nil {
		payload = record.Null{}
	}
	return reconcile.ParseEvent(s, name, payload)
}
