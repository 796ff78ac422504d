// Package ws delivers batches over a WebSocket connection.
//
// Every outbound text frame carries an id and is confirmed by the backend
// with {"type":"ack","id":N} or refused with {"type":"nack","id":N,"error":"…"}.
// A send is confirmed only by its ack. Any failed round trip (encode error,
// write error, nack or missing ack) closes the socket so Run reports the
// disconnect and dials again.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/transport"
	logpkg "github.com/rzbill/courier/pkg/log"
)

const (
	frameRegister = "register"
	frameEvents   = "events"
	frameAck      = "ack"
	frameNack     = "nack"
)

type outFrame struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
	Data any    `json:"data"`
}

type inFrame struct {
	Type  string `json:"type"`
	ID    uint64 `json:"id"`
	Error string `json:"error,omitempty"`
}

// Options configures a Driver.
type Options struct {
	URL    string
	Header http.Header
	// AckTimeout bounds the wait for a frame's ack. Defaults to 10s.
	AckTimeout time.Duration
	// WriteTimeout bounds a single frame write. Defaults to 10s.
	WriteTimeout time.Duration
	// PingInterval is the keepalive period; the read deadline is twice it.
	// Defaults to 30s.
	PingInterval time.Duration
	Backoff      transport.Backoff
	Dialer       *websocket.Dialer
	Logger       logpkg.Logger
}

// Driver is a transport.Driver over gorilla/websocket.
type Driver struct {
	opts   Options
	logger logpkg.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan error

	writeMu sync.Mutex
}

// New builds a Driver; nothing is dialled until Run.
func New(opts Options) (*Driver, error) {
	if opts.URL == "" {
		return nil, errors.New("ws: URL required")
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNop()
	}
	return &Driver{
		opts:    opts,
		logger:  opts.Logger.With(logpkg.Component("ws"), logpkg.Str("url", opts.URL)),
		pending: make(map[uint64]chan error),
	}, nil
}

func (d *Driver) Name() string { return "ws" }

// Send writes batch as one events frame and waits for its ack.
func (d *Driver) Send(ctx context.Context, batch []event.Record) error {
	return d.roundTrip(ctx, frameEvents, batch)
}

// Handshake writes the registration frame and waits for its ack.
func (d *Driver) Handshake(ctx context.Context, reg transport.Registration) error {
	return d.roundTrip(ctx, frameRegister, reg)
}

func (d *Driver) roundTrip(ctx context.Context, typ string, data any) error {
	d.mu.Lock()
	c := d.conn
	if c == nil {
		d.mu.Unlock()
		return transport.ErrNotConnected
	}
	d.nextID++
	id := d.nextID
	ack := make(chan error, 1)
	d.pending[id] = ack
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	payload, err := json.Marshal(outFrame{Type: typ, ID: id, Data: data})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("ws: encode %s frame: %w", typ, err)
	}
	d.writeMu.Lock()
	_ = c.SetWriteDeadline(time.Now().Add(d.opts.WriteTimeout))
	err = c.WriteMessage(websocket.TextMessage, payload)
	d.writeMu.Unlock()
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("ws: write %s frame: %w", typ, err)
	}

	t := time.NewTimer(d.opts.AckTimeout)
	defer t.Stop()
	select {
	case err := <-ack:
		if err != nil {
			d.logger.Warn("frame not confirmed, closing connection", logpkg.Str("frame", typ), logpkg.Uint64("id", id), logpkg.Err(err))
			_ = c.Close()
		}
		return err
	case <-t.C:
		d.logger.Warn("ack timeout, closing connection", logpkg.Str("frame", typ), logpkg.Uint64("id", id))
		_ = c.Close()
		return transport.ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dials, reports the connection to l, and redials with backoff after
// every disconnect until ctx ends.
func (d *Driver) Run(ctx context.Context, l transport.Listener) error {
	for {
		c, _, err := d.opts.Dialer.DialContext(ctx, d.opts.URL, d.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := d.opts.Backoff.Next()
			d.logger.Warn("dial failed", logpkg.Err(err), logpkg.Dur("retry_in", wait))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		d.opts.Backoff.Reset()
		d.logger.Info("dialled")

		d.mu.Lock()
		d.conn = c
		d.mu.Unlock()

		readErr := make(chan error, 1)
		go func() { readErr <- d.readLoop(c) }()
		stopPing := d.keepalive(c)

		l.Connected(ctx)

		var cause error
		select {
		case cause = <-readErr:
		case <-ctx.Done():
			d.writeMu.Lock()
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			d.writeMu.Unlock()
			_ = c.Close()
			<-readErr
			cause = ctx.Err()
		}
		stopPing()
		d.mu.Lock()
		d.conn = nil
		d.mu.Unlock()
		l.Disconnected(cause)

		if ctx.Err() != nil {
			return nil
		}
		if !sleep(ctx, d.opts.Backoff.Next()) {
			return nil
		}
	}
}

// readLoop dispatches acks until the connection fails, then fails every
// frame still waiting on this connection.
func (d *Driver) readLoop(c *websocket.Conn) error {
	defer func() {
		_ = c.Close()
		d.mu.Lock()
		if d.conn == c {
			d.conn = nil
		}
		for id, ch := range d.pending {
			ch <- transport.ErrNotConnected
			delete(d.pending, id)
		}
		d.mu.Unlock()
	}()

	deadline := 2 * d.opts.PingInterval
	_ = c.SetReadDeadline(time.Now().Add(deadline))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.SetReadDeadline(time.Now().Add(deadline))
		var f inFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			d.logger.Debug("ignoring undecodable frame", logpkg.Err(err))
			continue
		}
		switch f.Type {
		case frameAck:
			d.resolve(f.ID, nil)
		case frameNack:
			d.resolve(f.ID, fmt.Errorf("ws: backend rejected frame %d: %s", f.ID, f.Error))
		}
	}
}

func (d *Driver) resolve(id uint64, err error) {
	d.mu.Lock()
	ch, ok := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (d *Driver) keepalive(c *websocket.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(d.opts.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(d.opts.WriteTimeout)); err != nil {
					_ = c.Close()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
