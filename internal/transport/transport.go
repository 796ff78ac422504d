// Package transport defines the connection the session delivers batches
// over, and the driver contract concrete transports implement.
package transport

import (
	"context"
	"errors"

	"github.com/rzbill/courier/internal/event"
)

var (
	// ErrNotConnected is returned by Send and Handshake when no connection is up.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrAckTimeout is returned when the backend did not confirm a frame in time.
	ErrAckTimeout = errors.New("transport: ack timeout")
)

// Registration identifies this producer instance to the backend. It is sent
// once per new connection.
type Registration struct {
	InstanceID string `json:"instanceId"`
	Label      string `json:"label"`
	Version    string `json:"version"`
}

// Conn delivers batches. A nil error from Send means the backend confirmed
// the batch. Any other outcome of Send or Handshake ends the current
// connection, so the owning Driver reports Disconnected and reconnects.
type Conn interface {
	Send(ctx context.Context, batch []event.Record) error
	Handshake(ctx context.Context, reg Registration) error
}

// Listener observes connection transitions.
type Listener interface {
	Connected(ctx context.Context)
	Disconnected(err error)
}

// Driver is a Conn that owns its connect/reconnect loop. Run blocks until ctx
// ends, reporting every transition to l.
type Driver interface {
	Conn
	Run(ctx context.Context, l Listener) error
	Name() string
}
