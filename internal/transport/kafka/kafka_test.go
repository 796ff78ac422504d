package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/transport"
)

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{EventsTopic: "events"}); err == nil {
		t.Fatalf("expected broker error")
	}
	if _, err := New(Options{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected topic error")
	}
	d, err := New(Options{Brokers: []string{"localhost:9092"}, EventsTopic: "courier.events"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if d.opts.RegistrationTopic != "courier.events.registrations" {
		t.Fatalf("registration topic default: %s", d.opts.RegistrationTopic)
	}
}

func TestSendBeforeConnect(t *testing.T) {
	d, _ := New(Options{Brokers: []string{"localhost:9092"}, EventsTopic: "courier.events"})
	if err := d.Send(context.Background(), []event.Record{{Category: event.MessageCreate, ScopeID: "g"}}); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := d.Handshake(context.Background(), transport.Registration{InstanceID: "x"}); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestBuildMessage(t *testing.T) {
	batch := []event.Record{{Category: event.MessageCreate, ScopeID: "g1"}, {Category: event.MessageCreate, ScopeID: "g2"}}
	msg := buildMessage("courier.events", batchKey(batch), []byte("[]"), "inst")
	if string(msg.Key) != "g1" || msg.Topic != "courier.events" {
		t.Fatalf("message: %+v", msg)
	}
	if len(msg.Headers) != 2 || msg.Headers[0].Key != "instance_id" || string(msg.Headers[0].Value) != "inst" {
		t.Fatalf("headers: %+v", msg.Headers)
	}
	again := buildMessage("courier.events", "g1", []byte("[]"), "inst")
	if msg.Headers[1].Key != "message_id" || string(msg.Headers[1].Value) == string(again.Headers[1].Value) {
		t.Fatalf("message ids should be unique: %s %s", msg.Headers[1].Value, again.Headers[1].Value)
	}
	if batchKey(nil) != "" {
		t.Fatalf("empty batch key")
	}
}

type nopListener struct{ connected int }

func (l *nopListener) Connected(context.Context) { l.connected++ }
func (l *nopListener) Disconnected(error)        {}

func TestRunWithoutBrokersStopsOnCancel(t *testing.T) {
	d, _ := New(Options{
		Brokers:     []string{"127.0.0.1:1"},
		EventsTopic: "courier.events",
		Backoff:     transport.Backoff{Min: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	l := &nopListener{}
	if err := d.Run(ctx, l); err != nil {
		t.Fatalf("run: %v", err)
	}
	if l.connected != 0 {
		t.Fatalf("unreachable brokers must not report a connection")
	}
}

func TestEncodeFailureEndsConnection(t *testing.T) {
	d, _ := New(Options{Brokers: []string{"localhost:9092"}, EventsTopic: "courier.events"})
	d.mu.Lock()
	d.up = true
	d.mu.Unlock()

	bad := []event.Record{{Category: event.MessageCreate, ScopeID: "g", Payload: json.RawMessage("{bad")}}
	if err := d.Send(context.Background(), bad); err == nil {
		t.Fatalf("expected encode error")
	}
	d.mu.Lock()
	up := d.up
	d.mu.Unlock()
	if up {
		t.Fatalf("connection should be marked down")
	}
	select {
	case <-d.failed:
	default:
		t.Fatalf("Run should be told the connection failed")
	}
}
