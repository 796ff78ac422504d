// Package kafka delivers batches to a Kafka (or Redpanda) cluster.
//
// One batch becomes one message on the events topic, keyed by the scope of
// its first record and tagged with instance id and message id headers. Writes require
// acknowledgement from all in-sync replicas. Connectivity is probed by
// dialling the first reachable broker; a failed write ends the current
// connection so Run reports it and probes again.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/transport"
	logpkg "github.com/rzbill/courier/pkg/log"
	"github.com/segmentio/kafka-go"
)

const (
	headerInstanceID = "instance_id"
	// headerMessageID is a time-ordered id consumers can deduplicate replays on.
	headerMessageID = "message_id"
)

// Options configures a Driver.
type Options struct {
	Brokers           []string
	EventsTopic       string
	RegistrationTopic string
	// WriteTimeout bounds one WriteMessages call. Defaults to 10s.
	WriteTimeout time.Duration
	// PingInterval is the broker probe period while connected. Defaults to 15s.
	PingInterval time.Duration
	Backoff      transport.Backoff
	Logger       logpkg.Logger
}

// Driver is a transport.Driver over segmentio/kafka-go.
type Driver struct {
	opts   Options
	logger logpkg.Logger
	writer *kafka.Writer

	mu         sync.Mutex
	up         bool
	instanceID string
	failed     chan error
}

// New builds a Driver. The writer is created eagerly; brokers are contacted
// only by Run and Send.
func New(opts Options) (*Driver, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if opts.EventsTopic == "" {
		return nil, errors.New("kafka: events topic required")
	}
	if opts.RegistrationTopic == "" {
		opts.RegistrationTopic = opts.EventsTopic + ".registrations"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNop()
	}
	logger := opts.Logger.With(logpkg.Component("kafka"), logpkg.Str("topic", opts.EventsTopic))
	return &Driver{
		opts:   opts,
		logger: logger,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(opts.Brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			WriteTimeout:           opts.WriteTimeout,
			BatchSize:              1,
			AllowAutoTopicCreation: true,
			ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Warn(fmt.Sprintf(msg, args...)) }),
		},
		failed: make(chan error, 1),
	}, nil
}

func (d *Driver) Name() string { return "kafka" }

// Send writes batch as one message and returns once every in-sync replica
// has it.
func (d *Driver) Send(ctx context.Context, batch []event.Record) error {
	d.mu.Lock()
	up, id := d.up, d.instanceID
	d.mu.Unlock()
	if !up {
		return transport.ErrNotConnected
	}
	value, err := event.EncodeBatch(batch)
	if err != nil {
		err = fmt.Errorf("kafka: encode batch: %w", err)
		d.markDown(err)
		return err
	}
	msg := buildMessage(d.opts.EventsTopic, batchKey(batch), value, id)
	return d.write(ctx, msg)
}

// Handshake publishes the registration, keyed by instance id.
func (d *Driver) Handshake(ctx context.Context, reg transport.Registration) error {
	d.mu.Lock()
	up := d.up
	d.instanceID = reg.InstanceID
	d.mu.Unlock()
	if !up {
		return transport.ErrNotConnected
	}
	value, err := json.Marshal(reg)
	if err != nil {
		err = fmt.Errorf("kafka: encode registration: %w", err)
		d.markDown(err)
		return err
	}
	return d.write(ctx, buildMessage(d.opts.RegistrationTopic, reg.InstanceID, value, reg.InstanceID))
}

func (d *Driver) write(ctx context.Context, msg kafka.Message) error {
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		err = fmt.Errorf("kafka: write %s: %w", msg.Topic, err)
		d.markDown(err)
		return err
	}
	return nil
}

func (d *Driver) markDown(err error) {
	d.mu.Lock()
	wasUp := d.up
	d.up = false
	d.mu.Unlock()
	if wasUp {
		select {
		case d.failed <- err:
		default:
		}
	}
}

func buildMessage(topic, key string, value []byte, instanceID string) kafka.Message {
	msgID, err := uuid.NewV7()
	if err != nil {
		msgID = uuid.New()
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: headerInstanceID, Value: []byte(instanceID)},
			{Key: headerMessageID, Value: []byte(msgID.String())},
		},
	}
}

func batchKey(batch []event.Record) string {
	if len(batch) == 0 {
		return ""
	}
	return batch[0].ScopeID
}

// Run probes the brokers, reports reachability to l and keeps probing every
// PingInterval until ctx ends.
func (d *Driver) Run(ctx context.Context, l transport.Listener) error {
	defer d.writer.Close()
	for {
		if err := d.ping(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := d.opts.Backoff.Next()
			d.logger.Warn("brokers unreachable", logpkg.Err(err), logpkg.Dur("retry_in", wait))
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}
		d.opts.Backoff.Reset()
		// drop a failure signalled by the previous connection
		select {
		case <-d.failed:
		default:
		}
		d.mu.Lock()
		d.up = true
		d.mu.Unlock()
		l.Connected(ctx)

		cause := d.monitor(ctx)
		d.markDown(cause)
		l.Disconnected(cause)
		if ctx.Err() != nil {
			return nil
		}
		if !sleep(ctx, d.opts.Backoff.Next()) {
			return nil
		}
	}
}

// monitor returns when a write fails, a probe fails or ctx ends.
func (d *Driver) monitor(ctx context.Context) error {
	t := time.NewTicker(d.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-d.failed:
			return err
		case <-t.C:
			if err := d.ping(ctx); err != nil {
				return err
			}
		}
	}
}

// ping dials the first reachable broker and asks for cluster metadata.
func (d *Driver) ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range d.opts.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = fmt.Errorf("kafka: dial %s: %w", addr, err)
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("kafka: brokers via %s: %w", addr, err)
			continue
		}
		return nil
	}
	return lastErr
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
