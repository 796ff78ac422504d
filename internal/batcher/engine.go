package batcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/policy"
	logpkg "github.com/rzbill/courier/pkg/log"
)

// ErrClosed is returned by Submit once Close has started.
var ErrClosed = errors.New("batcher closed")

// Sink receives flushed batches. It reports whether the batch went out live.
// Once ctx is cancelled it must stop waiting on the network and buffer.
type Sink interface {
	SendOrBuffer(ctx context.Context, batch []event.Record) bool
}

// Timer is the part of *time.Timer the engine needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Reason tells why a batch was flushed.
type Reason string

const (
	ReasonSize      Reason = "size"
	ReasonTimer     Reason = "timer"
	ReasonImmediate Reason = "immediate"
	ReasonShutdown  Reason = "shutdown"
)

// Options configures an Engine.
type Options struct {
	Policies *policy.Table
	Sink     Sink
	Logger   logpkg.Logger
	// AfterFunc arms flush timers. Defaults to time.AfterFunc.
	AfterFunc AfterFunc
}

// Stats is a snapshot of engine counters.
type Stats struct {
	PendingKeys     int    `json:"pendingKeys"`
	PendingEvents   int    `json:"pendingEvents"`
	QueuedBatches   int    `json:"queuedBatches"`
	FlushedBatches  uint64 `json:"flushedBatches"`
	FlushedEvents   uint64 `json:"flushedEvents"`
	DeliveredLive   uint64 `json:"deliveredLive"`
	DeliveredBuffer uint64 `json:"deliveredBuffer"`
}

type pending struct {
	gen    uint64
	events []event.Record
	timer  Timer
}

type flush struct {
	key    event.Key
	reason Reason
	events []event.Record
}

// Engine is the event batching stage. It is safe for concurrent use.
type Engine struct {
	policies  *policy.Table
	sink      Sink
	logger    logpkg.Logger
	afterFunc AfterFunc

	mu      sync.Mutex
	pending map[event.Key]*pending
	gen     uint64
	queue   []flush
	closed  bool
	stats   Stats

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an Engine and starts its dispatch goroutine.
func New(opts Options) *Engine {
	if opts.Policies == nil {
		opts.Policies = policy.DefaultTable()
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNop()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		policies:  opts.Policies,
		sink:      opts.Sink,
		logger:    opts.Logger.With(logpkg.Component("batcher")),
		afterFunc: opts.AfterFunc,
		pending:   make(map[event.Key]*pending),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	go e.dispatchLoop()
	return e
}

// Submit accepts one record. It never blocks on I/O and, once accepted, the
// record is part of exactly one flushed batch. Records failing
// event.Record.Validate are rejected with event.ErrInvalid.
func (e *Engine) Submit(rec event.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	pol, rule := e.policies.ResolveRule(rec.Category, rec.ScopeID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.logger.Warn("submit after close", logpkg.Str("category", string(rec.Category)), logpkg.Str("scope", rec.ScopeID))
		return ErrClosed
	}

	key := rec.Key()
	p, ok := pol.(policy.Batched)
	if !ok || p.MaxSize <= 1 {
		e.enqueueLocked(flush{key: key, reason: ReasonImmediate, events: []event.Record{rec}})
		return nil
	}

	pb := e.pending[key]
	if pb == nil {
		e.gen++
		pb = &pending{gen: e.gen, events: make([]event.Record, 0, p.MaxSize)}
		e.pending[key] = pb
	}
	pb.events = append(pb.events, rec)

	if len(pb.events) >= p.MaxSize {
		if pb.timer != nil {
			pb.timer.Stop()
		}
		delete(e.pending, key)
		e.enqueueLocked(flush{key: key, reason: ReasonSize, events: pb.events})
		return nil
	}
	if pb.timer == nil {
		gen := pb.gen
		pb.timer = e.afterFunc(p.MaxWait, func() { e.onTimer(key, gen) })
		e.logger.Debug("batch started",
			logpkg.Str("rule", rule),
			logpkg.Str("category", string(key.Category)),
			logpkg.Str("scope", key.Scope),
			logpkg.Dur("max_wait", p.MaxWait))
	}
	return nil
}

// onTimer flushes the batch the timer was armed for. A timer whose batch was
// already flushed by size finds a different generation (or none) and does
// nothing.
func (e *Engine) onTimer(key event.Key, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb := e.pending[key]
	if pb == nil || pb.gen != gen {
		return
	}
	delete(e.pending, key)
	e.enqueueLocked(flush{key: key, reason: ReasonTimer, events: pb.events})
}

func (e *Engine) enqueueLocked(f flush) {
	e.queue = append(e.queue, f)
	e.stats.FlushedBatches++
	e.stats.FlushedEvents += uint64(len(f.events))
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatchLoop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			<-e.wake
			continue
		}
		f := e.queue[0]
		e.queue[0] = flush{}
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.deliver(f)
	}
}

func (e *Engine) deliver(f flush) {
	live := false
	if e.sink != nil {
		live = e.sink.SendOrBuffer(e.ctx, f.events)
	}
	e.mu.Lock()
	if live {
		e.stats.DeliveredLive++
	} else {
		e.stats.DeliveredBuffer++
	}
	e.mu.Unlock()
	e.logger.Debug("batch flushed",
		logpkg.Str("reason", string(f.reason)),
		logpkg.Str("category", string(f.key.Category)),
		logpkg.Str("scope", f.key.Scope),
		logpkg.Int("size", len(f.events)),
		logpkg.Bool("live", live))
}

// Close stops accepting records, flushes every pending batch and waits until
// the dispatch queue is empty. When ctx ends first, the sink context is
// cancelled so in-flight and remaining batches skip the transport and go to
// the outbox; Close still waits for that and returns ctx.Err().
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		for _, k := range e.pendingKeysLocked() {
			pb := e.pending[k]
			if pb.timer != nil {
				pb.timer.Stop()
			}
			delete(e.pending, k)
			e.enqueueLocked(flush{key: k, reason: ReasonShutdown, events: pb.events})
		}
		// wake the loop so it notices closed on an empty queue
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		e.cancel()
		return nil
	case <-ctx.Done():
	}
	e.mu.Lock()
	queued := len(e.queue)
	e.mu.Unlock()
	e.logger.Warn("shutdown deadline reached, buffering queued batches", logpkg.Int("batches", queued))
	e.cancel()
	<-e.done
	return ctx.Err()
}

// pendingKeysLocked returns pending keys oldest batch first.
func (e *Engine) pendingKeysLocked() []event.Key {
	keys := make([]event.Key, 0, len(e.pending))
	for k := range e.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return e.pending[keys[i]].gen < e.pending[keys[j]].gen })
	return keys
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.PendingKeys = len(e.pending)
	for _, pb := range e.pending {
		s.PendingEvents += len(pb.events)
	}
	s.QueuedBatches = len(e.queue)
	return s
}
