package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/outbox"
	"github.com/rzbill/courier/internal/transport"
	logpkg "github.com/rzbill/courier/pkg/log"
)

// State of the backend connection.
type State int32

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Outbox is the durable queue the manager buffers into.
type Outbox interface {
	Append(ctx context.Context, recs []event.Record) ([]uint64, error)
	ReadPage(pageSize, offset int) ([]outbox.Entry, error)
	DeleteThrough(ctx context.Context, seq uint64) (int, error)
	EvictExcess(ctx context.Context, maxAllowed int) (int, error)
	Count() int
	MaxEntries() int
}

// Options configures a Manager.
type Options struct {
	Conn         transport.Conn
	Outbox       Outbox
	Registration transport.Registration
	// PageSize bounds one drain page. Defaults to 100.
	PageSize int
	// PageDelay is the pause between drain pages. Zero means no pause.
	PageDelay time.Duration
	Logger    logpkg.Logger
}

// Stats is a snapshot of delivery counters.
type Stats struct {
	State           string `json:"state"`
	Draining        bool   `json:"draining"`
	Outbox          int    `json:"outbox"`
	LiveBatches     uint64 `json:"liveBatches"`
	BufferedBatches uint64 `json:"bufferedBatches"`
	DrainedEvents   uint64 `json:"drainedEvents"`
	Drains          uint64 `json:"drains"`
	Handshakes      uint64 `json:"handshakes"`
	StorageFailures uint64 `json:"storageFailures"`
	DroppedInvalid  uint64 `json:"droppedInvalid"`
}

// Manager is the transport session. It implements transport.Listener.
type Manager struct {
	conn      transport.Conn
	outbox    Outbox
	reg       transport.Registration
	pageSize  int
	pageDelay time.Duration
	logger    logpkg.Logger

	state    atomic.Int32
	draining atomic.Bool

	// sendMu serializes live sends, outbox appends and drain pages.
	sendMu sync.Mutex

	connMu  sync.Mutex
	down    chan struct{}
	connCtx context.Context

	wg sync.WaitGroup

	liveBatches     atomic.Uint64
	bufferedBatches atomic.Uint64
	drainedEvents   atomic.Uint64
	drains          atomic.Uint64
	handshakes      atomic.Uint64
	storageFailures atomic.Uint64
	droppedInvalid  atomic.Uint64
}

// New builds a Manager in the Disconnected state.
func New(opts Options) *Manager {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.PageDelay < 0 {
		opts.PageDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNop()
	}
	return &Manager{
		conn:      opts.Conn,
		outbox:    opts.Outbox,
		reg:       opts.Registration,
		pageSize:  opts.PageSize,
		pageDelay: opts.PageDelay,
		logger:    opts.Logger.With(logpkg.Component("session")),
		down:      closedChan(),
		connCtx:   context.Background(),
	}
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Registration returns the identity sent on every handshake.
func (m *Manager) Registration() transport.Registration { return m.reg }

// SendOrBuffer delivers batch live when possible and reports true, or
// persists it in the outbox and reports false. A false return with a
// storage failure is logged; the batch is then lost. Once ctx is cancelled
// the batch goes straight to the outbox.
func (m *Manager) SendOrBuffer(ctx context.Context, batch []event.Record) bool {
	batch = m.deliverable(batch)
	if len(batch) == 0 {
		return true
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if ctx.Err() == nil && m.State() == Connected && !m.draining.Load() && m.outbox.Count() == 0 {
		err := m.conn.Send(ctx, batch)
		if err == nil {
			m.liveBatches.Add(1)
			return true
		}
		m.logger.Warn("live send failed, buffering", logpkg.Err(err), logpkg.Int("size", len(batch)))
		if ctx.Err() == nil {
			m.markDisconnected(err)
		}
	}

	m.bufferLocked(ctx, batch)
	// A backlog left by an aborted drain must not be overtaken by later batches.
	if m.State() == Connected && m.draining.CompareAndSwap(false, true) {
		m.startDrain()
	}
	return false
}

// deliverable drops records no backend could decode. They are counted and
// logged, never buffered, so they cannot block the outbox.
func (m *Manager) deliverable(batch []event.Record) []event.Record {
	var out []event.Record
	for i, r := range batch {
		if err := r.Validate(); err != nil {
			if out == nil {
				out = append(make([]event.Record, 0, len(batch)), batch[:i]...)
			}
			m.droppedInvalid.Add(1)
			m.logger.Error("undeliverable record dropped",
				logpkg.Err(err),
				logpkg.Str("category", string(r.Category)),
				logpkg.Str("scope", r.ScopeID))
			continue
		}
		if out != nil {
			out = append(out, r)
		}
	}
	if out == nil {
		return batch
	}
	return out
}

// bufferLocked appends batch to the outbox. The append is local and runs even
// when ctx is already cancelled, e.g. during a shutdown flush.
func (m *Manager) bufferLocked(ctx context.Context, batch []event.Record) {
	if _, err := m.outbox.Append(context.WithoutCancel(ctx), batch); err != nil {
		m.storageFailures.Add(1)
		m.logger.Error("outbox append failed, batch dropped",
			logpkg.Err(err),
			logpkg.Int("size", len(batch)),
			logpkg.Str("category", string(batch[0].Category)),
			logpkg.Str("scope", batch[0].ScopeID))
		return
	}
	m.bufferedBatches.Add(1)
}

// Connected handles a new transport connection. ctx bounds the lifetime of
// the drain it starts, normally the driver's run context.
func (m *Manager) Connected(ctx context.Context) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.connMu.Lock()
	m.down = make(chan struct{})
	m.connCtx = ctx
	m.state.Store(int32(Connected))
	m.connMu.Unlock()

	if err := m.conn.Handshake(ctx, m.reg); err != nil {
		m.logger.Warn("registration handshake failed", logpkg.Err(err))
		m.markDisconnected(err)
		return
	}
	m.handshakes.Add(1)
	m.logger.Info("connected",
		logpkg.Str("instance_id", m.reg.InstanceID),
		logpkg.Int("outbox", m.outbox.Count()))

	if m.draining.CompareAndSwap(false, true) {
		m.startDrain()
	}
}

// Disconnected handles loss of the transport connection.
func (m *Manager) Disconnected(err error) {
	if m.markDisconnected(err) {
		m.logger.Warn("disconnected", logpkg.Err(err))
	}
}

// markDisconnected moves to Disconnected and wakes a pausing drain. It
// reports whether the state changed.
func (m *Manager) markDisconnected(error) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if !m.state.CompareAndSwap(int32(Connected), int32(Disconnected)) {
		return false
	}
	close(m.down)
	return true
}

func (m *Manager) startDrain() {
	m.connMu.Lock()
	ctx, down := m.connCtx, m.down
	m.connMu.Unlock()
	m.drains.Add(1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drain(ctx, down)
	}()
}

// drain replays the outbox page by page. The caller has set draining; drain
// clears it on every exit while holding sendMu, so a batch buffered during
// the drain is always seen by its final read.
func (m *Manager) drain(ctx context.Context, down <-chan struct{}) {
	m.logger.Info("drain started", logpkg.Int("outbox", m.outbox.Count()))
	var drained int
	for {
		done, n := m.drainPage(ctx)
		drained += n
		if done {
			break
		}
		if !m.pause(ctx, down) {
			m.stopDraining()
			m.logger.Info("drain interrupted", logpkg.Int("drained", drained), logpkg.Int("outbox", m.outbox.Count()))
			return
		}
	}
	m.logger.Info("drain finished", logpkg.Int("drained", drained))

	if limit := m.outbox.MaxEntries(); limit > 0 {
		if n, err := m.outbox.EvictExcess(ctx, limit); err != nil {
			m.storageFailures.Add(1)
			m.logger.Error("outbox eviction failed", logpkg.Err(err))
		} else if n > 0 {
			m.logger.Warn("outbox trimmed after drain", logpkg.Int("evicted", n))
		}
	}
}

// drainPage sends one page and deletes it once confirmed. done is true when
// the drain has ended (outbox empty, disconnect or storage failure).
func (m *Manager) drainPage(ctx context.Context) (done bool, sent int) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if ctx.Err() != nil || m.State() != Connected {
		m.draining.Store(false)
		return true, 0
	}
	page, err := m.outbox.ReadPage(m.pageSize, 0)
	if err != nil {
		m.storageFailures.Add(1)
		m.logger.Error("outbox read failed, drain aborted", logpkg.Err(err))
		m.draining.Store(false)
		return true, 0
	}
	if len(page) == 0 {
		m.draining.Store(false)
		return true, 0
	}

	records := make([]event.Record, len(page))
	for i, e := range page {
		records[i] = e.Record
	}
	batch := m.deliverable(records)
	if len(batch) > 0 {
		if err := m.conn.Send(ctx, batch); err != nil {
			m.logger.Warn("drain send failed", logpkg.Err(err), logpkg.Int("size", len(batch)))
			if ctx.Err() == nil {
				m.markDisconnected(err)
			}
			m.draining.Store(false)
			return true, 0
		}
	}
	// Pebble applies the delete before returning, so the next read from
	// offset 0 starts after this page.
	if _, err := m.outbox.DeleteThrough(context.WithoutCancel(ctx), page[len(page)-1].Seq); err != nil {
		m.storageFailures.Add(1)
		m.logger.Error("outbox delete failed after send, page will be resent", logpkg.Err(err))
		m.draining.Store(false)
		return true, len(batch)
	}
	m.drainedEvents.Add(uint64(len(batch)))
	return false, len(batch)
}

// stopDraining ends an interrupted drain. If the connection came back in the
// meantime its Connected call could not start a drain, so one starts here.
func (m *Manager) stopDraining() {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	m.draining.Store(false)
	if m.State() == Connected && m.outbox.Count() > 0 && m.draining.CompareAndSwap(false, true) {
		m.startDrain()
	}
}

func (m *Manager) pause(ctx context.Context, down <-chan struct{}) bool {
	if m.pageDelay <= 0 {
		select {
		case <-down:
			return false
		default:
			return ctx.Err() == nil
		}
	}
	t := time.NewTimer(m.pageDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-down:
		return false
	case <-ctx.Done():
		return false
	}
}

// Wait blocks until a running drain has returned.
func (m *Manager) Wait() { m.wg.Wait() }

// Stats returns a snapshot of delivery counters.
func (m *Manager) Stats() Stats {
	return Stats{
		State:           m.State().String(),
		Draining:        m.draining.Load(),
		Outbox:          m.outbox.Count(),
		LiveBatches:     m.liveBatches.Load(),
		BufferedBatches: m.bufferedBatches.Load(),
		DrainedEvents:   m.drainedEvents.Load(),
		Drains:          m.drains.Load(),
		Handshakes:      m.handshakes.Load(),
		StorageFailures: m.storageFailures.Load(),
		DroppedInvalid:  m.droppedInvalid.Load(),
	}
}
