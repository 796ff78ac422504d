package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/outbox"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
	"github.com/rzbill/courier/internal/transport"
)

type fakeConn struct {
	mu            sync.Mutex
	sent          [][]event.Record
	sends         int
	handshakes    []transport.Registration
	failHandshake bool
	// onSend runs before a send is recorded; a non-nil error fails the send.
	onSend func(n int, batch []event.Record) error
}

func (c *fakeConn) Send(_ context.Context, batch []event.Record) error {
	c.mu.Lock()
	c.sends++
	n, hook := c.sends, c.onSend
	c.mu.Unlock()
	if hook != nil {
		if err := hook(n, batch); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, append([]event.Record(nil), batch...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Handshake(_ context.Context, reg transport.Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failHandshake {
		return errors.New("handshake rejected")
	}
	c.handshakes = append(c.handshakes, reg)
	return nil
}

func (c *fakeConn) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, b := range c.sent {
		for _, r := range b {
			ids = append(ids, r.MessageID)
		}
	}
	return ids
}

type countingOutbox struct {
	*outbox.Store
	evictCalls atomic.Int32
}

func (c *countingOutbox) EvictExcess(ctx context.Context, maxAllowed int) (int, error) {
	c.evictCalls.Add(1)
	return c.Store.EvictExcess(ctx, maxAllowed)
}

func newTestOutbox(t *testing.T, maxEntries int) *countingOutbox {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s, err := outbox.Open(db, outbox.Options{MaxEntries: maxEntries})
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	return &countingOutbox{Store: s}
}

var testReg = transport.Registration{InstanceID: "0b8f7d2e-1111-4c4c-9a9a-000000000001", Label: "test", Version: "dev"}

func newTestManager(t *testing.T, conn *fakeConn, ob Outbox, pageSize int) *Manager {
	t.Helper()
	m := New(Options{Conn: conn, Outbox: ob, Registration: testReg, PageSize: pageSize, PageDelay: time.Millisecond})
	t.Cleanup(m.Wait)
	return m
}

func batchOf(ids ...string) []event.Record {
	out := make([]event.Record, len(ids))
	for i, id := range ids {
		out[i] = event.Record{Category: event.MessageCreate, ScopeID: "g", MessageID: id, OccurredAt: time.UnixMilli(1700000000000)}
	}
	return out
}

func equalIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSendLiveWhenConnected(t *testing.T) {
	conn := &fakeConn{}
	ob := newTestOutbox(t, 0)
	m := newTestManager(t, conn, ob, 10)
	m.Connected(context.Background())
	m.Wait()

	if !m.SendOrBuffer(context.Background(), batchOf("a", "b")) {
		t.Fatalf("expected live send")
	}
	if got := conn.delivered(); !equalIDs(got, "a", "b") {
		t.Fatalf("delivered: %v", got)
	}
	if ob.Count() != 0 {
		t.Fatalf("nothing should be buffered")
	}
}

func TestBufferWhileDisconnected(t *testing.T) {
	conn := &fakeConn{}
	ob := newTestOutbox(t, 0)
	m := newTestManager(t, conn, ob, 10)
	if m.SendOrBuffer(context.Background(), batchOf("a", "b")) {
		t.Fatalf("expected buffering while disconnected")
	}
	if ob.Count() != 2 || len(conn.delivered()) != 0 {
		t.Fatalf("count=%d delivered=%v", ob.Count(), conn.delivered())
	}
}

func TestSendFailureBuffersAndDisconnects(t *testing.T) {
	conn := &fakeConn{onSend: func(int, []event.Record) error { return errors.New("broken pipe") }}
	ob := newTestOutbox(t, 0)
	m := newTestManager(t, conn, ob, 10)
	m.Connected(context.Background())
	m.Wait()

	if m.SendOrBuffer(context.Background(), batchOf("a")) {
		t.Fatalf("failed send reported as live")
	}
	if m.State() != Disconnected {
		t.Fatalf("state should be disconnected, got %s", m.State())
	}
	if ob.Count() != 1 {
		t.Fatalf("batch should be buffered, count=%d", ob.Count())
	}
}

func TestReconnectReplaysBeforeNewEvents(t *testing.T) {
	conn := &fakeConn{}
	ob := newTestOutbox(t, 0)
	m := newTestManager(t, conn, ob, 1)
	ctx := context.Background()

	m.SendOrBuffer(ctx, batchOf("A"))
	m.SendOrBuffer(ctx, batchOf("B"))
	m.Connected(ctx)
	m.SendOrBuffer(ctx, batchOf("C"))
	m.Wait()

	if got := conn.delivered(); !equalIDs(got, "A", "B", "C") {
		t.Fatalf("expected A, B, C; got %v", got)
	}
	if ob.Count() != 0 {
		t.Fatalf("outbox should be empty, count=%d", ob.Count())
	}
	if m.SendOrBuffer(ctx, batchOf("D")) != true {
		t.Fatalf("live sends should resume after the drain")
	}
}

func TestHandshakeOncePerConnection(t *testing.T) {
	conn := &fakeConn{}
	m := newTestManager(t, conn, newTestOutbox(t, 0), 10)
	ctx := context.Background()
	m.Connected(ctx)
	m.Wait()
	m.SendOrBuffer(ctx, batchOf("a"))
	m.SendOrBuffer(ctx, batchOf("b"))
	m.Disconnected(errors.New("eof"))
	m.Connected(ctx)
	m.Wait()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.handshakes) != 2 {
		t.Fatalf("expected 2 handshakes, got %d", len(conn.handshakes))
	}
	if conn.handshakes[1] != testReg {
		t.Fatalf("registration: %+v", conn.handshakes[1])
	}
}

func TestHandshakeFailureStaysDisconnected(t *testing.T) {
	conn := &fakeConn{failHandshake: true}
	ob := newTestOutbox(t, 0)
	m := newTestManager(t, conn, ob, 10)
	m.Connected(context.Background())
	m.Wait()
	if m.State() != Disconnected {
		t.Fatalf("failed handshake must not leave the session connected")
	}
	if m.Stats().Drains != 0 {
		t.Fatalf("no drain without a handshake")
	}
	if m.SendOrBuffer(context.Background(), batchOf("a")) || ob.Count() != 1 {
		t.Fatalf("expected buffering")
	}
}

func TestDrainStopsOnDisconnect(t *testing.T) {
	conn := &fakeConn{}
	ob := newTestOutbox(t, 0)
	m := newTestManager(t, conn, ob, 1)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.SendOrBuffer(ctx, batchOf(fmt.Sprint(i)))
	}
	conn.onSend = func(n int, _ []event.Record) error {
		if n == 1 {
			m.Disconnected(errors.New("connection reset"))
		}
		return nil
	}
	m.Connected(ctx)
	m.Wait()

	if got := conn.delivered(); !equalIDs(got, "0") {
		t.Fatalf("expected only the first page, got %v", got)
	}
	if ob.Count() != 4 {
		t.Fatalf("undelivered entries must stay, count=%d", ob.Count())
	}

	conn.onSend = nil
	m.Connected(ctx)
	m.Wait()
	if got := conn.delivered(); !equalIDs(got, "0", "1", "2", "3", "4") {
		t.Fatalf("second drain should resume in order, got %v", got)
	}
}

func TestDrainSendFailureKeepsPage(t *testing.T) {
	conn := &fakeConn{}
	ob := newTestOutbox(t, 0)
	m := newTestManager(t, conn, ob, 2)
	ctx := context.Background()
	m.SendOrBuffer(ctx, batchOf("a", "b", "c"))
	conn.onSend = func(n int, _ []event.Record) error {
		if n == 2 {
			return errors.New("write timeout")
		}
		return nil
	}
	m.Connected(ctx)
	m.Wait()

	if m.State() != Disconnected {
		t.Fatalf("send failure should disconnect")
	}
	page, err := ob.ReadPage(10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(page) != 1 || page[0].Record.MessageID != "c" {
		t.Fatalf("unconfirmed page should remain: %+v", page)
	}
}

func TestEvictionAfterDrain(t *testing.T) {
	conn := &fakeConn{}
	ob := newTestOutbox(t, 10)
	m := newTestManager(t, conn, ob, 10)
	ctx := context.Background()
	m.SendOrBuffer(ctx, batchOf("a"))
	m.Connected(ctx)
	m.Wait()
	if ob.evictCalls.Load() != 1 {
		t.Fatalf("expected housekeeping after drain, calls=%d", ob.evictCalls.Load())
	}
}

func TestStorageFailureIsReported(t *testing.T) {
	conn := &fakeConn{}
	ob := newTestOutbox(t, 0)
	m := newTestManager(t, conn, ob, 10)
	ob.Close()
	if m.SendOrBuffer(context.Background(), batchOf("a")) {
		t.Fatalf("expected false")
	}
	if st := m.Stats(); st.StorageFailures != 1 || st.BufferedBatches != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestUndeliverableRecordDoesNotBlockDrain(t *testing.T) {
	conn := &fakeConn{onSend: func(_ int, batch []event.Record) error {
		if _, err := event.EncodeBatch(batch); err != nil {
			return err
		}
		return nil
	}}
	ob := newTestOutbox(t, 0)
	bad := event.Record{Category: event.MessageCreate, ScopeID: "g", MessageID: "bad", Payload: json.RawMessage("{bad")}
	// written straight to the store, as an older build could have done
	if _, err := ob.Append(context.Background(), []event.Record{bad}); err != nil {
		t.Fatalf("append: %v", err)
	}
	m := newTestManager(t, conn, ob, 10)
	ctx := context.Background()
	m.SendOrBuffer(ctx, batchOf("good"))

	m.Connected(ctx)
	m.Wait()
	if got := conn.delivered(); !equalIDs(got, "good") {
		t.Fatalf("expected only the good record, got %v", got)
	}
	if ob.Count() != 0 || m.State() != Connected {
		t.Fatalf("count=%d state=%s", ob.Count(), m.State())
	}
	if st := m.Stats(); st.DroppedInvalid != 1 {
		t.Fatalf("dropped: %+v", st)
	}
	if !m.SendOrBuffer(ctx, append(batchOf("next"), bad)) {
		t.Fatalf("valid part of a mixed batch should go live")
	}
	if got := conn.delivered(); !equalIDs(got, "good", "next") {
		t.Fatalf("delivered: %v", got)
	}
}

func TestCancelledContextBuffersWithoutDisconnect(t *testing.T) {
	conn := &fakeConn{}
	ob := newTestOutbox(t, 0)
	m := newTestManager(t, conn, ob, 10)
	m.Connected(context.Background())
	m.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if m.SendOrBuffer(ctx, batchOf("late")) {
		t.Fatalf("cancelled send should not be live")
	}
	if m.State() != Connected {
		t.Fatalf("cancellation is not a disconnect, state=%s", m.State())
	}
	// the connection is still up, so the buffered batch is drained
	m.Wait()
	if got := conn.delivered(); !equalIDs(got, "late") || ob.Count() != 0 {
		t.Fatalf("delivered=%v count=%d", got, ob.Count())
	}
}

func TestZeroPageDelayMeansNoPause(t *testing.T) {
	m := New(Options{Conn: &fakeConn{}, Outbox: newTestOutbox(t, 0)})
	if m.pageDelay != 0 {
		t.Fatalf("zero delay should be kept, got %s", m.pageDelay)
	}
	m = New(Options{Conn: &fakeConn{}, Outbox: newTestOutbox(t, 0), PageDelay: -time.Second})
	if m.pageDelay != 0 {
		t.Fatalf("negative delay should clamp to zero, got %s", m.pageDelay)
	}
}
