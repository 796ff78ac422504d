package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/rzbill/courier/internal/event"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
)

func openDB(t *testing.T, dir string) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	db := openDB(t, t.TempDir())
	t.Cleanup(func() { _ = db.Close() })
	s, err := Open(db, opts)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	return s
}

func rec(scope string, i int) event.Record {
	return event.Record{
		Category:   event.MessageCreate,
		ScopeID:    scope,
		ActorID:    fmt.Sprintf("u%d", i),
		ChannelID:  "c1",
		MessageID:  fmt.Sprintf("m%d", i),
		OccurredAt: time.UnixMilli(1700000000000 + int64(i)).UTC(),
		Payload:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
	}
}

func recs(scope string, from, n int) []event.Record {
	out := make([]event.Record, n)
	for i := range out {
		out[i] = rec(scope, from+i)
	}
	return out
}

func records(entries []Entry) []event.Record {
	out := make([]event.Record, len(entries))
	for i, e := range entries {
		out[i] = e.Record
	}
	return out
}

type captureEviction struct {
	count    int
	min, max uint64
}

func (c *captureEviction) Evicted(n int, minSeq, maxSeq uint64) {
	c.count += n
	c.min, c.max = minSeq, maxSeq
}

func TestAppendAssignsSequential(t *testing.T) {
	s := newTestStore(t, Options{})
	seqs, err := s.Append(context.Background(), recs("g", 0, 3))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(seqs) != 3 || !(seqs[0] < seqs[1] && seqs[1] < seqs[2]) {
		t.Fatalf("expected increasing seqs: %v", seqs)
	}
	if s.Count() != 3 {
		t.Fatalf("count: %d", s.Count())
	}
}

func TestRoundTripAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	batch := recs("g", 0, 4)
	batch[2].Payload = nil
	batch[3].ActorID = ""

	db := openDB(t, dir)
	s, err := Open(db, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seqs, err := s.Append(ctx, batch)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	page, err := s.ReadPage(10, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(records(page), batch) {
		t.Fatalf("read back mismatch:\n got %+v\nwant %+v", records(page), batch)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2 := openDB(t, dir)
	t.Cleanup(func() { _ = db2.Close() })
	s2, err := Open(db2, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.Count() != 4 {
		t.Fatalf("count after reopen: %d", s2.Count())
	}
	page, err = s2.ReadPage(10, 0)
	if err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if !reflect.DeepEqual(records(page), batch) {
		t.Fatalf("reopen mismatch:\n got %+v\nwant %+v", records(page), batch)
	}
	next, err := s2.Append(ctx, recs("g", 10, 1))
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if next[0] <= seqs[len(seqs)-1] {
		t.Fatalf("sequence went backwards: %d after %d", next[0], seqs[len(seqs)-1])
	}
}

func TestFIFOUnderPartialDrain(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	b1 := recs("g", 0, 3)
	b2 := recs("h", 3, 2)
	if _, err := s.Append(ctx, b1); err != nil {
		t.Fatalf("append b1: %v", err)
	}
	if _, err := s.Append(ctx, b2); err != nil {
		t.Fatalf("append b2: %v", err)
	}

	page, err := s.ReadPage(len(b1), 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(records(page), b1) {
		t.Fatalf("first page should be b1")
	}
	if n, err := s.DeleteOldest(ctx, len(page)); err != nil || n != len(b1) {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}

	rest, err := s.ReadPage(10, 0)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if !reflect.DeepEqual(records(rest), b2) {
		t.Fatalf("expected exactly b2, got %+v", records(rest))
	}
}

func TestReadPageOffset(t *testing.T) {
	s := newTestStore(t, Options{})
	all := recs("g", 0, 5)
	if _, err := s.Append(context.Background(), all); err != nil {
		t.Fatalf("append: %v", err)
	}
	page, err := s.ReadPage(2, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(records(page), all[2:4]) {
		t.Fatalf("offset page mismatch: %+v", records(page))
	}
	if page, _ := s.ReadPage(2, 10); len(page) != 0 {
		t.Fatalf("offset past end should be empty")
	}
}

func TestDeleteThrough(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	seqs, _ := s.Append(ctx, recs("g", 0, 5))
	n, err := s.DeleteThrough(ctx, seqs[2])
	if err != nil || n != 3 {
		t.Fatalf("delete through: n=%d err=%v", n, err)
	}
	page, _ := s.ReadPage(10, 0)
	if len(page) != 2 || page[0].Seq != seqs[3] {
		t.Fatalf("unexpected remainder: %+v", page)
	}
	if s.Count() != 2 {
		t.Fatalf("count: %d", s.Count())
	}
}

func TestCapacityEvictionOnAppend(t *testing.T) {
	ev := &captureEviction{}
	s := newTestStore(t, Options{MaxEntries: 5, Eviction: ev})
	ctx := context.Background()
	seqs, _ := s.Append(ctx, recs("g", 0, 4))
	if _, err := s.Append(ctx, recs("g", 4, 4)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if s.Count() != 5 {
		t.Fatalf("count should equal ceiling, got %d", s.Count())
	}
	page, _ := s.ReadPage(10, 0)
	if !reflect.DeepEqual(records(page), recs("g", 3, 5)) {
		t.Fatalf("expected newest 5 retained, got %+v", records(page))
	}
	if ev.count != 3 || ev.min != seqs[0] || ev.max != seqs[2] {
		t.Fatalf("eviction hook: %+v", ev)
	}
}

func TestAppendLargerThanCapacityKeepsNewest(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 3})
	ctx := context.Background()
	if _, err := s.Append(ctx, recs("g", 0, 2)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.Append(ctx, recs("g", 2, 6)); err != nil {
		t.Fatalf("append: %v", err)
	}
	page, _ := s.ReadPage(10, 0)
	if !reflect.DeepEqual(records(page), recs("g", 5, 3)) {
		t.Fatalf("expected last 3 of the batch, got %+v", records(page))
	}
}

func TestEvictExcess(t *testing.T) {
	ev := &captureEviction{}
	s := newTestStore(t, Options{Eviction: ev})
	ctx := context.Background()
	_, _ = s.Append(ctx, recs("g", 0, 10))
	n, err := s.EvictExcess(ctx, 4)
	if err != nil || n != 6 {
		t.Fatalf("evict: n=%d err=%v", n, err)
	}
	if s.Count() != 4 || ev.count != 6 {
		t.Fatalf("count=%d hook=%d", s.Count(), ev.count)
	}
	page, _ := s.ReadPage(10, 0)
	if !reflect.DeepEqual(records(page), recs("g", 6, 4)) {
		t.Fatalf("expected newest retained")
	}
	if n, _ := s.EvictExcess(ctx, 4); n != 0 {
		t.Fatalf("second evict should be a no-op")
	}
}

func TestClear(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	seqs, _ := s.Append(ctx, recs("g", 0, 3))
	if n, err := s.Clear(ctx); err != nil || n != 3 {
		t.Fatalf("clear: n=%d err=%v", n, err)
	}
	if s.Count() != 0 {
		t.Fatalf("count after clear: %d", s.Count())
	}
	if page, _ := s.ReadPage(10, 0); len(page) != 0 {
		t.Fatalf("entries survived clear")
	}
	if n, _ := s.CountScope("g"); n != 0 {
		t.Fatalf("scope index survived clear")
	}
	next, _ := s.Append(ctx, recs("g", 3, 1))
	if next[0] <= seqs[2] {
		t.Fatalf("sequence reused after clear")
	}
}

func TestScopeIndex(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	_, _ = s.Append(ctx, recs("g", 0, 2))
	_, _ = s.Append(ctx, recs("g/sub", 2, 3))
	_, _ = s.Append(ctx, recs("g", 5, 1))

	if n, _ := s.CountScope("g"); n != 3 {
		t.Fatalf("scope g count: %d", n)
	}
	if n, _ := s.CountScope("g/sub"); n != 3 {
		t.Fatalf("scope g/sub count: %d", n)
	}
	n, err := s.DeleteScope(ctx, "g/sub")
	if err != nil || n != 3 {
		t.Fatalf("delete scope: n=%d err=%v", n, err)
	}
	if s.Count() != 3 {
		t.Fatalf("count: %d", s.Count())
	}
	page, _ := s.ReadPage(10, 0)
	want := append(recs("g", 0, 2), rec("g", 5))
	if !reflect.DeepEqual(records(page), want) {
		t.Fatalf("remaining entries wrong: %+v", records(page))
	}

	// draining removes index entries too
	if _, err := s.DeleteOldest(ctx, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := s.CountScope("g"); n != 1 {
		t.Fatalf("scope index not maintained by delete: %d", n)
	}
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Close()
	if _, err := s.Append(context.Background(), recs("g", 0, 1)); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.ReadPage(1, 0); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
