package outbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/rzbill/courier/internal/event"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("outbox closed")

// Entry is a persisted record together with its insertion sequence.
type Entry struct {
	Seq    uint64
	Record event.Record
}

// EvictionHook observes entries dropped by the capacity bound.
type EvictionHook interface {
	Evicted(count int, minSeq, maxSeq uint64)
}

type noopEviction struct{}

func (noopEviction) Evicted(int, uint64, uint64) {}

// Options configures a Store.
type Options struct {
	// MaxEntries caps the queue; Append evicts the oldest entries beyond it.
	// Zero disables the cap.
	MaxEntries int
	Eviction   EvictionHook
}

// Store is a durable FIFO queue of event records on top of Pebble.
type Store struct {
	db         *pebblestore.DB
	maxEntries int
	eviction   EvictionHook

	mu      sync.Mutex
	lastSeq uint64
	count   uint64
	closed  bool
}

// Open loads queue metadata from db. The caller keeps ownership of db.
func Open(db *pebblestore.DB, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("outbox: nil db")
	}
	if opts.MaxEntries < 0 {
		return nil, fmt.Errorf("outbox: MaxEntries must be >= 0, got %d", opts.MaxEntries)
	}
	s := &Store{db: db, maxEntries: opts.MaxEntries, eviction: opts.Eviction}
	if s.eviction == nil {
		s.eviction = noopEviction{}
	}
	meta, err := db.Get(metaKey)
	switch {
	case err == nil && len(meta) >= 16:
		s.lastSeq = binary.BigEndian.Uint64(meta[:8])
		s.count = binary.BigEndian.Uint64(meta[8:16])
	case err == nil || errors.Is(err, pebblestore.ErrNotFound):
	default:
		return nil, fmt.Errorf("outbox: load meta: %w", err)
	}
	return s, nil
}

// Close makes further calls fail with ErrClosed. It does not close the db.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Count returns the number of queued entries.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.count)
}

// MaxEntries returns the configured capacity (0 = unbounded).
func (s *Store) MaxEntries() int { return s.maxEntries }

func (s *Store) setMeta(b *pebble.Batch, lastSeq, count uint64) error {
	var meta [16]byte
	binary.BigEndian.PutUint64(meta[:8], lastSeq)
	binary.BigEndian.PutUint64(meta[8:], count)
	return b.Set(metaKey, meta[:], nil)
}

// Append persists recs as one atomic batch and returns their sequences.
// When MaxEntries is set, the oldest entries beyond it are evicted in the
// same batch; if recs alone exceed the cap only its newest records are kept.
func (s *Store) Append(ctx context.Context, recs []event.Record) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	b := s.db.NewBatch()
	defer b.Close()

	count := s.count
	var evicted int
	var minEvicted, maxEvicted uint64
	if s.maxEntries > 0 {
		if excess := int(count) + len(recs) - s.maxEntries; excess > 0 {
			fromStored := excess
			if fromStored > int(count) {
				fromStored = int(count)
			}
			n, lo, hi, err := s.deleteOldestInto(b, fromStored)
			if err != nil {
				return nil, fmt.Errorf("outbox: append evict: %w", err)
			}
			count -= uint64(n)
			evicted, minEvicted, maxEvicted = n, lo, hi
			if drop := excess - n; drop > 0 {
				recs = recs[drop:]
				evicted += drop
			}
		}
	}

	lastSeq := s.lastSeq
	seqs := make([]uint64, 0, len(recs))
	for _, r := range recs {
		val, err := encodeEntry(r)
		if err != nil {
			return nil, fmt.Errorf("outbox: encode: %w", err)
		}
		lastSeq++
		if err := b.Set(keyEntry(lastSeq), val, nil); err != nil {
			return nil, err
		}
		if err := b.Set(keyScope(r.ScopeID, lastSeq), nil, nil); err != nil {
			return nil, err
		}
		seqs = append(seqs, lastSeq)
	}
	count += uint64(len(seqs))
	if err := s.setMeta(b, lastSeq, count); err != nil {
		return nil, err
	}
	if err := s.db.CommitBatch(b); err != nil {
		return nil, fmt.Errorf("outbox: append commit: %w", err)
	}
	s.lastSeq, s.count = lastSeq, count
	if evicted > 0 {
		s.eviction.Evicted(evicted, minEvicted, maxEvicted)
	}
	return seqs, nil
}

// ReadPage returns up to pageSize entries in insertion order after skipping
// the first offset entries. Entries failing their checksum are skipped.
func (s *Store) ReadPage(pageSize, offset int) ([]Entry, error) {
	if pageSize <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	low, hi := entryBounds()
	iter, err := s.db.NewIter(low, hi)
	if err != nil {
		return nil, fmt.Errorf("outbox: read: %w", err)
	}
	defer iter.Close()

	out := make([]Entry, 0, pageSize)
	skipped := 0
	for ok := iter.First(); ok && len(out) < pageSize; ok = iter.Next() {
		if skipped < offset {
			skipped++
			continue
		}
		rec, valid := decodeEntry(iter.Value())
		if !valid {
			continue
		}
		out = append(out, Entry{Seq: seqFromKey(iter.Key()), Record: rec})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("outbox: read: %w", err)
	}
	return out, nil
}

// DeleteOldest removes the n oldest entries and returns how many were removed.
func (s *Store) DeleteOldest(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	return s.deleteWith(ctx, func(b *pebble.Batch) (int, error) {
		deleted, _, _, err := s.deleteOldestInto(b, n)
		return deleted, err
	})
}

// DeleteThrough removes every entry with a sequence <= seq.
func (s *Store) DeleteThrough(ctx context.Context, seq uint64) (int, error) {
	return s.deleteWith(ctx, func(b *pebble.Batch) (int, error) {
		return s.scanDelete(b, func(entrySeq uint64) bool { return entrySeq <= seq }, -1)
	})
}

// EvictExcess trims the queue down to maxAllowed entries, oldest first.
func (s *Store) EvictExcess(ctx context.Context, maxAllowed int) (int, error) {
	if maxAllowed < 0 {
		return 0, fmt.Errorf("outbox: maxAllowed must be >= 0, got %d", maxAllowed)
	}
	var lo, hi uint64
	n, err := s.deleteWith(ctx, func(b *pebble.Batch) (int, error) {
		excess := int(s.count) - maxAllowed
		if excess <= 0 {
			return 0, nil
		}
		var n int
		var err error
		n, lo, hi, err = s.deleteOldestInto(b, excess)
		return n, err
	})
	if err == nil && n > 0 {
		s.eviction.Evicted(n, lo, hi)
	}
	return n, err
}

// Clear drops every entry. Sequences keep increasing afterwards.
func (s *Store) Clear(ctx context.Context) (int, error) {
	return s.deleteWith(ctx, func(b *pebble.Batch) (int, error) {
		n := int(s.count)
		if err := b.DeleteRange(entryPrefix, prefixEnd(entryPrefix), nil); err != nil {
			return 0, err
		}
		if err := b.DeleteRange(scopePrefix, prefixEnd(scopePrefix), nil); err != nil {
			return 0, err
		}
		return n, nil
	})
}

// deleteWith runs fill under the lock, then commits the batch with updated meta.
func (s *Store) deleteWith(ctx context.Context, fill func(b *pebble.Batch) (int, error)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	b := s.db.NewBatch()
	defer b.Close()
	n, err := fill(b)
	if err != nil {
		return 0, fmt.Errorf("outbox: delete: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	count := s.count
	if uint64(n) > count {
		count = 0
	} else {
		count -= uint64(n)
	}
	if err := s.setMeta(b, s.lastSeq, count); err != nil {
		return 0, err
	}
	if err := s.db.CommitBatch(b); err != nil {
		return 0, fmt.Errorf("outbox: delete commit: %w", err)
	}
	s.count = count
	return n, nil
}

// deleteOldestInto stages deletion of the n oldest entries. Caller holds mu.
func (s *Store) deleteOldestInto(b *pebble.Batch, n int) (int, uint64, uint64, error) {
	var lo, hi uint64
	deleted, err := s.scanDelete(b, func(seq uint64) bool {
		if lo == 0 {
			lo = seq
		}
		hi = seq
		return true
	}, n)
	return deleted, lo, hi, err
}

// scanDelete walks entries oldest first, staging deletes (entry and scope
// index) while take returns true, up to limit entries (-1 for no limit).
func (s *Store) scanDelete(b *pebble.Batch, take func(seq uint64) bool, limit int) (int, error) {
	low, hi := entryBounds()
	iter, err := s.db.NewIter(low, hi)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	deleted := 0
	for ok := iter.First(); ok && (limit < 0 || deleted < limit); ok = iter.Next() {
		seq := seqFromKey(iter.Key())
		if !take(seq) {
			break
		}
		if scope, valid := scopeOf(iter.Value()); valid {
			if err := b.Delete(keyScope(scope, seq), nil); err != nil {
				return deleted, err
			}
		}
		if err := b.Delete(keyEntry(seq), nil); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, iter.Error()
}
