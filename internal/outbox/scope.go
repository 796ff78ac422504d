package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/courier/internal/storage/pebble"
)

// CountScope returns how many queued entries belong to scope.
func (s *Store) CountScope(scope string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	p := keyScopePrefix(scope)
	iter, err := s.db.NewIter(p, prefixEnd(p))
	if err != nil {
		return 0, fmt.Errorf("outbox: count scope: %w", err)
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, iter.Error()
}

// DeleteScope drops every queued entry of scope, e.g. once the connector has
// left that community and its backlog is no longer wanted.
func (s *Store) DeleteScope(ctx context.Context, scope string) (int, error) {
	return s.deleteWith(ctx, func(b *pebble.Batch) (int, error) {
		p := keyScopePrefix(scope)
		iter, err := s.db.NewIter(p, prefixEnd(p))
		if err != nil {
			return 0, err
		}
		defer iter.Close()

		deleted := 0
		for ok := iter.First(); ok; ok = iter.Next() {
			seq := seqFromKey(iter.Key())
			if err := b.Delete(iter.Key(), nil); err != nil {
				return deleted, err
			}
			_, err := s.db.Get(keyEntry(seq))
			switch {
			case err == nil:
				if err := b.Delete(keyEntry(seq), nil); err != nil {
					return deleted, err
				}
				deleted++
			case errors.Is(err, pebblestore.ErrNotFound):
				// index left behind by a corrupt entry
			default:
				return deleted, err
			}
		}
		return deleted, iter.Error()
	})
}
