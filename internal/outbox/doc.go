// Package outbox implements the durable FIFO queue that holds events while
// live delivery is impossible.
//
// # Overview
//
// Entries live in Pebble under big-endian sequence keys so a forward scan is
// insertion order. Queue metadata (last sequence, entry count) is rewritten in
// the same batch as every mutation, so a crash never leaves the two apart and
// sequences keep increasing across restarts. A scope index lets a whole
// community's backlog be counted or dropped without scanning the queue.
//
//	st, _ := outbox.Open(db, outbox.Options{MaxEntries: 100_000})
//	_, _ = st.Append(ctx, batch)              // atomic, may evict oldest
//	page, _ := st.ReadPage(100, 0)            // oldest first
//	_, _ = st.DeleteThrough(ctx, page[len(page)-1].Seq)
//
// The capacity bound is a pure count: once MaxEntries is reached the oldest
// entries are dropped and reported through EvictionHook. That is the one
// place events are knowingly lost, and it only happens under a long outage.
package outbox
