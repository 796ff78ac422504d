// Package batcher groups event records by (scope, category) and hands
// completed batches to a Sink.
//
// Every record resolves to one policy through a policy.Table. Immediate
// records are dispatched alone. Batched records accumulate per key until the
// batch reaches MaxSize or the timer armed by the first record fires, after
// which the key is cleared and the next record starts a fresh batch.
//
// Flushed batches are queued in flush order and delivered by a single
// dispatch goroutine, so Submit never blocks on transport or storage I/O.
//
//	eng := batcher.New(batcher.Options{Policies: policy.DefaultTable(), Sink: sess, Logger: logger})
//	_ = eng.Submit(rec)
//	defer eng.Close(ctx)
package batcher
