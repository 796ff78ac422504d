package pebblestore

import (
	"sync/atomic"
	"time"
)

// Counters is a MetricsHook that keeps running totals for status reporting.
type Counters struct {
	reads       atomic.Uint64
	readBytes   atomic.Uint64
	commits     atomic.Uint64
	commitBytes atomic.Uint64
	commitNanos atomic.Int64
}

// CounterStats is a snapshot of Counters.
type CounterStats struct {
	Reads       uint64        `json:"reads"`
	ReadBytes   uint64        `json:"readBytes"`
	Commits     uint64        `json:"commits"`
	CommitBytes uint64        `json:"commitBytes"`
	CommitTime  time.Duration `json:"commitTimeNs"`
}

func (c *Counters) ObserveRead(_ time.Duration, bytes int) {
	c.reads.Add(1)
	c.readBytes.Add(uint64(bytes))
}

func (c *Counters) ObserveBatchCommit(elapsed time.Duration, bytes int) {
	c.commits.Add(1)
	c.commitBytes.Add(uint64(bytes))
	c.commitNanos.Add(int64(elapsed))
}

// Snapshot returns the current totals. Safe on a nil receiver.
func (c *Counters) Snapshot() CounterStats {
	if c == nil {
		return CounterStats{}
	}
	return CounterStats{
		Reads:       c.reads.Load(),
		ReadBytes:   c.readBytes.Load(),
		Commits:     c.commits.Load(),
		CommitBytes: c.commitBytes.Load(),
		CommitTime:  time.Duration(c.commitNanos.Load()),
	}
}
