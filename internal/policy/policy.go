package policy

import (
	"fmt"
	"time"
)

// Policy decides how events of a category are delivered. It is one of
// Batched or Immediate.
type Policy interface {
	isPolicy()
	String() string
}

// Batched accumulates up to MaxSize events per key, or whatever arrived
// within MaxWait of the first one.
type Batched struct {
	MaxSize int
	MaxWait time.Duration
}

// Immediate delivers every event on its own without buffering.
type Immediate struct{}

func (Batched) isPolicy()   {}
func (Immediate) isPolicy() {}

func (b Batched) String() string {
	return fmt.Sprintf("batched(size=%d,wait=%s)", b.MaxSize, b.MaxWait)
}

func (Immediate) String() string { return "immediate" }

// FromLimits converts the configuration form (maxBatchSize, maxWaitMs) into a
// Policy. A size of 1 means the category is critical.
func FromLimits(maxBatchSize int, maxWaitMs int64) (Policy, error) {
	if maxBatchSize < 1 {
		return nil, fmt.Errorf("maxBatchSize must be >= 1, got %d", maxBatchSize)
	}
	if maxWaitMs < 0 {
		return nil, fmt.Errorf("maxWaitMs must be >= 0, got %d", maxWaitMs)
	}
	if maxBatchSize == 1 {
		return Immediate{}, nil
	}
	return Batched{MaxSize: maxBatchSize, MaxWait: time.Duration(maxWaitMs) * time.Millisecond}, nil
}
