package outbox

import logpkg "github.com/rzbill/courier/pkg/log"

// LogEvictions reports every capacity eviction as a warning. Evicted entries
// are lost for good, so the range is logged.
func LogEvictions(logger logpkg.Logger) EvictionHook {
	return logEviction{logger: logger}
}

type logEviction struct{ logger logpkg.Logger }

func (l logEviction) Evicted(count int, minSeq, maxSeq uint64) {
	l.logger.Warn("outbox capacity reached, oldest entries evicted",
		logpkg.Int("count", count),
		logpkg.Uint64("min_seq", minSeq),
		logpkg.Uint64("max_seq", maxSeq))
}
