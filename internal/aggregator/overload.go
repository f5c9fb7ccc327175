package aggregator

import (
	"slices"
	"time"

	"QuorumDriver/internal/types"
)

// RetryableOverloadInfo collects the stake of authorities that shed load
// and asked the client to come back later.
type RetryableOverloadInfo struct {
	TotalStake types.StakeUnit                   // TotalStake is the stake of every retryable overload
	byDuration map[time.Duration]types.StakeUnit // byDuration sums stake per requested retry delay
}

// Add records stake asking to retry after d.
func (o *RetryableOverloadInfo) Add(stake types.StakeUnit, d time.Duration) {
	if o.byDuration == nil {
		o.byDuration = make(map[time.Duration]types.StakeUnit)
	}

	o.TotalStake += stake
	o.byDuration[d] += stake
}

// GetQuorumRetryAfter returns the smallest requested delay at which
// goodStake plus the stake asking for that delay or less reaches
// threshold. When no delay gets there the largest one is returned, and
// zero when nothing was recorded.
func (o *RetryableOverloadInfo) GetQuorumRetryAfter(goodStake, threshold types.StakeUnit) time.Duration {
	if len(o.byDuration) == 0 {
		return 0
	}

	durations := make([]time.Duration, 0, len(o.byDuration))
	for d := range o.byDuration {
		durations = append(durations, d)
	}
	slices.Sort(durations)

	stake := goodStake
	for _, d := range durations {
		stake += o.byDuration[d]
		if stake >= threshold {
			return d
		}
	}

	return durations[len(durations)-1]
}
