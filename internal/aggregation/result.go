package aggregation

import (
	"QuorumDriver/internal/types"
)

// Outcome is the state an aggregator reports after an insert.
type Outcome uint8

const (
	// NotEnoughVotes means the threshold has not been crossed yet.
	NotEnoughVotes Outcome = iota

	// QuorumReached means the threshold has been crossed.
	QuorumReached

	// Failed means the vote was refused.
	Failed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case NotEnoughVotes:
		return "NotEnoughVotes"
	case QuorumReached:
		return "QuorumReached"
	case Failed:
		return "Failed"
	}

	return "Outcome(?)"
}

// InsertResult is returned by every aggregator insert.
type InsertResult[C any] struct {
	Outcome Outcome // Outcome is the aggregator state after the insert

	// Value is the combined artifact, set for QuorumReached.
	Value C

	BadVotes       types.StakeUnit       // BadVotes is the stake evicted for invalid shares
	BadAuthorities []types.AuthorityName // BadAuthorities lists the evicted authorities

	Err *types.AuthorityError // Err is set for Failed
}

// IsQuorumReached reports whether the result carries a combined value.
func (r InsertResult[C]) IsQuorumReached() bool {
	return r.Outcome == QuorumReached
}

// notEnough builds a NotEnoughVotes result without bad votes.
func notEnough[C any]() InsertResult[C] {
	return InsertResult[C]{Outcome: NotEnoughVotes}
}

// reached builds a QuorumReached result.
func reached[C any](v C) InsertResult[C] {
	return InsertResult[C]{Outcome: QuorumReached, Value: v}
}

// failed builds a Failed result.
func failed[C any](err *types.AuthorityError) InsertResult[C] {
	return InsertResult[C]{Outcome: Failed, Err: err}
}
