package aggregation

import (
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/types"
)

// StakeAggregator tracks which authorities voted and their total stake.
// S is whatever a vote carries; it may be struct{} when only presence matters.
// Not safe for concurrent use.
type StakeAggregator[S any] struct {
	committee *committee.Committee      // committee provides weights and thresholds
	strength  committee.Strength        // strength selects the threshold
	data      map[types.AuthorityName]S // data holds one vote per authority
	total     types.StakeUnit           // total is the stake of all votes in data
}

// NewStakeAggregator creates an empty aggregator over c.
func NewStakeAggregator[S any](c *committee.Committee, strength committee.Strength) *StakeAggregator[S] {
	return &StakeAggregator[S]{
		committee: c,
		strength:  strength,
		data:      make(map[types.AuthorityName]S),
	}
}

// InsertGeneric records a vote from authority. A repeated vote is ignored
// and the current state is returned. Non-members are refused.
func (a *StakeAggregator[S]) InsertGeneric(authority types.AuthorityName, s S) InsertResult[map[types.AuthorityName]S] {
	if _, dup := a.data[authority]; dup {
		return a.state()
	}

	weight := a.committee.Weight(authority)
	if weight == 0 {
		return failed[map[types.AuthorityName]S](types.NewError(types.CodeInvalidAuthenticator,
			"%s is not a member of epoch %d", authority.Concise(), a.committee.Epoch()))
	}

	a.data[authority] = s
	a.total += weight

	return a.state()
}

// state reports the threshold state without changing anything.
func (a *StakeAggregator[S]) state() InsertResult[map[types.AuthorityName]S] {
	if a.HasQuorum() {
		return reached(a.data)
	}

	return notEnough[map[types.AuthorityName]S]()
}

// remove drops the vote of authority and returns its stake.
func (a *StakeAggregator[S]) remove(authority types.AuthorityName) types.StakeUnit {
	if _, ok := a.data[authority]; !ok {
		return 0
	}

	delete(a.data, authority)

	w := a.committee.Weight(authority)
	a.total -= w

	return w
}

// ContainsKey reports whether authority has voted.
func (a *StakeAggregator[S]) ContainsKey(authority types.AuthorityName) bool {
	_, ok := a.data[authority]
	return ok
}

// Get returns the vote of authority.
func (a *StakeAggregator[S]) Get(authority types.AuthorityName) (S, bool) {
	s, ok := a.data[authority]
	return s, ok
}

// Keys returns the voters sorted by name.
func (a *StakeAggregator[S]) Keys() []types.AuthorityName {
	names := make([]types.AuthorityName, 0, len(a.data))
	for n := range a.data {
		names = append(names, n)
	}

	types.SortNames(names)

	return names
}

// Committee returns the committee votes are weighed against.
func (a *StakeAggregator[S]) Committee() *committee.Committee {
	return a.committee
}

// TotalVotes returns the stake of every counted vote.
func (a *StakeAggregator[S]) TotalVotes() types.StakeUnit {
	return a.total
}

// Threshold returns the stake needed for quorum.
func (a *StakeAggregator[S]) Threshold() types.StakeUnit {
	return a.committee.Threshold(a.strength)
}

// HasQuorum reports whether the counted stake meets the threshold.
func (a *StakeAggregator[S]) HasQuorum() bool {
	return a.total >= a.Threshold()
}

// ValidatorSigCount returns the number of counted votes.
func (a *StakeAggregator[S]) ValidatorSigCount() int {
	return len(a.data)
}
