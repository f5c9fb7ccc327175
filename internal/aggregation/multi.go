package aggregation

import (
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/types"
)

// KeyStake is the support of one key.
type KeyStake struct {
	Authorities []types.AuthorityName // Authorities voted for the key, sorted by name
	Stake       types.StakeUnit       // Stake is their total weight
}

// MultiStakeAggregator tracks signature shares over possibly different
// values, one SignatureAggregator per key. An authority counts for the
// first key it votes for only; later votes under another key are ignored
// and recorded as equivocation.
type MultiStakeAggregator[K comparable, T types.Message] struct {
	committee    *committee.Committee          // committee provides weights and thresholds
	strength     committee.Strength            // strength selects the threshold
	maps         map[K]*SignatureAggregator[T] // maps holds one aggregator per key
	voted        map[types.AuthorityName]K     // voted maps an authority to its first key
	equivocators map[types.AuthorityName][]K   // equivocators lists extra keys per authority
}

// NewMultiStakeAggregator creates an empty aggregator over c.
func NewMultiStakeAggregator[K comparable, T types.Message](c *committee.Committee, strength committee.Strength) *MultiStakeAggregator[K, T] {
	return &MultiStakeAggregator[K, T]{
		committee:    c,
		strength:     strength,
		maps:         make(map[K]*SignatureAggregator[T]),
		voted:        make(map[types.AuthorityName]K),
		equivocators: make(map[types.AuthorityName][]K),
	}
}

// Insert adds env under key k. A refused first vote does not create k.
func (m *MultiStakeAggregator[K, T]) Insert(k K, env *types.Signed[T]) InsertResult[types.AuthorityQuorumSignInfo] {
	name := env.Auth.Authority

	if prev, ok := m.voted[name]; ok && prev != k {
		m.equivocators[name] = append(m.equivocators[name], k)

		if agg, exists := m.maps[k]; exists {
			if q, done := agg.Certificate(); done {
				return reached(q)
			}
		}

		return notEnough[types.AuthorityQuorumSignInfo]()
	}

	agg, exists := m.maps[k]
	if !exists {
		agg = NewSignatureAggregator[T](m.committee, m.strength)
	}

	res := agg.Insert(env)
	if res.Outcome == Failed {
		return res
	}

	if !exists {
		m.maps[k] = agg
	}
	m.voted[name] = k

	return res
}

// UniqueKeyCount returns the number of distinct keys.
func (m *MultiStakeAggregator[K, T]) UniqueKeyCount() int {
	return len(m.maps)
}

// TotalVotes returns the stake of every counted authority across keys.
func (m *MultiStakeAggregator[K, T]) TotalVotes() types.StakeUnit {
	var total types.StakeUnit
	for _, agg := range m.maps {
		total += agg.TotalVotes()
	}

	return total
}

// GetAllUniqueValues returns the support of every key.
func (m *MultiStakeAggregator[K, T]) GetAllUniqueValues() map[K]KeyStake {
	out := make(map[K]KeyStake, len(m.maps))
	for k, agg := range m.maps {
		out[k] = KeyStake{Authorities: agg.Authorities(), Stake: agg.TotalVotes()}
	}

	return out
}

// AuthoritiesForKey returns the authorities counted for k.
func (m *MultiStakeAggregator[K, T]) AuthoritiesForKey(k K) ([]types.AuthorityName, bool) {
	agg, ok := m.maps[k]
	if !ok {
		return nil, false
	}

	return agg.Authorities(), true
}

// Value returns the message stored under k.
func (m *MultiStakeAggregator[K, T]) Value(k K) (T, bool) {
	agg, ok := m.maps[k]
	if !ok {
		var zero T
		return zero, false
	}

	return agg.Data()
}

// UncommittedStake returns the stake not yet committed to any key.
func (m *MultiStakeAggregator[K, T]) UncommittedStake() types.StakeUnit {
	return m.committee.TotalVotes() - m.TotalVotes()
}

// PluralityStake returns the stake of the largest key.
func (m *MultiStakeAggregator[K, T]) PluralityStake() types.StakeUnit {
	var best types.StakeUnit
	for _, agg := range m.maps {
		best = max(best, agg.TotalVotes())
	}

	return best
}

// QuorumUnreachable reports whether no key can still reach the threshold.
func (m *MultiStakeAggregator[K, T]) QuorumUnreachable() bool {
	return m.UncommittedStake()+m.PluralityStake() < m.committee.Threshold(m.strength)
}

// Equivocators returns authorities that voted for more than one key, with
// the ignored keys.
func (m *MultiStakeAggregator[K, T]) Equivocators() map[types.AuthorityName][]K {
	out := make(map[types.AuthorityName][]K, len(m.equivocators))
	for n, ks := range m.equivocators {
		out[n] = append([]K(nil), ks...)
	}

	return out
}

// GenericMultiStakeAggregator counts plain votes for values when
// authorities may vote for several values. Each key is counted on its own.
type GenericMultiStakeAggregator[K comparable] struct {
	committee         *committee.Committee             // committee provides weights and thresholds
	strength          committee.Strength               // strength selects the threshold
	maps              map[K]*StakeAggregator[struct{}] // maps holds one aggregator per key
	votesPerAuthority map[types.AuthorityName]uint64   // votesPerAuthority counts distinct keys per authority
}

// NewGenericMultiStakeAggregator creates an empty aggregator over c.
func NewGenericMultiStakeAggregator[K comparable](c *committee.Committee, strength committee.Strength) *GenericMultiStakeAggregator[K] {
	return &GenericMultiStakeAggregator[K]{
		committee:         c,
		strength:          strength,
		maps:              make(map[K]*StakeAggregator[struct{}]),
		votesPerAuthority: make(map[types.AuthorityName]uint64),
	}
}

// Insert records that authority voted for k.
func (g *GenericMultiStakeAggregator[K]) Insert(authority types.AuthorityName, k K) InsertResult[map[types.AuthorityName]struct{}] {
	if !g.committee.Contains(authority) {
		return failed[map[types.AuthorityName]struct{}](types.NewError(types.CodeInvalidAuthenticator,
			"%s is not a member of epoch %d", authority.Concise(), g.committee.Epoch()))
	}

	agg, ok := g.maps[k]
	if !ok {
		agg = NewStakeAggregator[struct{}](g.committee, g.strength)
		g.maps[k] = agg
	}

	if !agg.ContainsKey(authority) {
		g.votesPerAuthority[authority]++
	}

	return agg.InsertGeneric(authority, struct{}{})
}

// HasQuorumForKey reports whether k reached the threshold.
func (g *GenericMultiStakeAggregator[K]) HasQuorumForKey(k K) bool {
	agg, ok := g.maps[k]
	return ok && agg.HasQuorum()
}

// VotesForAuthority returns how many distinct keys authority voted for.
func (g *GenericMultiStakeAggregator[K]) VotesForAuthority(authority types.AuthorityName) uint64 {
	return g.votesPerAuthority[authority]
}

// StakeForKey returns the stake behind k.
func (g *GenericMultiStakeAggregator[K]) StakeForKey(k K) types.StakeUnit {
	if agg, ok := g.maps[k]; ok {
		return agg.TotalVotes()
	}

	return 0
}
