package committee

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"QuorumDriver/internal/types"
)

// Shuffler orders authorities for a quorum round.
type Shuffler interface {
	// ShuffleByStake returns the committee authorities in a stake-weighted
	// random order. Preferred authorities come first. A non-empty restrictTo
	// drops every authority outside it.
	ShuffleByStake(c *Committee, preferences, restrictTo types.NameSet) []types.AuthorityName
}

// StakeShuffler samples authorities without replacement, each draw weighted by stake.
type StakeShuffler struct {
	mu  sync.Mutex // mu guards rng
	rng *rand.Rand // rng is the random source
}

// NewStakeShuffler creates a shuffler with a random seed.
func NewStakeShuffler() *StakeShuffler {
	return NewSeededShuffler(rand.Uint64(), rand.Uint64())
}

// NewSeededShuffler creates a deterministic shuffler for tests.
func NewSeededShuffler(seed1, seed2 uint64) *StakeShuffler {
	return &StakeShuffler{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// keyed is an authority paired with its sampling key.
type keyed struct {
	name types.AuthorityName // name is the authority
	key  float64             // key orders the sample, larger first
}

// ShuffleByStake implements Shuffler.
// Each authority gets the key log(1-u)/stake; sorting keys in descending
// order yields a weighted sample without replacement.
func (s *StakeShuffler) ShuffleByStake(c *Committee, preferences, restrictTo types.NameSet) []types.AuthorityName {
	var preferred, rest []keyed

	s.mu.Lock()
	for _, n := range c.Names() {
		if len(restrictTo) > 0 && !restrictTo.Contains(n) {
			continue
		}

		k := keyed{name: n, key: math.Log(1-s.rng.Float64()) / float64(c.Weight(n))}

		if preferences.Contains(n) {
			preferred = append(preferred, k)
		} else {
			rest = append(rest, k)
		}
	}
	s.mu.Unlock()

	out := make([]types.AuthorityName, 0, len(preferred)+len(rest))
	out = appendByKey(out, preferred)
	out = appendByKey(out, rest)

	return out
}

// appendByKey sorts group by descending key and appends the names to out.
func appendByKey(out []types.AuthorityName, group []keyed) []types.AuthorityName {
	slices.SortStableFunc(group, func(a, b keyed) int {
		switch {
		case a.key > b.key:
			return -1
		case a.key < b.key:
			return 1
		}
		return 0
	})

	for _, k := range group {
		out = append(out, k.name)
	}

	return out
}

// FixedShuffler returns committee names in index order, preferences first.
// Useful where a test needs a reproducible contact order.
type FixedShuffler struct{}

// ShuffleByStake implements Shuffler.
func (FixedShuffler) ShuffleByStake(c *Committee, preferences, restrictTo types.NameSet) []types.AuthorityName {
	var preferred, rest []types.AuthorityName

	for _, n := range c.Names() {
		if len(restrictTo) > 0 && !restrictTo.Contains(n) {
			continue
		}

		if preferences.Contains(n) {
			preferred = append(preferred, n)
		} else {
			rest = append(rest, n)
		}
	}

	return append(preferred, rest...)
}
