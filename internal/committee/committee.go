package committee

import (
	"crypto/ed25519"
	"fmt"

	"QuorumDriver/internal/types"
)

// Strength selects which threshold an aggregator waits for.
type Strength uint8

const (
	// Strong waits for more than two thirds of the stake.
	Strong Strength = iota

	// Weak waits for at least a third of the stake.
	Weak
)

// Member describes one authority of a committee.
type Member struct {
	Name       types.AuthorityName // Name is the authority's BLS public key
	Stake      types.StakeUnit     // Stake is the voting weight
	Address    string              // Address is the QUIC endpoint, empty for in-process authorities
	NetworkKey ed25519.PublicKey   // NetworkKey is the TLS identity expected at Address
}

// Committee is the immutable set of authorities of one epoch.
// A new epoch is a new Committee; nothing here is ever mutated after New.
type Committee struct {
	epoch    types.EpochID                           // epoch is the committee's epoch
	members  []Member                                // members sorted by name
	index    map[types.AuthorityName]int             // index maps a name to its bitmap position
	voting   map[types.AuthorityName]types.StakeUnit // voting maps a name to its stake
	total    types.StakeUnit                         // total is the sum of all stake
	quorum   types.StakeUnit                         // quorum is more than two thirds of total
	validity types.StakeUnit                         // validity is at least a third of total
}

// New builds a committee. Every member needs nonzero stake and a unique name.
func New(epoch types.EpochID, members []Member) (*Committee, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("committee for epoch %d has no members", epoch)
	}

	c := &Committee{
		epoch:  epoch,
		index:  make(map[types.AuthorityName]int, len(members)),
		voting: make(map[types.AuthorityName]types.StakeUnit, len(members)),
	}

	names := make([]types.AuthorityName, 0, len(members))
	byName := make(map[types.AuthorityName]Member, len(members))

	for _, m := range members {
		if m.Stake == 0 {
			return nil, fmt.Errorf("authority %s has zero stake", m.Name.Concise())
		}

		if _, dup := byName[m.Name]; dup {
			return nil, fmt.Errorf("authority %s listed twice", m.Name.Concise())
		}

		byName[m.Name] = m
		names = append(names, m.Name)
		c.total += m.Stake
	}

	types.SortNames(names)

	c.members = make([]Member, len(names))
	for i, n := range names {
		c.members[i] = byName[n]
		c.index[n] = i
		c.voting[n] = byName[n].Stake
	}

	// Any two quorums overlap in more than a third of the stake. Both
	// reduce to 2f+1 and f+1 when total is 3f+1.
	c.quorum = 2*c.total/3 + 1
	c.validity = (c.total + 2) / 3

	return c, nil
}

// NewFromStakes builds a committee without network metadata.
func NewFromStakes(epoch types.EpochID, stakes map[types.AuthorityName]types.StakeUnit) (*Committee, error) {
	members := make([]Member, 0, len(stakes))
	for n, s := range stakes {
		members = append(members, Member{Name: n, Stake: s})
	}

	return New(epoch, members)
}

// Epoch returns the committee epoch.
func (c *Committee) Epoch() types.EpochID {
	return c.epoch
}

// TotalVotes returns the total stake.
func (c *Committee) TotalVotes() types.StakeUnit {
	return c.total
}

// QuorumThreshold returns the smallest stake above two thirds of the total.
func (c *Committee) QuorumThreshold() types.StakeUnit {
	return c.quorum
}

// ValidityThreshold returns the smallest stake of at least a third of the total.
func (c *Committee) ValidityThreshold() types.StakeUnit {
	return c.validity
}

// Threshold returns the threshold for s.
func (c *Committee) Threshold(s Strength) types.StakeUnit {
	if s == Weak {
		return c.validity
	}

	return c.quorum
}

// Weight returns the stake of name, or 0 when it is not a member.
func (c *Committee) Weight(name types.AuthorityName) types.StakeUnit {
	return c.voting[name]
}

// Contains reports membership.
func (c *Committee) Contains(name types.AuthorityName) bool {
	_, ok := c.voting[name]
	return ok
}

// Size returns the number of authorities.
func (c *Committee) Size() int {
	return len(c.members)
}

// Names returns all authority names in index order.
func (c *Committee) Names() []types.AuthorityName {
	names := make([]types.AuthorityName, len(c.members))
	for i, m := range c.members {
		names[i] = m.Name
	}

	return names
}

// Members returns a copy of all members in index order.
func (c *Committee) Members() []Member {
	out := make([]Member, len(c.members))
	copy(out, c.members)

	return out
}

// Member returns the member called name.
func (c *Committee) Member(name types.AuthorityName) (Member, bool) {
	i, ok := c.index[name]
	if !ok {
		return Member{}, false
	}

	return c.members[i], true
}

// Index returns the bitmap position of name.
func (c *Committee) Index(name types.AuthorityName) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}

// StakeOf sums the stake of names, ignoring non-members and duplicates.
func (c *Committee) StakeOf(names []types.AuthorityName) types.StakeUnit {
	seen := make(types.NameSet, len(names))

	var total types.StakeUnit
	for _, n := range names {
		if seen.Contains(n) {
			continue
		}
		seen[n] = struct{}{}
		total += c.voting[n]
	}

	return total
}
