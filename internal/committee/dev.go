package committee

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"QuorumDriver/internal/crypto"
	"QuorumDriver/internal/types"
)

// DevIdentity is a deterministic authority identity for local committees.
type DevIdentity struct {
	NetworkKey ed25519.PrivateKey // NetworkKey is the QUIC TLS identity
	Key        *crypto.KeyPair    // Key is the BLS signing key, derived from NetworkKey
}

// Name returns the authority name of the identity.
func (d *DevIdentity) Name() types.AuthorityName {
	return types.AuthorityName(d.Key.PublicKey())
}

// DevKey derives identity number index. Never use outside local setups.
func DevKey(index int) (*DevIdentity, error) {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))

	seed := crypto.Hash("dev-network-key", idx[:])
	netKey := ed25519.NewKeyFromSeed(seed[:])

	key, err := crypto.DeriveFromED25519(netKey)
	if err != nil {
		return nil, fmt.Errorf("derive dev key %d:\n%w", index, err)
	}

	return &DevIdentity{NetworkKey: netKey, Key: key}, nil
}

// DevCommittee builds a committee whose i-th member uses DevKey(i) with
// stakes[i] and addrs[i]. addrs may be nil for in-process committees.
// Identities are returned in input order.
func DevCommittee(epoch types.EpochID, stakes []types.StakeUnit, addrs []string) (*Committee, []*DevIdentity, error) {
	if addrs != nil && len(addrs) != len(stakes) {
		return nil, nil, fmt.Errorf("%d addresses for %d stakes", len(addrs), len(stakes))
	}

	ids := make([]*DevIdentity, len(stakes))
	members := make([]Member, len(stakes))

	for i, stake := range stakes {
		id, err := DevKey(i)
		if err != nil {
			return nil, nil, err
		}

		ids[i] = id
		members[i] = Member{
			Name:       id.Name(),
			Stake:      stake,
			NetworkKey: id.NetworkKey.Public().(ed25519.PublicKey),
		}

		if addrs != nil {
			members[i].Address = addrs[i]
		}
	}

	c, err := New(epoch, members)
	if err != nil {
		return nil, nil, err
	}

	return c, ids, nil
}

// ParseDevMembers reads a committee flag of the form addr=stake,addr=stake.
// The i-th entry is DevKey(i). A missing "=stake" means a stake of one.
func ParseDevMembers(flagValue string) ([]types.StakeUnit, []string, error) {
	if strings.TrimSpace(flagValue) == "" {
		return nil, nil, fmt.Errorf("empty committee")
	}

	entries := strings.Split(flagValue, ",")
	stakes := make([]types.StakeUnit, len(entries))
	addrs := make([]string, len(entries))

	for i, entry := range entries {
		addr, stake, found := strings.Cut(strings.TrimSpace(entry), "=")
		if addr == "" {
			return nil, nil, fmt.Errorf("member %d: missing address", i)
		}

		stakes[i] = 1
		if found {
			v, err := strconv.ParseUint(stake, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("member %d: parse stake %q:\n%w", i, stake, err)
			}

			stakes[i] = types.StakeUnit(v)
		}

		addrs[i] = addr
	}

	return stakes, addrs, nil
}
