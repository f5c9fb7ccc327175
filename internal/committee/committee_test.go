package committee

import (
	"testing"

	"github.com/stretchr/testify/require"

	"QuorumDriver/internal/storage"
	"QuorumDriver/internal/types"
)

// newTestCommittee builds a dev committee with the given stakes.
func newTestCommittee(t *testing.T, epoch types.EpochID, stakes ...types.StakeUnit) (*Committee, []*DevIdentity) {
	t.Helper()

	c, ids, err := DevCommittee(epoch, stakes, nil)
	require.NoError(t, err)

	return c, ids
}

// testMessage is a small signable message.
type testMessage struct{ d types.Digest }

// Digest implements types.Message.
func (m testMessage) Digest() types.Digest { return m.d }

// Scope implements types.Message.
func (m testMessage) Scope() types.IntentScope { return types.ScopeTransactionData }

func TestThresholds(t *testing.T) {
	cases := []struct {
		stakes   []types.StakeUnit
		quorum   types.StakeUnit
		validity types.StakeUnit
	}{
		{[]types.StakeUnit{1, 1, 1, 1}, 3, 2},
		{[]types.StakeUnit{1, 1, 1, 1, 1, 1, 1}, 5, 3},
		{[]types.StakeUnit{2500, 2500, 2500, 2500}, 6667, 3334},
		{[]types.StakeUnit{1, 1, 1, 4}, 5, 3},
		{[]types.StakeUnit{1}, 1, 1},
		{[]types.StakeUnit{1, 1}, 2, 1},
		{[]types.StakeUnit{1, 1, 1, 1, 1}, 4, 2},
		{[]types.StakeUnit{1, 1, 1, 1, 1, 1}, 5, 2},
		{[]types.StakeUnit{2500, 2500, 2500, 2501}, 6668, 3334},
	}

	for _, tc := range cases {
		c, _ := newTestCommittee(t, 0, tc.stakes...)
		require.Equal(t, tc.quorum, c.QuorumThreshold())
		require.Equal(t, tc.validity, c.ValidityThreshold())
		require.Equal(t, tc.quorum, c.Threshold(Strong))
		require.Equal(t, tc.validity, c.Threshold(Weak))
	}
}

func TestQuorumsIntersect(t *testing.T) {
	for total := types.StakeUnit(1); total <= 300; total++ {
		c, _ := newTestCommittee(t, 0, total)
		q, v := c.QuorumThreshold(), c.ValidityThreshold()

		// Two quorums share more than a third of the stake.
		require.Greater(t, 3*q, 2*total, "total %d", total)
		require.Greater(t, 3*(2*q-total), total, "total %d", total)
		require.LessOrEqual(t, q, total, "total %d", total)

		// A validity set holds at least one honest authority.
		require.GreaterOrEqual(t, 3*v, total, "total %d", total)
		require.LessOrEqual(t, v, q, "total %d", total)
	}
}

func TestNewRejectsBadMembers(t *testing.T) {
	_, err := New(1, nil)
	require.Error(t, err)

	id, err := DevKey(0)
	require.NoError(t, err)

	_, err = New(1, []Member{{Name: id.Name(), Stake: 0}})
	require.Error(t, err)

	_, err = New(1, []Member{{Name: id.Name(), Stake: 1}, {Name: id.Name(), Stake: 2}})
	require.Error(t, err)
}

func TestLookups(t *testing.T) {
	c, ids := newTestCommittee(t, 3, 1, 2, 3)

	require.Equal(t, types.EpochID(3), c.Epoch())
	require.Equal(t, types.StakeUnit(6), c.TotalVotes())
	require.Equal(t, 3, c.Size())
	require.Equal(t, types.StakeUnit(2), c.Weight(ids[1].Name()))
	require.Equal(t, types.StakeUnit(0), c.Weight(types.AuthorityName{9}))

	names := c.Names()
	for i, n := range names {
		idx, ok := c.Index(n)
		require.True(t, ok)
		require.Equal(t, i, idx)
	}

	m, ok := c.Member(ids[2].Name())
	require.True(t, ok)
	require.Equal(t, types.StakeUnit(3), m.Stake)

	require.Equal(t, types.StakeUnit(3), c.StakeOf([]types.AuthorityName{ids[0].Name(), ids[1].Name(), ids[0].Name()}))
}

func TestQuorumSignInfo(t *testing.T) {
	c, ids := newTestCommittee(t, 1, 1, 1, 1, 1)
	msg := testMessage{d: types.Digest{7}}

	shares := make([]types.AuthoritySignInfo, 0, 3)
	for _, id := range ids[:3] {
		info := types.Sign(id.Key, msg, 1)
		require.NoError(t, c.VerifySignInfo(msg, &info))
		shares = append(shares, info)
	}

	q, err := c.NewQuorumSignInfo(shares)
	require.NoError(t, err)
	require.NoError(t, c.VerifyQuorumSignInfo(msg, &q, Strong))

	signers, err := c.Signers(&q)
	require.NoError(t, err)
	require.Len(t, signers, 3)

	// Two shares are enough for a weak certificate only.
	weak, err := c.NewQuorumSignInfo(shares[:2])
	require.NoError(t, err)
	require.NoError(t, c.VerifyQuorumSignInfo(msg, &weak, Weak))
	require.Error(t, c.VerifyQuorumSignInfo(msg, &weak, Strong))

	// Another message does not verify.
	require.Error(t, c.VerifyQuorumSignInfo(testMessage{d: types.Digest{8}}, &q, Strong))

	// Another epoch does not verify.
	other, _ := newTestCommittee(t, 2, 1, 1, 1, 1)
	err = other.VerifyQuorumSignInfo(msg, &q, Strong)
	require.ErrorIs(t, err, &types.AuthorityError{Code: types.CodeWrongEpoch})
}

func TestQuorumSignInfoRejectsForeignShares(t *testing.T) {
	c, ids := newTestCommittee(t, 1, 1, 1, 1, 1)
	msg := testMessage{d: types.Digest{1}}

	stale := types.Sign(ids[0].Key, msg, 0)
	_, err := c.NewQuorumSignInfo([]types.AuthoritySignInfo{stale})
	require.ErrorIs(t, err, &types.AuthorityError{Code: types.CodeWrongEpoch})

	outsider, err := DevKey(99)
	require.NoError(t, err)

	foreign := types.Sign(outsider.Key, msg, 1)
	_, err = c.NewQuorumSignInfo([]types.AuthoritySignInfo{foreign})
	require.ErrorIs(t, err, &types.AuthorityError{Code: types.CodeInvalidAuthenticator})
	require.Error(t, c.VerifySignInfo(msg, &foreign))

	share := types.Sign(ids[0].Key, msg, 1)
	_, err = c.NewQuorumSignInfo([]types.AuthoritySignInfo{share, share})
	require.Error(t, err)
}

func TestStakeShufflerDeterministicAndComplete(t *testing.T) {
	c, _ := newTestCommittee(t, 1, 1, 2, 3, 4, 5)

	a := NewSeededShuffler(1, 2).ShuffleByStake(c, nil, nil)
	b := NewSeededShuffler(1, 2).ShuffleByStake(c, nil, nil)
	require.Equal(t, a, b)
	require.ElementsMatch(t, c.Names(), a)
}

func TestStakeShufflerPreferencesAndRestriction(t *testing.T) {
	c, ids := newTestCommittee(t, 1, 1, 1, 1, 1)
	s := NewSeededShuffler(3, 4)

	preferred := types.NewNameSet(ids[2].Name())
	order := s.ShuffleByStake(c, preferred, nil)
	require.Equal(t, ids[2].Name(), order[0])

	restrict := types.NewNameSet(ids[0].Name(), ids[1].Name())
	order = s.ShuffleByStake(c, nil, restrict)
	require.ElementsMatch(t, []types.AuthorityName{ids[0].Name(), ids[1].Name()}, order)
}

func TestStakeShufflerFavoursStake(t *testing.T) {
	c, ids := newTestCommittee(t, 1, 1, 100)
	s := NewSeededShuffler(5, 6)

	heavyFirst := 0
	for range 1000 {
		if s.ShuffleByStake(c, nil, nil)[0] == ids[1].Name() {
			heavyFirst++
		}
	}

	require.Greater(t, heavyFirst, 900)
}

func TestFixedShuffler(t *testing.T) {
	c, ids := newTestCommittee(t, 1, 1, 1, 1)

	order := FixedShuffler{}.ShuffleByStake(c, types.NewNameSet(ids[1].Name()), nil)
	require.Equal(t, ids[1].Name(), order[0])
	require.Len(t, order, 3)
}

func TestStoreRoundTrip(t *testing.T) {
	db, err := storage.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)

	latest, err := store.Latest()
	require.NoError(t, err)
	require.Nil(t, latest)

	c1, _, err := DevCommittee(1, []types.StakeUnit{1, 1, 1, 1}, []string{"a:1", "b:1", "c:1", "d:1"})
	require.NoError(t, err)
	c2, _ := newTestCommittee(t, 2, 5, 5, 5)

	require.NoError(t, store.Insert(c2))
	require.NoError(t, store.Insert(c1))

	got, err := store.Get(1)
	require.NoError(t, err)
	require.Equal(t, c1.Members(), got.Members())
	require.Equal(t, c1.QuorumThreshold(), got.QuorumThreshold())

	latest, err = store.Latest()
	require.NoError(t, err)
	require.Equal(t, types.EpochID(2), latest.Epoch())

	// A second insert for an epoch keeps the first committee.
	replacement, _ := newTestCommittee(t, 1, 9)
	require.NoError(t, store.Insert(replacement))

	got, err = store.Get(1)
	require.NoError(t, err)
	require.Equal(t, 4, got.Size())

	missing, err := store.Get(7)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestParseDevMembers(t *testing.T) {
	stakes, addrs, err := ParseDevMembers("127.0.0.1:9000=2, 127.0.0.1:9001,127.0.0.1:9002=5")
	require.NoError(t, err)
	require.Equal(t, []types.StakeUnit{2, 1, 5}, stakes)
	require.Equal(t, []string{"127.0.0.1:9000", "127.0.0.1:9001", "127.0.0.1:9002"}, addrs)

	_, _, err = ParseDevMembers("")
	require.Error(t, err)

	_, _, err = ParseDevMembers("a:1=x")
	require.Error(t, err)

	_, _, err = ParseDevMembers("a:1=1,=3")
	require.Error(t, err)
}
