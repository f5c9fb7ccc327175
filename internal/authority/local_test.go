package authority

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/genesis"
	"QuorumDriver/internal/types"
)

// fixture is a committee of local authorities sharing genesis objects.
type fixture struct {
	committee   *committee.Committee
	ids         []*committee.DevIdentity
	authorities []*LocalAuthority
	owner       ed25519.PrivateKey
	objects     []types.Object
}

// newFixture builds n authorities of equal stake holding three genesis objects.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()

	stakes := make([]types.StakeUnit, n)
	for i := range stakes {
		stakes[i] = 1
	}

	c, ids, err := committee.DevCommittee(1, stakes, nil)
	require.NoError(t, err)

	owner := genesis.DevOwnerKey()
	objs, err := genesis.Objects(genesis.Config{Owner: owner.Public().(ed25519.PublicKey), Objects: 3})
	require.NoError(t, err)

	f := &fixture{committee: c, ids: ids, owner: owner, objects: objs}
	for _, id := range ids {
		a, err := NewLocalAuthority(id.Key, c, objs)
		require.NoError(t, err)
		f.authorities = append(f.authorities, a)
	}

	return f
}

// tx spends the genesis objects at indices with payload.
func (f *fixture) tx(payload string, indices ...int) *types.Transaction {
	refs := make([]types.ObjectRef, len(indices))
	for i, idx := range indices {
		refs[i] = f.objects[idx].Ref()
	}

	return genesis.SignTransaction(f.owner, refs, 1000, []byte(payload))
}

// certify collects signatures from every authority and builds a certificate.
func (f *fixture) certify(t *testing.T, tx *types.Transaction) *types.CertifiedTransaction {
	t.Helper()

	var infos []types.AuthoritySignInfo
	for _, a := range f.authorities {
		resp, err := a.HandleTransaction(context.Background(), tx, "")
		require.NoError(t, err)
		require.Equal(t, StatusSigned, resp.Status)
		infos = append(infos, resp.Signed.Auth)
	}

	q, err := f.committee.NewQuorumSignInfo(infos)
	require.NoError(t, err)

	return &types.CertifiedTransaction{Data: tx, Auth: q}
}

func TestLocalSignsAndLocks(t *testing.T) {
	f := newFixture(t, 4)
	a := f.authorities[0]
	ctx := context.Background()

	tx := f.tx("a", 0)
	resp, err := a.HandleTransaction(ctx, tx, "client")
	require.NoError(t, err)
	require.Equal(t, StatusSigned, resp.Status)
	require.Equal(t, a.Name(), resp.Signed.Auth.Authority)
	require.NoError(t, f.committee.VerifySignInfo(tx, &resp.Signed.Auth))

	// A resubmission returns the cached signature.
	again, err := a.HandleTransaction(ctx, tx, "")
	require.NoError(t, err)
	require.Equal(t, resp.Signed.Auth.Signature, again.Signed.Auth.Signature)

	// A different transaction over the same input conflicts.
	_, err = a.HandleTransaction(ctx, f.tx("b", 0), "")
	ae := types.AsAuthorityError(err)
	require.Equal(t, types.CodeObjectLockConflict, ae.Code)
	require.Equal(t, tx.Digest(), ae.PendingTransaction)

	info, err := a.HandleObjectInfo(ctx, &ObjectInfoRequest{ID: f.objects[0].ID})
	require.NoError(t, err)
	require.NotNil(t, info.LockedBy)
	require.Equal(t, tx.Digest(), *info.LockedBy)
}

func TestLocalRejectsBadTransactions(t *testing.T) {
	f := newFixture(t, 4)
	a := f.authorities[0]
	ctx := context.Background()

	tx := f.tx("a", 0)
	tx.UserSignature[0] ^= 0xff
	_, err := a.HandleTransaction(ctx, tx, "")
	require.Equal(t, types.CodeUserInput, types.AsAuthorityError(err).Code)

	_, err = a.HandleTransaction(ctx, f.tx("dup", 1, 1), "")
	require.Equal(t, types.CodeUserInput, types.AsAuthorityError(err).Code)

	missing := f.objects[2].Ref()
	missing.Version = 5
	_, err = a.HandleTransaction(ctx, genesis.SignTransaction(f.owner, []types.ObjectRef{missing}, 1, nil), "")
	ae := types.AsAuthorityError(err)
	require.Equal(t, types.CodeObjectNotFound, ae.Code)
	require.Equal(t, missing, ae.ObjectRef)

	other := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	_, err = a.HandleTransaction(ctx, genesis.SignTransaction(other, []types.ObjectRef{f.objects[2].Ref()}, 1, nil), "")
	require.Equal(t, types.CodeUserInput, types.AsAuthorityError(err).Code)

	_, err = a.HandleTransaction(ctx, genesis.SignTransaction(f.owner, nil, 1, nil), "")
	require.Equal(t, types.CodeUserInput, types.AsAuthorityError(err).Code)
}

func TestLocalExecutesCertificate(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	tx := f.tx("new contents", 0, 1)
	cert := f.certify(t, tx)

	req := &CertificateRequest{Certificate: cert, IncludeEvents: true, IncludeInputObjects: true, IncludeOutputObjects: true}
	var digests []types.Digest
	for _, a := range f.authorities {
		resp, err := a.HandleCertificate(ctx, req, "")
		require.NoError(t, err)
		require.Equal(t, tx.Digest(), resp.Effects.Data.TransactionDigest)
		require.Len(t, resp.Effects.Data.Mutated, 2)
		require.Len(t, resp.InputObjects, 2)
		require.Len(t, resp.OutputObjects, 2)
		require.NotNil(t, resp.Events)
		require.Nil(t, resp.AuxiliaryData)
		require.Equal(t, uint64(2), resp.OutputObjects[0].Version)
		digests = append(digests, resp.Effects.Digest())
	}

	// Execution is deterministic across the committee.
	for _, d := range digests[1:] {
		require.Equal(t, digests[0], d)
	}

	// Re-execution returns the recorded effects.
	resp, err := f.authorities[0].HandleCertificate(ctx, &CertificateRequest{Certificate: cert, IncludeAuxiliaryData: true}, "")
	require.NoError(t, err)
	require.Equal(t, digests[0], resp.Effects.Digest())
	require.Nil(t, resp.Events)
	require.NotEmpty(t, resp.AuxiliaryData)

	// The transaction now reports as executed, with its certificate.
	txResp, err := f.authorities[0].HandleTransaction(ctx, tx, "")
	require.NoError(t, err)
	require.Equal(t, StatusExecutedWithCert, txResp.Status)
	require.Equal(t, cert.Digest(), txResp.Certificate.Digest())

	// Objects moved to version 2 and are unlocked.
	info, err := f.authorities[0].HandleObjectInfo(ctx, &ObjectInfoRequest{ID: f.objects[0].ID})
	require.NoError(t, err)
	require.Equal(t, uint64(2), info.Object.Version)
	require.Equal(t, []byte("new contents"), info.Object.Contents)
	require.Nil(t, info.LockedBy)
}

func TestLocalRejectsForgedSignatureAfterExecution(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	tx := f.tx("a", 0)
	cert := f.certify(t, tx)
	_, err := f.authorities[0].HandleCertificate(ctx, &CertificateRequest{Certificate: cert}, "")
	require.NoError(t, err)

	resigned := *tx
	resigned.UserSignature = ed25519.Sign(f.owner, []byte("other message"))
	_, err = f.authorities[0].HandleTransaction(ctx, &resigned, "")
	require.Equal(t, types.CodeUserInput, types.AsAuthorityError(err).Code)
}

func TestLocalRejectsBadCertificates(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	tx := f.tx("a", 0)
	cert := f.certify(t, tx)

	wrongEpoch := *cert
	wrongEpoch.Auth.Epoch = 7
	_, err := f.authorities[0].HandleCertificate(ctx, &CertificateRequest{Certificate: &wrongEpoch}, "")
	ae := types.AsAuthorityError(err)
	require.Equal(t, types.CodeWrongEpoch, ae.Code)
	require.Equal(t, types.EpochID(1), ae.ExpectedEpoch)

	// Signed by a single authority only.
	resp, err := f.authorities[0].HandleTransaction(ctx, tx, "")
	require.NoError(t, err)
	q, err := f.committee.NewQuorumSignInfo([]types.AuthoritySignInfo{resp.Signed.Auth})
	require.NoError(t, err)

	_, err = f.authorities[0].HandleCertificate(ctx, &CertificateRequest{Certificate: &types.CertifiedTransaction{Data: tx, Auth: q}}, "")
	require.Error(t, err)
}

func TestLocalReconfigure(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	a := f.authorities[0]

	tx := f.tx("a", 0)
	cert := f.certify(t, tx)
	_, err := a.HandleCertificate(ctx, &CertificateRequest{Certificate: cert}, "")
	require.NoError(t, err)

	// Lock object 1 in epoch 1.
	_, err = a.HandleTransaction(ctx, f.tx("lock", 1), "")
	require.NoError(t, err)

	require.Error(t, a.Reconfigure(f.committee))

	next, _, err := committee.DevCommittee(2, []types.StakeUnit{1, 1, 1, 1}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Reconfigure(next))

	state, err := a.HandleSystemState(ctx)
	require.NoError(t, err)
	require.Equal(t, types.EpochID(2), state.Epoch)

	// The old certificate is reported without it.
	resp, err := a.HandleTransaction(ctx, tx, "")
	require.NoError(t, err)
	require.Equal(t, StatusExecutedWithoutCert, resp.Status)
	require.Nil(t, resp.Certificate)
	require.Equal(t, types.EpochID(2), resp.Effects.Auth.Epoch)
	require.NoError(t, next.VerifySignInfo(resp.Effects.Data, &resp.Effects.Auth))

	// Locks were dropped.
	resp, err = a.HandleTransaction(ctx, f.tx("other", 1), "")
	require.NoError(t, err)
	require.Equal(t, StatusSigned, resp.Status)
	require.Equal(t, types.EpochID(2), resp.Signed.Auth.Epoch)
}

func TestNewLocalAuthorityRequiresMembership(t *testing.T) {
	c, _, err := committee.DevCommittee(1, []types.StakeUnit{1, 1}, nil)
	require.NoError(t, err)

	outsider, err := committee.DevKey(9)
	require.NoError(t, err)

	_, err = NewLocalAuthority(outsider.Key, c, nil)
	require.Error(t, err)
}
