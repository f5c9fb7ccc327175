package authority

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/network"
	"QuorumDriver/internal/types"
)

// netFixture serves every authority of a fixture over QUIC.
type netFixture struct {
	*fixture
	committee *committee.Committee // committee carries the listen addresses
	clients   map[types.AuthorityName]Client
	faults    []*FaultyClient
}

// newNetFixture starts one QUIC server per authority and dials them all.
func newNetFixture(t *testing.T, n int) *netFixture {
	t.Helper()

	f := newFixture(t, n)
	nf := &netFixture{fixture: f}

	members := f.committee.Members()
	for i, id := range f.ids {
		node, err := network.NewNode(network.Config{PrivateKey: id.NetworkKey, ListenAddr: "127.0.0.1:0"})
		require.NoError(t, err)
		require.NoError(t, node.Start())
		t.Cleanup(func() { node.Close() })

		faulty := NewFaultyClient(f.authorities[i])
		nf.faults = append(nf.faults, faulty)
		NewServer(node, faulty)

		for j := range members {
			if members[j].Name == id.Name() {
				members[j].Address = node.Addr()
			}
		}
	}

	c, err := committee.New(f.committee.Epoch(), members)
	require.NoError(t, err)
	nf.committee = c

	_, clientKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	client, err := network.NewNode(network.Config{PrivateKey: clientKey})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	nf.clients, err = DialCommittee(context.Background(), client, c, nil, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, nf.clients, n)
	t.Cleanup(func() { CloseClients(nf.clients) })

	return nf
}

// client returns the network client of authority i.
func (nf *netFixture) client(i int) Client {
	return nf.clients[nf.authorities[i].Name()]
}

func TestNetworkRoundTrip(t *testing.T) {
	nf := newNetFixture(t, 4)
	ctx := context.Background()

	tx := nf.tx("over quic", 0)

	var infos []types.AuthoritySignInfo
	for i := range nf.authorities {
		resp, err := nf.client(i).HandleTransaction(ctx, tx, "10.0.0.1")
		require.NoError(t, err)
		require.Equal(t, StatusSigned, resp.Status)
		require.Equal(t, tx.Digest(), resp.Signed.Digest())
		infos = append(infos, resp.Signed.Auth)
	}

	q, err := nf.committee.NewQuorumSignInfo(infos)
	require.NoError(t, err)
	cert := &types.CertifiedTransaction{Data: tx, Auth: q}

	req := &CertificateRequest{Certificate: cert, IncludeEvents: true, IncludeOutputObjects: true, IncludeAuxiliaryData: true}
	resp, err := nf.client(0).HandleCertificate(ctx, req, "")
	require.NoError(t, err)
	require.Equal(t, tx.Digest(), resp.Effects.Data.TransactionDigest)
	require.NotNil(t, resp.Events)
	require.Len(t, resp.OutputObjects, 1)
	require.Nil(t, resp.InputObjects)
	require.NotEmpty(t, resp.AuxiliaryData)

	txResp, err := nf.client(0).HandleTransaction(ctx, tx, "")
	require.NoError(t, err)
	require.Equal(t, StatusExecutedWithCert, txResp.Status)
	require.NoError(t, committee.VerifyCertificate(nf.committee, txResp.Certificate))

	info, err := nf.client(0).HandleObjectInfo(ctx, &ObjectInfoRequest{ID: nf.objects[0].ID})
	require.NoError(t, err)
	require.Equal(t, uint64(2), info.Object.Version)
	require.Nil(t, info.LockedBy)

	state, err := nf.client(1).HandleSystemState(ctx)
	require.NoError(t, err)
	require.Equal(t, nf.committee.Epoch(), state.Epoch)
	require.Equal(t, nf.committee.Size(), state.Committee.Size())
}

func TestNetworkCarriesAuthorityErrors(t *testing.T) {
	nf := newNetFixture(t, 4)
	ctx := context.Background()

	_, err := nf.client(0).HandleTransaction(ctx, nf.tx("a", 0), "")
	require.NoError(t, err)

	_, err = nf.client(0).HandleTransaction(ctx, nf.tx("b", 0), "")
	ae := types.AsAuthorityError(err)
	require.Equal(t, types.CodeObjectLockConflict, ae.Code)
	require.Equal(t, nf.objects[0].Ref(), ae.ObjectRef)

	nf.faults[1].Inject(MethodSystemState, Fault{Err: types.OverloadedRetryAfter(3 * time.Second)})
	_, err = nf.client(1).HandleSystemState(ctx)
	ae = types.AsAuthorityError(err)
	require.Equal(t, types.CodeValidatorOverloadedRetryAfter, ae.Code)
	require.Equal(t, 3*time.Second, ae.RetryAfter)
}

func TestNetworkTimeout(t *testing.T) {
	nf := newNetFixture(t, 4)

	nf.faults[2].Inject(MethodSystemState, Fault{Hang: true})

	start := time.Now()
	_, err := nf.client(2).HandleSystemState(context.Background())
	require.Equal(t, types.CodeTimeout, types.AsAuthorityError(err).Code)
	require.Less(t, time.Since(start), 5*time.Second)

	// The connection survives an abandoned request.
	nf.faults[2].Clear(MethodSystemState)
	_, err = nf.client(2).HandleSystemState(context.Background())
	require.NoError(t, err)
}

func TestNetworkUnreachableAuthority(t *testing.T) {
	f := newFixture(t, 4)

	members := f.committee.Members()
	for i := range members {
		members[i].Address = "127.0.0.1:1"
	}
	c, err := committee.New(1, members)
	require.NoError(t, err)

	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	node, err := network.NewNode(network.Config{PrivateKey: key})
	require.NoError(t, err)
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer dialCancel()

	clients, err := DialCommittee(dialCtx, node, c, nil, 300*time.Millisecond)
	if err != nil {
		// Dials that outlive the context abort the whole dial.
		require.ErrorIs(t, err, context.DeadlineExceeded)
		return
	}

	_, err = clients[members[0].Name].HandleSystemState(ctx)
	ae := types.AsAuthorityError(err)
	require.Contains(t, []types.ErrorCode{types.CodeRPC, types.CodeTimeout}, ae.Code)
}

func TestNewNetworkClientRequiresAddress(t *testing.T) {
	f := newFixture(t, 1)

	_, err := NewNetworkClient(nil, f.committee.Members()[0], 0)
	require.Error(t, err)
}
