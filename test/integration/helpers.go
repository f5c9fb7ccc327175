package integration

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"QuorumDriver/internal/aggregator"
	"QuorumDriver/internal/authority"
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/genesis"
	"QuorumDriver/internal/network"
	"QuorumDriver/internal/storage"
	"QuorumDriver/internal/types"
)

const (
	// genesisObjects is the number of objects every authority starts with.
	genesisObjects = 8

	// requestTimeout bounds each request to an authority.
	requestTimeout = 2 * time.Second
)

// Node is one authority served over QUIC.
type Node struct {
	identity  *committee.DevIdentity    // identity holds the authority keys
	authority *authority.LocalAuthority // authority is the in-memory state machine
	faults    *authority.FaultyClient   // faults sits between the server and the authority
	node      *network.Node             // node is the QUIC endpoint
}

// Addr returns the node's QUIC address.
func (n *Node) Addr() string { return n.node.Addr() }

// Name returns the authority name.
func (n *Node) Name() types.AuthorityName { return n.identity.Name() }

// Stop closes the QUIC endpoint.
func (n *Node) Stop() { n.node.Close() }

// Cluster is a committee of QUIC authorities and an aggregator over them.
type Cluster struct {
	t         *testing.T
	nodes     []*Node
	committee *committee.Committee // committee carries the listen addresses
	store     *committee.Store     // store is the driver side committee store
	client    *network.Node        // client is the dial-only driver endpoint
	owner     ed25519.PrivateKey   // owner owns every genesis object
	objects   []types.Object       // objects are the genesis objects
	registry  *prometheus.Registry // registry collects the aggregator metrics
	agg       *aggregator.AuthorityAggregator
}

// NewCluster starts one authority per stake and dials them.
func NewCluster(t *testing.T, stakes []types.StakeUnit) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	owner := genesis.DevOwnerKey()
	objs, err := genesis.Objects(genesis.Config{Owner: owner.Public().(ed25519.PublicKey), Objects: genesisObjects})
	require.NoError(t, err)

	c := &Cluster{t: t, owner: owner, objects: objs, registry: prometheus.NewRegistry()}

	base, ids, err := committee.DevCommittee(1, stakes, nil)
	require.NoError(t, err)

	members := base.Members()
	for i, id := range ids {
		n := c.startNode(id)
		members[i].Address = n.Addr()
	}

	c.committee, err = committee.New(1, members)
	require.NoError(t, err)

	for _, n := range c.nodes {
		require.NoError(t, n.attach(c.committee, objs))
	}

	db, err := storage.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c.store = committee.NewStore(db)
	require.NoError(t, c.store.Insert(c.committee))

	_, clientKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c.client, err = network.NewNode(network.Config{PrivateKey: clientKey, RequestTimeout: requestTimeout})
	require.NoError(t, err)
	t.Cleanup(func() { c.client.Close() })

	clients, err := c.dial(context.Background(), c.committee, nil)
	require.NoError(t, err)

	c.agg, err = aggregator.New(c.committee, clients,
		aggregator.WithMetrics(aggregator.NewMetrics(c.registry)),
		aggregator.WithCommitteeStore(c.store),
		aggregator.WithDialer(c.dial),
		aggregator.WithTimeouts(aggregator.TimeoutConfig{
			PreQuorumTimeout:  5 * time.Second,
			PostQuorumTimeout: 500 * time.Millisecond,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { authority.CloseClients(c.agg.InnerClients()) })

	return c
}

// startNode listens for the authority of id. The authority itself is
// attached once every address is known.
func (c *Cluster) startNode(id *committee.DevIdentity) *Node {
	c.t.Helper()

	node, err := network.NewNode(network.Config{PrivateKey: id.NetworkKey, ListenAddr: "127.0.0.1:0"})
	require.NoError(c.t, err)
	require.NoError(c.t, node.Start())
	c.t.Cleanup(func() { node.Close() })

	n := &Node{identity: id, node: node}
	c.nodes = append(c.nodes, n)

	return n
}

// attach creates the authority of n for committee com and serves it.
func (n *Node) attach(com *committee.Committee, objs []types.Object) error {
	a, err := authority.NewLocalAuthority(n.identity.Key, com, objs)
	if err != nil {
		return err
	}

	n.authority = a
	n.faults = authority.NewFaultyClient(a)
	authority.NewServer(n.node, n.faults)

	return nil
}

// dial connects the driver endpoint to the members of com.
func (c *Cluster) dial(ctx context.Context, com *committee.Committee, existing map[types.AuthorityName]authority.Client) (map[types.AuthorityName]authority.Client, error) {
	return authority.DialCommittee(ctx, c.client, com, existing, requestTimeout)
}

// Node returns authority i.
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// Aggregator returns the aggregator of the cluster.
func (c *Cluster) Aggregator() *aggregator.AuthorityAggregator { return c.agg }

// Tx spends the genesis objects at indices with payload.
func (c *Cluster) Tx(payload string, indices ...int) *types.Transaction {
	refs := make([]types.ObjectRef, len(indices))
	for i, idx := range indices {
		refs[i] = c.objects[idx].Ref()
	}

	return genesis.SignTransaction(c.owner, refs, 1000, []byte(payload))
}

// Join starts a new authority holding the genesis objects and returns the
// committee of the next epoch including it. Every authority moves to it and
// the driver store learns it.
func (c *Cluster) Join(stake types.StakeUnit) *committee.Committee {
	c.t.Helper()

	id, err := committee.DevKey(len(c.nodes))
	require.NoError(c.t, err)

	n := c.startNode(id)

	members := append(c.committee.Members(), committee.Member{
		Name:       id.Name(),
		Stake:      stake,
		Address:    n.Addr(),
		NetworkKey: id.NetworkKey.Public().(ed25519.PublicKey),
	})

	next, err := committee.New(c.committee.Epoch()+1, members)
	require.NoError(c.t, err)

	for _, old := range c.nodes[:len(c.nodes)-1] {
		require.NoError(c.t, old.authority.Reconfigure(next))
	}
	require.NoError(c.t, n.attach(next, c.objects))
	require.NoError(c.t, c.store.Insert(next))

	c.committee = next

	return next
}
