package authority

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/logger"
	"QuorumDriver/internal/network"
	"QuorumDriver/internal/types"
	"QuorumDriver/internal/wire"
)

const (
	// DefaultRequestTimeout bounds one call to one authority.
	DefaultRequestTimeout = 10 * time.Second

	// dialParallelism bounds concurrent dials in DialCommittee.
	dialParallelism = 8
)

// NetworkClient reaches one authority over QUIC. The connection is opened
// lazily and reopened after it drops.
type NetworkClient struct {
	node    *network.Node       // node owns the local QUIC endpoint
	name    types.AuthorityName // name is the remote authority
	addr    string              // addr is the remote QUIC address
	key     ed25519.PublicKey   // key is the TLS identity expected at addr
	timeout time.Duration       // timeout bounds each call

	mu   sync.Mutex    // mu protects peer
	peer *network.Peer // peer is the current connection, nil when not connected
}

// NewNetworkClient creates a client for member. The member needs an
// address and a network key.
func NewNetworkClient(node *network.Node, member committee.Member, timeout time.Duration) (*NetworkClient, error) {
	if member.Address == "" {
		return nil, fmt.Errorf("authority %s has no address", member.Name.Concise())
	}

	if len(member.NetworkKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("authority %s has no network key", member.Name.Concise())
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &NetworkClient{
		node:    node,
		name:    member.Name,
		addr:    member.Address,
		key:     member.NetworkKey,
		timeout: timeout,
	}, nil
}

// Name returns the remote authority.
func (c *NetworkClient) Name() types.AuthorityName {
	return c.name
}

// Connect opens the connection if it is not open yet.
func (c *NetworkClient) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

// Close closes the connection, if any.
func (c *NetworkClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer == nil {
		return nil
	}

	err := c.peer.Close()
	c.peer = nil

	return err
}

// connection returns an open peer, dialing when needed.
func (c *NetworkClient) connection(ctx context.Context) (*network.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer != nil && !c.peer.Closed() {
		return c.peer, nil
	}

	peer, err := c.node.Connect(ctx, c.addr, c.key)
	if err != nil {
		return nil, err
	}
	c.peer = peer

	return peer, nil
}

// call sends one request frame and returns the response payload. Transport
// failures become CodeRPC errors, expired deadlines CodeTimeout, and error
// frames the authority error they carry.
func (c *NetworkClient) call(ctx context.Context, kind wire.Kind, clientAddr string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	frame, err := wire.Encode(&wire.Message{Kind: kind, ClientAddr: clientAddr, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s request:\n%w", kind, err)
	}

	raw, err := c.request(ctx, frame)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewError(types.CodeTimeout, "%s request to %s: %v", kind, c.name.Concise(), err)
		}

		ae := types.NewError(types.CodeRPC, "%s request to %s: %v", kind, c.name.Concise(), err)
		ae.Status = "unavailable"
		if errors.Is(err, context.Canceled) {
			ae.Status = "cancelled"
		}

		return nil, ae
	}

	msg, err := wire.Decode(raw)
	if err != nil {
		ae := types.NewError(types.CodeRPC, "%s response from %s: %v", kind, c.name.Concise(), err)
		ae.Status = "data_loss"

		return nil, ae
	}

	if msg.Status == wire.StatusError {
		ae, err := decodeAuthorityError(msg.Payload)
		if err != nil {
			return nil, types.NewError(types.CodeRPC, "%s error from %s: %v", kind, c.name.Concise(), err)
		}

		return nil, ae
	}

	return msg.Payload, nil
}

// request sends frame on the current connection.
func (c *NetworkClient) request(ctx context.Context, frame []byte) ([]byte, error) {
	peer, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	return peer.Request(ctx, frame)
}

// HandleTransaction implements Client.
func (c *NetworkClient) HandleTransaction(ctx context.Context, tx *types.Transaction, clientAddr string) (*TransactionResponse, error) {
	raw, err := c.call(ctx, wire.KindTransaction, clientAddr, encodeTransactionRequest(tx))
	if err != nil {
		return nil, err
	}

	return decodeTransactionResponse(raw)
}

// HandleCertificate implements Client.
func (c *NetworkClient) HandleCertificate(ctx context.Context, req *CertificateRequest, clientAddr string) (*CertificateResponse, error) {
	raw, err := c.call(ctx, wire.KindCertificate, clientAddr, encodeCertificateRequest(req))
	if err != nil {
		return nil, err
	}

	return decodeCertificateResponse(raw)
}

// HandleObjectInfo implements Client.
func (c *NetworkClient) HandleObjectInfo(ctx context.Context, req *ObjectInfoRequest) (*ObjectInfoResponse, error) {
	raw, err := c.call(ctx, wire.KindObjectInfo, "", encodeObjectInfoRequest(req))
	if err != nil {
		return nil, err
	}

	return decodeObjectInfoResponse(raw)
}

// HandleSystemState implements Client.
func (c *NetworkClient) HandleSystemState(ctx context.Context) (*SystemState, error) {
	raw, err := c.call(ctx, wire.KindSystemState, "", nil)
	if err != nil {
		return nil, err
	}

	return decodeSystemState(raw)
}

// DialCommittee creates a client per member of c, missing from existing,
// and connects them in parallel. Authorities that cannot be reached yet are
// logged and kept: their client reconnects on first use. Only ctx ending
// aborts the dial.
func DialCommittee(
	ctx context.Context,
	node *network.Node,
	c *committee.Committee,
	existing map[types.AuthorityName]Client,
	timeout time.Duration,
) (map[types.AuthorityName]Client, error) {
	clients := make(map[types.AuthorityName]Client, c.Size())
	var fresh []*NetworkClient

	for _, m := range c.Members() {
		if client, ok := existing[m.Name]; ok {
			clients[m.Name] = client
			continue
		}

		client, err := NewNetworkClient(node, m, timeout)
		if err != nil {
			return nil, err
		}

		clients[m.Name] = client
		fresh = append(fresh, client)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dialParallelism)

	for _, client := range fresh {
		g.Go(func() error {
			if err := client.Connect(gctx); err != nil {
				if gctx.Err() != nil {
					return fmt.Errorf("dial %s:\n%w", client.Name().Concise(), gctx.Err())
				}

				logger.Warn("authority not reachable yet",
					"name", client.Name().Concise(),
					"addr", client.addr,
					"error", err,
				)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return clients, nil
}

// CloseClients closes every network client in clients.
func CloseClients(clients map[types.AuthorityName]Client) error {
	var errs []error
	for _, client := range clients {
		if nc, ok := client.(*NetworkClient); ok {
			errs = append(errs, nc.Close())
		}
	}

	return errors.Join(errs...)
}
