package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"QuorumDriver/internal/logger"
)

// Stream error codes sent when a request is abandoned.
const (
	codeCancelled      quic.StreamErrorCode = 1
	codeHandlerFailure quic.StreamErrorCode = 2
)

// Peer represents a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node
	closed    atomic.Bool       // closed indicates if the peer is closed
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Closed reports whether the connection is gone.
func (p *Peer) Closed() bool {
	return p.closed.Load() || p.conn.Context().Err() != nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// Request sends data on a new bidirectional stream and waits for the
// response. Cancelling ctx aborts the stream.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.Closed() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.node.requestTimeout)
	}
	stream.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(codeCancelled)
		stream.CancelWrite(codeCancelled)
	})
	defer stop()

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read response:\n%w", ctx.Err())
		}
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// acceptLoop serves request streams until the connection ends.
func (p *Peer) acceptLoop() {
	ctx := p.conn.Context()

	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug("connection ended", "peer", p.address, "error", err)
			break
		}

		go p.handleStream(stream)
	}

	p.handleDisconnect()
}

// handleStream answers one request stream.
func (p *Peer) handleStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("request read error", "peer", p.address, "error", err)
		stream.CancelWrite(codeHandlerFailure)
		return
	}

	ctx, cancel := context.WithTimeout(p.conn.Context(), p.node.handlerTimeout)
	defer cancel()

	response, err := p.node.callOnRequest(ctx, p, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.address, "error", err)
		stream.CancelWrite(codeHandlerFailure)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		logger.Debug("response write error", "peer", p.address, "error", err)
	}
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	p.closed.Store(true)
	p.node.handlePeerDisconnect(p)
}
