package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return priv
}

// newTestServer starts a listening node answering with handler.
func newTestServer(t *testing.T, handler RequestHandler) *Node {
	t.Helper()

	server, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)

	server.OnRequest(handler)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Close() })

	return server
}

// newTestClient creates a dial-only node.
func newTestClient(t *testing.T) *Node {
	t.Helper()

	client, err := NewNode(Config{PrivateKey: generateTestKey(t)})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

// echo answers every request with its own bytes reversed.
func echo(_ context.Context, _ *Peer, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	for i, b := range data {
		out[len(data)-1-i] = b
	}

	return out, nil
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)

	require.NoError(t, node.Start())
	require.NotEmpty(t, node.Addr())
	require.NoError(t, node.Close())
}

// TestNodeConfigValidation tests the required fields.
func TestNodeConfigValidation(t *testing.T) {
	_, err := NewNode(Config{ListenAddr: "127.0.0.1:0"})
	require.Error(t, err)

	node, err := NewNode(Config{PrivateKey: generateTestKey(t)})
	require.NoError(t, err)
	require.Error(t, node.Start())
}

// TestRequestResponse tests a round trip and the key seen by both sides.
func TestRequestResponse(t *testing.T) {
	seen := make(chan ed25519.PublicKey, 1)
	server := newTestServer(t, func(ctx context.Context, p *Peer, data []byte) ([]byte, error) {
		seen <- p.PublicKey()
		return echo(ctx, p, data)
	})
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := client.Connect(ctx, server.Addr(), server.PublicKey())
	require.NoError(t, err)
	require.True(t, peer.PublicKey().Equal(server.PublicKey()))

	resp, err := peer.Request(ctx, []byte("abc"))
	require.NoError(t, err)
	require.Equal(t, []byte("cba"), resp)

	require.True(t, (<-seen).Equal(client.PublicKey()))
}

// TestConcurrentRequests tests that streams on one connection are independent.
func TestConcurrentRequests(t *testing.T) {
	server := newTestServer(t, echo)
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := client.Connect(ctx, server.Addr(), nil)
	require.NoError(t, err)

	errs := make(chan error, 16)
	for i := range 16 {
		go func() {
			msg := []byte(fmt.Sprintf("msg-%02d", i))
			resp, err := peer.Request(ctx, msg)
			if err == nil && !bytes.Equal(resp, mustEcho(msg)) {
				err = fmt.Errorf("request %d: got %q", i, resp)
			}
			errs <- err
		}()
	}

	for range 16 {
		require.NoError(t, <-errs)
	}
}

// mustEcho returns what echo answers for data.
func mustEcho(data []byte) []byte {
	out, _ := echo(context.Background(), nil, data)
	return out
}

// TestConnectWrongKey tests that an unexpected peer key is refused.
func TestConnectWrongKey(t *testing.T) {
	server := newTestServer(t, echo)
	client := newTestClient(t)

	other := generateTestKey(t).Public().(ed25519.PublicKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Connect(ctx, server.Addr(), other)
	require.Error(t, err)
	require.Empty(t, client.Peers())
}

// TestHandlerErrorAbortsStream tests that a failing handler surfaces as an error.
func TestHandlerErrorAbortsStream(t *testing.T) {
	server := newTestServer(t, func(context.Context, *Peer, []byte) ([]byte, error) {
		return nil, fmt.Errorf("boom")
	})
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := client.Connect(ctx, server.Addr(), nil)
	require.NoError(t, err)

	_, err = peer.Request(ctx, []byte("x"))
	require.Error(t, err)
}

// TestRequestCancelled tests that cancelling the context ends a pending request.
func TestRequestCancelled(t *testing.T) {
	release := make(chan struct{})
	server := newTestServer(t, func(ctx context.Context, _ *Peer, _ []byte) ([]byte, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return []byte("late"), nil
	})
	defer close(release)

	client := newTestClient(t)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	peer, err := client.Connect(dialCtx, server.Addr(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = peer.Request(ctx, []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 2*time.Second)
}

// TestPeerDisconnect tests that closing the client removes it from the server.
func TestPeerDisconnect(t *testing.T) {
	server := newTestServer(t, echo)

	connected := make(chan *Peer, 1)
	disconnected := make(chan *Peer, 1)
	server.OnConnect(func(p *Peer) { connected <- p })
	server.OnDisconnect(func(p *Peer) { disconnected <- p })

	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	peer, err := client.Connect(ctx, server.Addr(), nil)
	require.NoError(t, err)

	select {
	case p := <-connected:
		require.True(t, p.PublicKey().Equal(client.PublicKey()))
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection")
	}

	require.NotNil(t, server.GetPeer(client.PublicKey()))
	require.NoError(t, peer.Close())
	require.True(t, peer.Closed())

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the disconnect")
	}

	require.Nil(t, server.GetPeer(client.PublicKey()))

	_, err = peer.Request(ctx, []byte("x"))
	require.Error(t, err)
}

// TestMessageFraming tests the length prefix and the size limit.
func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, []byte("hello")))
	require.Equal(t, 4+5, buf.Len())

	got, err := readMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	err = writeMessage(&buf, make([]byte, maxMessageSize+1))
	require.ErrorIs(t, err, ErrMessageTooLarge)

	buf.Reset()
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err = readMessage(&buf)
	require.ErrorIs(t, err, ErrMessageTooLarge)

	buf.Reset()
	buf.Write([]byte{0, 0, 0, 9, 'a'})
	_, err = readMessage(&buf)
	require.Error(t, err)
}
