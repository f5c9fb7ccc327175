package authority

import (
	"context"
	"fmt"

	"QuorumDriver/internal/logger"
	"QuorumDriver/internal/network"
	"QuorumDriver/internal/types"
	"QuorumDriver/internal/wire"
)

// Server answers wire frames received by a node with a handler Client,
// usually a LocalAuthority.
type Server struct {
	node    *network.Node // node receives the requests
	handler Client        // handler answers them
}

// NewServer registers a request handler on node. The node must be started
// separately.
func NewServer(node *network.Node, handler Client) *Server {
	s := &Server{node: node, handler: handler}
	node.OnRequest(s.handle)

	return s
}

// handle decodes one frame, dispatches it and encodes the answer. Authority
// errors travel back as error frames; only malformed frames abort the stream.
func (s *Server) handle(ctx context.Context, p *network.Peer, data []byte) ([]byte, error) {
	msg, err := wire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode request frame:\n%w", err)
	}

	payload, err := s.dispatch(ctx, msg)
	if err != nil {
		ae := types.AsAuthorityError(err)

		logger.Debug("request failed",
			"kind", msg.Kind,
			"client", msg.ClientAddr,
			"peer", p.Address(),
			"error", ae,
		)

		return wire.Encode(&wire.Message{Kind: msg.Kind, Status: wire.StatusError, Payload: encodeAuthorityError(ae)})
	}

	return wire.Encode(&wire.Message{Kind: msg.Kind, Status: wire.StatusOK, Payload: payload})
}

// dispatch runs the handler method selected by the frame kind.
func (s *Server) dispatch(ctx context.Context, msg *wire.Message) ([]byte, error) {
	switch msg.Kind {
	case wire.KindTransaction:
		tx, err := decodeTransactionRequest(msg.Payload)
		if err != nil {
			return nil, types.NewError(types.CodeUserInput, "%v", err)
		}

		resp, err := s.handler.HandleTransaction(ctx, tx, msg.ClientAddr)
		if err != nil {
			return nil, err
		}

		return encodeTransactionResponse(resp), nil

	case wire.KindCertificate:
		req, err := decodeCertificateRequest(msg.Payload)
		if err != nil {
			return nil, types.NewError(types.CodeUserInput, "%v", err)
		}

		resp, err := s.handler.HandleCertificate(ctx, req, msg.ClientAddr)
		if err != nil {
			return nil, err
		}

		return encodeCertificateResponse(resp), nil

	case wire.KindObjectInfo:
		req, err := decodeObjectInfoRequest(msg.Payload)
		if err != nil {
			return nil, types.NewError(types.CodeUserInput, "%v", err)
		}

		resp, err := s.handler.HandleObjectInfo(ctx, req)
		if err != nil {
			return nil, err
		}

		return encodeObjectInfoResponse(resp), nil

	case wire.KindSystemState:
		resp, err := s.handler.HandleSystemState(ctx)
		if err != nil {
			return nil, err
		}

		return encodeSystemState(resp), nil
	}

	return nil, types.NewError(types.CodeUserInput, "unknown request kind %s", msg.Kind)
}
