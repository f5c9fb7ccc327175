package authority

import (
	"context"
	"slices"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/types"
)

// SafeClient checks every response of one authority before the aggregator
// sees it: responses must name the authority they came from and the request
// they answer, and certificates must verify against the committee.
// Signature shares are left to the stake aggregators, which verify them
// lazily at quorum.
type SafeClient struct {
	client    Client               // client is the wrapped transport
	name      types.AuthorityName  // name is the authority behind client
	committee *committee.Committee // committee verifies returned certificates
}

// NewSafeClient wraps client, which must reach authority name of c.
func NewSafeClient(client Client, name types.AuthorityName, c *committee.Committee) *SafeClient {
	return &SafeClient{client: client, name: name, committee: c}
}

// Name returns the authority behind the client.
func (s *SafeClient) Name() types.AuthorityName {
	return s.name
}

// Inner returns the wrapped client, so a new epoch can wrap it again.
func (s *SafeClient) Inner() Client {
	return s.client
}

// byzantine creates the error for a response that cannot come from an honest authority.
func (s *SafeClient) byzantine(format string, args ...any) *types.AuthorityError {
	ae := types.NewError(types.CodeByzantineAuthoritySuspicion, format, args...)
	ae.Message = s.name.Concise() + ": " + ae.Message

	return ae
}

// HandleTransaction forwards tx and checks the response.
func (s *SafeClient) HandleTransaction(ctx context.Context, tx *types.Transaction, clientAddr string) (*TransactionResponse, error) {
	resp, err := s.client.HandleTransaction(ctx, tx, clientAddr)
	if err != nil {
		return nil, err
	}

	if err := s.checkTransactionResponse(tx, resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// checkTransactionResponse validates the fields required by resp.Status.
func (s *SafeClient) checkTransactionResponse(tx *types.Transaction, resp *TransactionResponse) error {
	digest := tx.Digest()

	switch resp.Status {
	case StatusSigned:
		if resp.Signed == nil || resp.Signed.Data == nil {
			return s.byzantine("signed response without a signed transaction")
		}

		if resp.Signed.Auth.Authority != s.name {
			return s.byzantine("transaction signed by %s", resp.Signed.Auth.Authority.Concise())
		}

		if resp.Signed.Digest() != digest {
			return s.byzantine("signed transaction %s, requested %s", resp.Signed.Digest().Short(), digest.Short())
		}

		if epoch := resp.Signed.Auth.Epoch; epoch != s.committee.Epoch() {
			return types.WrongEpoch(s.committee.Epoch(), epoch)
		}

		return nil

	case StatusExecutedWithCert:
		if resp.Certificate == nil || resp.Certificate.Data == nil {
			return s.byzantine("executed response without a certificate")
		}

		if err := s.checkEffects(resp.Effects, resp.Events, digest); err != nil {
			return err
		}

		if resp.Certificate.Digest() != digest {
			return s.byzantine("certificate for %s, requested %s", resp.Certificate.Digest().Short(), digest.Short())
		}

		if !slices.Equal(resp.Certificate.Data.UserSignature, tx.UserSignature) {
			return types.NewError(types.CodeFailedToVerifyTxCertWithExecutedEffects,
				"%s: certificate for %s carries different user signatures", s.name.Concise(), digest.Short())
		}

		// Older certificates cannot be checked against this committee; the
		// aggregator counts their effects instead of trusting them.
		if resp.Certificate.Epoch() == s.committee.Epoch() {
			if err := committee.VerifyCertificate(s.committee, resp.Certificate); err != nil {
				return types.NewError(types.CodeFailedToVerifyTxCertWithExecutedEffects,
					"%s: certificate for %s does not verify: %v", s.name.Concise(), digest.Short(), err)
			}
		}

		return nil

	case StatusExecutedWithoutCert:
		return s.checkEffects(resp.Effects, resp.Events, digest)
	}

	return s.byzantine("unknown transaction status %d", resp.Status)
}

// checkEffects validates effects signed by this authority for digest.
func (s *SafeClient) checkEffects(fx *types.SignedEffects, events *types.TransactionEvents, digest types.Digest) error {
	if fx == nil || fx.Data == nil {
		return s.byzantine("response without effects")
	}

	if fx.Auth.Authority != s.name {
		return s.byzantine("effects signed by %s", fx.Auth.Authority.Concise())
	}

	if fx.Data.TransactionDigest != digest {
		return s.byzantine("effects for %s, requested %s", fx.Data.TransactionDigest.Short(), digest.Short())
	}

	if events != nil && events.Digest() != fx.Data.EventsDigest {
		return s.byzantine("events do not match effects of %s", digest.Short())
	}

	return nil
}

// HandleCertificate forwards req and checks the effects and extended data.
func (s *SafeClient) HandleCertificate(ctx context.Context, req *CertificateRequest, clientAddr string) (*CertificateResponse, error) {
	resp, err := s.client.HandleCertificate(ctx, req, clientAddr)
	if err != nil {
		return nil, err
	}

	digest := req.Certificate.Digest()
	if err := s.checkEffects(resp.Effects, resp.Events, digest); err != nil {
		return nil, err
	}

	for _, obj := range resp.InputObjects {
		if !slices.Contains(req.Certificate.Data.Data.Inputs, obj.Ref()) {
			return nil, s.byzantine("input object %s is not an input of %s", obj.ID, digest.Short())
		}
	}

	for _, obj := range resp.OutputObjects {
		if !slices.Contains(resp.Effects.Data.Mutated, obj.Ref()) {
			return nil, s.byzantine("output object %s is not in the effects of %s", obj.ID, digest.Short())
		}
	}

	return resp, nil
}

// HandleObjectInfo forwards req and checks that the requested object came back.
func (s *SafeClient) HandleObjectInfo(ctx context.Context, req *ObjectInfoRequest) (*ObjectInfoResponse, error) {
	resp, err := s.client.HandleObjectInfo(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Object.ID != req.ID {
		return nil, s.byzantine("object %s returned for %s", resp.Object.ID, req.ID)
	}

	return resp, nil
}

// HandleSystemState forwards the request and checks its coherence.
func (s *SafeClient) HandleSystemState(ctx context.Context) (*SystemState, error) {
	resp, err := s.client.HandleSystemState(ctx)
	if err != nil {
		return nil, err
	}

	if resp.Committee == nil || resp.Committee.Epoch() != resp.Epoch {
		return nil, s.byzantine("system state committee does not match epoch %d", resp.Epoch)
	}

	return resp, nil
}
