package committee

import (
	"fmt"
	"slices"

	"QuorumDriver/internal/crypto"
	"QuorumDriver/internal/types"
)

// NewQuorumSignInfo aggregates shares from distinct members into a quorum
// signature. Shares are not verified here; the caller decides when to pay for that.
func (c *Committee) NewQuorumSignInfo(infos []types.AuthoritySignInfo) (types.AuthorityQuorumSignInfo, error) {
	if len(infos) == 0 {
		return types.AuthorityQuorumSignInfo{}, fmt.Errorf("no signature shares")
	}

	indices := make([]int, 0, len(infos))
	sigs := make([][]byte, 0, len(infos))
	seen := make(types.NameSet, len(infos))

	for _, info := range infos {
		if info.Epoch != c.epoch {
			return types.AuthorityQuorumSignInfo{}, types.WrongEpoch(c.epoch, info.Epoch)
		}

		idx, ok := c.index[info.Authority]
		if !ok {
			return types.AuthorityQuorumSignInfo{}, types.NewError(types.CodeInvalidAuthenticator,
				"%s is not a member of epoch %d", info.Authority.Concise(), c.epoch)
		}

		if seen.Contains(info.Authority) {
			return types.AuthorityQuorumSignInfo{}, fmt.Errorf("duplicate share from %s", info.Authority.Concise())
		}
		seen[info.Authority] = struct{}{}

		indices = append(indices, idx)
		sigs = append(sigs, info.Signature)
	}

	agg, err := crypto.Aggregate(sigs)
	if err != nil {
		return types.AuthorityQuorumSignInfo{}, types.NewError(types.CodeInvalidSignature, "%v", err)
	}

	return types.AuthorityQuorumSignInfo{
		Epoch:     c.epoch,
		Signature: agg,
		Signers:   crypto.BuildSignerBitmap(indices, len(c.members)),
	}, nil
}

// Signers resolves the bitmap of q to member names.
func (c *Committee) Signers(q *types.AuthorityQuorumSignInfo) ([]types.AuthorityName, error) {
	indices := crypto.ParseSignerBitmap(q.Signers)

	names := make([]types.AuthorityName, 0, len(indices))
	for _, idx := range indices {
		if idx >= len(c.members) {
			return nil, types.NewError(types.CodeInvalidAuthenticator, "signer index %d out of range", idx)
		}
		names = append(names, c.members[idx].Name)
	}

	return names, nil
}

// VerifyQuorumSignInfo checks that q carries at least strength of stake
// from this committee and that the aggregate verifies over msg.
func (c *Committee) VerifyQuorumSignInfo(msg types.Message, q *types.AuthorityQuorumSignInfo, strength Strength) error {
	if q.Epoch != c.epoch {
		return types.WrongEpoch(c.epoch, q.Epoch)
	}

	signers, err := c.Signers(q)
	if err != nil {
		return err
	}

	if stake := c.StakeOf(signers); stake < c.Threshold(strength) {
		return types.NewError(types.CodeInvalidSignature,
			"certificate stake %d below threshold %d", stake, c.Threshold(strength))
	}

	keys := make([][]byte, len(signers))
	for i, n := range signers {
		keys[i] = slices.Clone(n[:])
	}

	if !crypto.VerifyAggregate(q.Signature, types.SigningMessage(msg, q.Epoch), keys) {
		return types.NewError(types.CodeInvalidSignature, "aggregate signature does not verify")
	}

	return nil
}

// VerifySignInfo checks a single share from a member of this committee.
func (c *Committee) VerifySignInfo(msg types.Message, info *types.AuthoritySignInfo) error {
	if info.Epoch != c.epoch {
		return types.WrongEpoch(c.epoch, info.Epoch)
	}

	if !c.Contains(info.Authority) {
		return types.NewError(types.CodeInvalidAuthenticator, "%s is not a member of epoch %d",
			info.Authority.Concise(), c.epoch)
	}

	if !info.Verify(msg) {
		return types.NewError(types.CodeInvalidSignature, "share from %s does not verify", info.Authority.Concise())
	}

	return nil
}

// VerifyCertificate checks a quorum certificate against the committee.
func VerifyCertificate[T types.Message](c *Committee, cert *types.Certified[T]) error {
	return c.VerifyQuorumSignInfo(cert.Data, &cert.Auth, Strong)
}
