package aggregation

import (
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/logger"
	"QuorumDriver/internal/types"
)

// SignatureAggregator collects signature shares over one message and
// combines them into a quorum signature.
//
// Shares are accepted without checking. When the stake crosses the
// threshold the aggregate is verified once; only if that fails is every
// share checked, bad signers evicted and their stake removed. Evicted
// authorities are never counted again. After quorum the aggregator is
// terminal and keeps returning the same certificate.
type SignatureAggregator[T types.Message] struct {
	votes    *StakeAggregator[types.AuthoritySignInfo] // votes holds the accepted shares
	data     T                                         // data is the message being signed
	hasData  bool                                      // hasData is set once data is known
	digest   types.Digest                              // digest is the digest of data
	rejected types.NameSet                             // rejected holds authorities whose share failed
	cert     *types.AuthorityQuorumSignInfo            // cert is set once quorum is reached
}

// NewSignatureAggregator creates an empty aggregator over c.
func NewSignatureAggregator[T types.Message](c *committee.Committee, strength committee.Strength) *SignatureAggregator[T] {
	return &SignatureAggregator[T]{
		votes:    NewStakeAggregator[types.AuthoritySignInfo](c, strength),
		rejected: make(types.NameSet),
	}
}

// Insert adds one signed envelope.
func (a *SignatureAggregator[T]) Insert(env *types.Signed[T]) InsertResult[types.AuthorityQuorumSignInfo] {
	if a.cert != nil {
		return reached(*a.cert)
	}

	c := a.votes.Committee()
	sig := env.Auth

	// A repeat vote leaves the state as it was, whatever it signs.
	if a.rejected.Contains(sig.Authority) || a.votes.ContainsKey(sig.Authority) {
		return notEnough[types.AuthorityQuorumSignInfo]()
	}

	if sig.Epoch != c.Epoch() {
		return failed[types.AuthorityQuorumSignInfo](types.WrongEpoch(c.Epoch(), sig.Epoch))
	}

	d := env.Data.Digest()
	if a.hasData && d != a.digest {
		return failed[types.AuthorityQuorumSignInfo](types.NewError(types.CodeStakeAggregatorConflict,
			"share from %s signs %s, aggregating %s", sig.Authority.Concise(), d.Short(), a.digest.Short()))
	}

	res := a.votes.InsertGeneric(sig.Authority, sig)

	switch res.Outcome {
	case Failed:
		return failed[types.AuthorityQuorumSignInfo](res.Err)
	case NotEnoughVotes:
		a.setData(env.Data, d)
		return notEnough[types.AuthorityQuorumSignInfo]()
	}

	a.setData(env.Data, d)

	return a.combine()
}

// setData records the message on the first accepted share.
func (a *SignatureAggregator[T]) setData(data T, d types.Digest) {
	if a.hasData {
		return
	}

	a.data = data
	a.digest = d
	a.hasData = true
}

// combine aggregates the shares and verifies the result, evicting bad
// shares when the aggregate does not verify.
func (a *SignatureAggregator[T]) combine() InsertResult[types.AuthorityQuorumSignInfo] {
	c := a.votes.Committee()

	q, err := a.aggregate()
	if err == nil {
		a.cert = &q
		return reached(q)
	}

	var res InsertResult[types.AuthorityQuorumSignInfo]

	for _, name := range a.votes.Keys() {
		share, _ := a.votes.Get(name)

		if verr := c.VerifySignInfo(a.data, &share); verr != nil {
			logger.Warn("bad stake from validator",
				"name", name.Concise(),
				"error", verr,
			)

			res.BadVotes += a.votes.remove(name)
			res.BadAuthorities = append(res.BadAuthorities, name)
			a.rejected[name] = struct{}{}
		}
	}

	if len(res.BadAuthorities) == 0 {
		// Every share verifies on its own but the aggregate does not.
		return failed[types.AuthorityQuorumSignInfo](types.AsAuthorityError(err))
	}

	if !a.votes.HasQuorum() {
		res.Outcome = NotEnoughVotes
		return res
	}

	// Enough good stake remains after eviction.
	q, err = a.aggregate()
	if err != nil {
		return failed[types.AuthorityQuorumSignInfo](types.AsAuthorityError(err))
	}

	a.cert = &q
	res.Outcome = QuorumReached
	res.Value = q

	return res
}

// aggregate combines the current shares and verifies the result.
func (a *SignatureAggregator[T]) aggregate() (types.AuthorityQuorumSignInfo, error) {
	c := a.votes.Committee()

	infos := make([]types.AuthoritySignInfo, 0, a.votes.ValidatorSigCount())
	for _, name := range a.votes.Keys() {
		share, _ := a.votes.Get(name)
		infos = append(infos, share)
	}

	q, err := c.NewQuorumSignInfo(infos)
	if err != nil {
		return types.AuthorityQuorumSignInfo{}, err
	}

	if err := c.VerifyQuorumSignInfo(a.data, &q, a.votes.strength); err != nil {
		return types.AuthorityQuorumSignInfo{}, err
	}

	return q, nil
}

// Data returns the message being aggregated, once a share was accepted.
func (a *SignatureAggregator[T]) Data() (T, bool) {
	return a.data, a.hasData
}

// Certificate returns the quorum signature, once reached.
func (a *SignatureAggregator[T]) Certificate() (types.AuthorityQuorumSignInfo, bool) {
	if a.cert == nil {
		return types.AuthorityQuorumSignInfo{}, false
	}

	return *a.cert, true
}

// TotalVotes returns the stake of accepted shares.
func (a *SignatureAggregator[T]) TotalVotes() types.StakeUnit {
	return a.votes.TotalVotes()
}

// HasQuorum reports whether a quorum signature was formed.
func (a *SignatureAggregator[T]) HasQuorum() bool {
	return a.cert != nil
}

// Authorities returns the accepted signers sorted by name.
func (a *SignatureAggregator[T]) Authorities() []types.AuthorityName {
	return a.votes.Keys()
}

// Contains reports whether authority has an accepted share.
func (a *SignatureAggregator[T]) Contains(authority types.AuthorityName) bool {
	return a.votes.ContainsKey(authority)
}

// Rejected returns the authorities whose share failed verification.
func (a *SignatureAggregator[T]) Rejected() []types.AuthorityName {
	names := make([]types.AuthorityName, 0, len(a.rejected))
	for n := range a.rejected {
		names = append(names, n)
	}

	types.SortNames(names)

	return names
}
