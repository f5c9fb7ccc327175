package aggregator

import (
	"context"

	"QuorumDriver/internal/authority"
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/types"
)

// Dialer returns a client for every member of c, reusing existing ones.
type Dialer func(ctx context.Context, c *committee.Committee, existing map[types.AuthorityName]authority.Client) (map[types.AuthorityName]authority.Client, error)

// ErrorMatcher selects authority errors.
type ErrorMatcher func(*types.AuthorityError) bool

// Option configures an AuthorityAggregator.
type Option func(*AuthorityAggregator)

// DefaultFinalizedDifferentSigMatcher matches the errors an authority
// returns when it executed the transaction under other user signatures.
func DefaultFinalizedDifferentSigMatcher(err *types.AuthorityError) bool {
	switch err.Code {
	case types.CodeFailedToVerifyTxCertWithExecutedEffects, types.CodeTxAlreadyFinalizedWithDifferentUserSigs:
		return true
	}

	return false
}

// WithMetrics shares m between the aggregator and its successors.
func WithMetrics(m *Metrics) Option {
	return func(a *AuthorityAggregator) {
		a.metrics = m
	}
}

// WithShuffler orders every round and the extended data sample with s.
func WithShuffler(s committee.Shuffler) Option {
	return func(a *AuthorityAggregator) {
		a.shuffler = s
	}
}

// WithFinalizedDifferentSigMatcher replaces the errors counted as evidence
// that the transaction was finalized under other user signatures. Once
// their stake reaches the validity threshold the transaction is reported
// as already finalized.
func WithFinalizedDifferentSigMatcher(m ErrorMatcher) Option {
	return func(a *AuthorityAggregator) {
		a.matcher = m
	}
}

// WithCommitteeStore enables RecreateWithNewEpoch.
func WithCommitteeStore(s *committee.Store) Option {
	return func(a *AuthorityAggregator) {
		a.store = s
	}
}

// WithSampleSize sets how many authorities are asked for objects and
// auxiliary data.
func WithSampleSize(n int) Option {
	return func(a *AuthorityAggregator) {
		a.sampleSize = n
	}
}

// WithTimeouts replaces the round timeouts. Zero fields keep their default.
func WithTimeouts(t TimeoutConfig) Option {
	return func(a *AuthorityAggregator) {
		a.timeouts = t.withDefaults()
	}
}

// WithDialer lets RecreateWithNewEpoch reach authorities that joined.
func WithDialer(d Dialer) Option {
	return func(a *AuthorityAggregator) {
		a.dialer = d
	}
}
