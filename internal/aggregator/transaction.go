package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"QuorumDriver/internal/aggregation"
	"QuorumDriver/internal/authority"
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/quorum"
	"QuorumDriver/internal/types"
)

// effectsKey identifies signed effects by signing epoch and digest.
type effectsKey struct {
	epoch  types.EpochID // epoch is the epoch of the signature shares
	digest types.Digest  // digest is the effects digest
}

// ProcessTransactionResult is a certified transaction or the proof that it
// was already executed. Exactly one of Certificate and Effects is set.
type ProcessTransactionResult struct {
	Certificate *types.CertifiedTransaction // Certificate is set when the transaction is certified
	NewlyFormed bool                        // NewlyFormed is set when this call aggregated Certificate
	Effects     *types.CertifiedEffects     // Effects is set when a quorum already executed the transaction
	Events      *types.TransactionEvents    // Events accompanies Effects when an authority sent them
}

// IsExecuted reports whether the result is an effects certificate.
func (r *ProcessTransactionResult) IsExecuted() bool {
	return r.Effects != nil
}

// transactionState is the state of one ProcessTransaction round.
type transactionState struct {
	signatures *aggregation.SignatureAggregator[*types.Transaction]                     // signatures collects transaction shares
	effects    *aggregation.MultiStakeAggregator[effectsKey, *types.TransactionEffects] // effects collects shares of past executions
	events     map[effectsKey]*types.TransactionEvents                                  // events keeps the first events per effects
	errors     []reported                                                               // errors are every authority error

	nonRetryableStake   types.StakeUnit // nonRetryableStake returned non-retryable errors or bad shares
	clientFaultStake    types.StakeUnit // clientFaultStake is the part of nonRetryableStake blaming the transaction
	objectNotFoundStake types.StakeUnit // objectNotFoundStake misses an input object or package
	overloadedStake     types.StakeUnit // overloadedStake shed load without a retry hint
	differentSigStake   types.StakeUnit // differentSigStake returned errors picked by the matcher

	retryableOverload RetryableOverloadInfo                   // retryableOverload shed load with a retry hint
	conflicts         map[types.Digest]ConflictingTransaction // conflicts collects lock holders of the inputs

	retryable bool // retryable is cleared once a fatal condition is reached
}

// newTransactionState returns the initial state of a round.
func (a *AuthorityAggregator) newTransactionState() *transactionState {
	return &transactionState{
		signatures: aggregation.NewSignatureAggregator[*types.Transaction](a.committee, committee.Strong),
		effects:    aggregation.NewMultiStakeAggregator[effectsKey, *types.TransactionEffects](a.committee, committee.Strong),
		events:     make(map[effectsKey]*types.TransactionEvents),
		conflicts:  make(map[types.Digest]ConflictingTransaction),
		retryable:  true,
	}
}

// retryableStake returns the stake that may still vote for an outcome.
func (a *AuthorityAggregator) retryableStake(s *transactionState) types.StakeUnit {
	spent := s.nonRetryableStake + s.effects.TotalVotes() + s.signatures.TotalVotes()

	total := a.committee.TotalVotes()
	if spent >= total {
		return 0
	}

	return total - spent
}

// ProcessTransaction sends tx to every authority and returns its
// certificate, or the effects certificate if a quorum already executed it.
// Failures are *ProcessTransactionError.
func (a *AuthorityAggregator) ProcessTransaction(ctx context.Context, tx *types.Transaction, clientAddr string) (*ProcessTransactionResult, error) {
	digest := tx.Digest()
	log := a.log.With("tx", digest.Short())

	out := quorum.MapThenReduce(ctx,
		quorum.Round[*authority.SafeClient]{
			Committee: a.committee,
			Clients:   a.clients,
			Shuffler:  a.shuffler,
			Timeout:   a.timeouts.PreQuorumTimeout,
		},
		a.newTransactionState(),
		func(ctx context.Context, _ types.AuthorityName, c *authority.SafeClient) (*authority.TransactionResponse, error) {
			defer gaugeGuard(a.metrics.InflightTransactionRequests)()
			return c.HandleTransaction(ctx, tx, clientAddr)
		},
		a.reduceTransaction(log, tx),
	)
	if !out.OK && ctx.Err() == nil {
		a.collectConflicts(log, out.State, out.Pending)
	}
	out.Pending.Cancel()

	if out.OK {
		log.Debug("transaction processed",
			"executed", out.Result.IsExecuted(),
			"newly_formed", out.Result.NewlyFormed,
		)

		return out.Result, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("process transaction %s:\n%w", digest.Short(), err)
	}

	s := out.State
	if out.TimedOut {
		log.Debug("transaction round timed out",
			"signed", s.signatures.TotalVotes(),
			"errors", len(s.errors),
		)
	}

	a.recordNonQuorumEffects(log, s)

	return nil, a.transactionError(log, s)
}

// reduceTransaction folds one authority answer into the round.
func (a *AuthorityAggregator) reduceTransaction(log *slog.Logger, tx *types.Transaction) quorum.ReduceFunc[*authority.TransactionResponse, *transactionState, *ProcessTransactionResult] {
	quorumThreshold := a.committee.QuorumThreshold()
	validity := a.committee.ValidityThreshold()

	return func(s *transactionState, name types.AuthorityName, weight types.StakeUnit, resp *authority.TransactionResponse, err error) quorum.Step[*transactionState, *ProcessTransactionResult] {
		if err == nil {
			var res *ProcessTransactionResult
			if res, err = a.handleTransactionResponse(s, tx, resp); res != nil {
				return quorum.Success[*transactionState](res)
			}
		}

		if err != nil {
			a.recordTransactionError(log, s, name, weight, types.AsAuthorityError(err))
		}

		good := max(s.signatures.TotalVotes(), s.effects.TotalVotes())
		retryable := a.retryableStake(s)

		if good+retryable < quorumThreshold {
			// Errors that only prove authorities misbehaved leave the
			// transaction retryable.
			if s.clientFaultStake >= validity {
				s.retryable = false
			}

			log.Debug("no outcome can reach quorum",
				"good", good,
				"retryable", retryable,
				"conflicts", len(s.conflicts),
			)

			return quorum.Failed[*ProcessTransactionResult](s)
		}

		if s.nonRetryableStake >= validity ||
			s.objectNotFoundStake >= quorumThreshold ||
			s.overloadedStake >= quorumThreshold {
			s.retryable = false
			return quorum.Failed[*ProcessTransactionResult](s)
		}

		return quorum.Continue[*ProcessTransactionResult](s)
	}
}

// collectConflicts waits up to the post quorum timeout for the lock holders
// still answering once conflicts made the round fatal, so the reported
// double spend names every transaction holding an input.
func (a *AuthorityAggregator) collectConflicts(log *slog.Logger, s *transactionState, pending *quorum.Pending[*authority.TransactionResponse]) {
	if s.retryable || len(s.conflicts) == 0 || pending.Len() == 0 {
		return
	}

	missing, timedOut := pending.Drain(a.timeouts.PostQuorumTimeout, func(resp quorum.Response[*authority.TransactionResponse]) {
		if resp.Err != nil {
			a.recordTransactionError(log, s, resp.Name, resp.Weight, types.AsAuthorityError(resp.Err))
		}
	})

	log.Debug("collected lock conflicts",
		"holders", len(s.conflicts),
		"missing", missing,
		"timed_out", timedOut,
	)
}

// handleTransactionResponse aggregates a successful answer. It returns a
// result once the round is decided, or an error when the answer is refused.
func (a *AuthorityAggregator) handleTransactionResponse(s *transactionState, tx *types.Transaction, resp *authority.TransactionResponse) (*ProcessTransactionResult, error) {
	switch resp.Status {
	case authority.StatusSigned:
		res := s.signatures.Insert(resp.Signed)

		switch res.Outcome {
		case aggregation.QuorumReached:
			// The digest excludes user signatures, so the certificate
			// carries the submitted transaction.
			return &ProcessTransactionResult{
				Certificate: &types.CertifiedTransaction{Data: tx, Auth: res.Value},
				NewlyFormed: true,
			}, nil

		case aggregation.Failed:
			return nil, res.Err
		}

		recordBadVotes(s, res.BadVotes, res.BadAuthorities)

		return nil, nil

	case authority.StatusExecutedWithCert:
		// Certificates of older epochs cannot be trusted against this
		// committee; their effects are counted instead.
		if resp.Certificate.Epoch() == a.committee.Epoch() {
			return &ProcessTransactionResult{Certificate: resp.Certificate}, nil
		}

		return a.handleExecuted(s, resp)

	case authority.StatusExecutedWithoutCert:
		return a.handleExecuted(s, resp)
	}

	return nil, types.NewError(types.CodeByzantineAuthoritySuspicion, "unknown transaction status %s", resp.Status)
}

// handleExecuted counts the signed effects of a past execution.
func (a *AuthorityAggregator) handleExecuted(s *transactionState, resp *authority.TransactionResponse) (*ProcessTransactionResult, error) {
	fx := resp.Effects
	key := effectsKey{epoch: fx.Auth.Epoch, digest: fx.Digest()}

	if _, ok := s.events[key]; !ok && resp.Events != nil {
		s.events[key] = resp.Events
	}

	res := s.effects.Insert(key, fx)

	switch res.Outcome {
	case aggregation.QuorumReached:
		data, _ := s.effects.Value(key)

		return &ProcessTransactionResult{
			Effects: &types.CertifiedEffects{Data: data, Auth: res.Value},
			Events:  s.events[key],
		}, nil

	case aggregation.Failed:
		return nil, res.Err
	}

	recordBadVotes(s, res.BadVotes, res.BadAuthorities)

	return nil, nil
}

// recordBadVotes counts shares evicted at quorum as non-retryable. They
// say nothing about the transaction itself.
func recordBadVotes(s *transactionState, stake types.StakeUnit, names []types.AuthorityName) {
	if stake == 0 {
		return
	}

	s.nonRetryableStake += stake
	s.errors = append(s.errors, reported{
		err:         types.NewError(types.CodeInvalidSignature, "signature share does not verify"),
		authorities: names,
		stake:       stake,
	})
}

// recordTransactionError folds one authority error into the counters.
func (a *AuthorityAggregator) recordTransactionError(log *slog.Logger, s *transactionState, name types.AuthorityName, weight types.StakeUnit, err *types.AuthorityError) {
	log.Debug("authority failed transaction",
		"name", name.Concise(),
		"weight", weight,
		"error", err,
	)

	a.metrics.ProcessTxErrors.WithLabelValues(name.Concise(), err.Code.String()).Inc()
	a.recordRPCError(name, err)

	retryable, categorized := err.IsRetryable()
	if !categorized {
		log.Error("uncategorized authority error",
			"name", name.Concise(),
			"error", err,
		)
	}

	switch {
	case err.IsObjectOrPackageNotFound():
		s.objectNotFoundStake += weight
	case err.IsOverload():
		s.overloadedStake += weight
	case err.IsRetryableOverload():
		s.retryableOverload.Add(weight, err.RetryAfter)
	case !retryable:
		s.nonRetryableStake += weight
		if err.AttributedToClient() {
			s.clientFaultStake += weight
		}
	}

	if err.Code == types.CodeObjectLockConflict {
		c := s.conflicts[err.PendingTransaction]
		c.Locks = append(c.Locks, ObjectLock{Authority: name, Object: err.ObjectRef})
		c.Stake += weight
		s.conflicts[err.PendingTransaction] = c
	}

	if a.matcher(err) {
		s.differentSigStake += weight
	}

	s.errors = append(s.errors, reported{err: err, authorities: []types.AuthorityName{name}, stake: weight})
}

// recordNonQuorumEffects reports signed effects that did not reach quorum.
// When even the retryable stake cannot lift the plurality to quorum the
// authorities disagree on effects. The error classification itself reads
// the marker stake in transactionError.
func (a *AuthorityAggregator) recordNonQuorumEffects(log *slog.Logger, s *transactionState) {
	if s.effects.UniqueKeyCount() == 0 {
		return
	}

	a.metrics.EffectsQuorumNotReached.Inc()

	values := s.effects.GetAllUniqueValues()
	groups := make([]string, 0, len(values))
	for k, v := range values {
		groups = append(groups, fmt.Sprintf("%s@%d: %d", k.digest.Short(), k.epoch, v.Stake))
	}
	slices.Sort(groups)

	log.Warn("signed effects without quorum", "effects", groups)

	if s.effects.PluralityStake()+a.retryableStake(s) >= a.committee.QuorumThreshold() {
		return
	}

	log.Error("signed effects cannot reach quorum even with retryable stake",
		"effects", groups,
		"different_sig_stake", s.differentSigStake,
	)
}

// transactionError classifies a round that ended without a result.
func (a *AuthorityAggregator) transactionError(log *slog.Logger, s *transactionState) error {
	quorumThreshold := a.committee.QuorumThreshold()
	errs := groupErrors(s.errors)

	// f+1 stake saw the transaction finalized under other user signatures.
	finalizedDifferentSigs := s.differentSigStake >= a.committee.ValidityThreshold()

	if s.overloadedStake >= quorumThreshold {
		return &ProcessTransactionError{Kind: SystemOverload, Errors: errs, OverloadedStake: s.overloadedStake}
	}

	if !s.retryable {
		if finalizedDifferentSigs {
			return &ProcessTransactionError{Kind: TxAlreadyFinalizedWithDifferentUserSigs, Errors: errs}
		}

		if len(s.conflicts) > 0 {
			log.Warn("client double spend attempt detected",
				"conflicts", len(s.conflicts),
				"errors", errs.String(),
			)
			a.metrics.DoubleSpendAttempts.Inc()

			return &ProcessTransactionError{Kind: FatalConflictingTransaction, Errors: errs, ConflictingTxDigests: s.conflicts}
		}

		return &ProcessTransactionError{Kind: FatalTransaction, Errors: errs}
	}

	// Every authority answered or the round timed out with the
	// transaction still retryable.
	signed := s.signatures.TotalVotes()
	if signed+s.retryableOverload.TotalStake >= quorumThreshold {
		return &ProcessTransactionError{
			Kind:            SystemOverloadRetryAfter,
			Errors:          errs,
			OverloadedStake: s.retryableOverload.TotalStake,
			RetryAfter:      s.retryableOverload.GetQuorumRetryAfter(signed, quorumThreshold),
		}
	}

	return &ProcessTransactionError{Kind: RetryableTransaction, Errors: errs}
}
