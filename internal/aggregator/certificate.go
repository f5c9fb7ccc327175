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

// QuorumDriverResponse is the effects certificate of an executed
// certificate and the extended data collected along the way.
type QuorumDriverResponse struct {
	EffectsCert   *types.CertifiedEffects  // EffectsCert is signed by a quorum
	Events        *types.TransactionEvents // Events is set when requested and received
	InputObjects  []types.Object           // InputObjects is set when requested and received
	OutputObjects []types.Object           // OutputObjects is set when requested and received
	AuxiliaryData []byte                   // AuxiliaryData is set when requested and received
}

// certificateState is the state of one ProcessCertificate round.
type certificateState struct {
	effects           *aggregation.MultiStakeAggregator[effectsKey, *types.TransactionEffects] // effects collects signed effects
	nonRetryableStake types.StakeUnit                                                          // nonRetryableStake refused the certificate for good
	nonRetryable      []reported                                                               // nonRetryable are the non-retryable errors
	retryableErrs     []reported                                                               // retryableErrs are the retryable errors
	retryable         bool                                                                     // retryable is cleared once a fatal condition is reached

	events  *types.TransactionEvents // events is the first events received
	inputs  []types.Object           // inputs is the first input objects received
	outputs []types.Object           // outputs is the first output objects received
	aux     []byte                   // aux is the first auxiliary data received
}

// ProcessCertificate sends req to every authority and returns the effects
// certificate once a quorum signed the same effects. Objects and auxiliary
// data are only requested from a sample of the committee. Requests still
// running at quorum are given the post quorum timeout to finish in the
// background. Failures are *ProcessCertificateError.
func (a *AuthorityAggregator) ProcessCertificate(ctx context.Context, req *authority.CertificateRequest, clientAddr string) (*QuorumDriverResponse, error) {
	digest := req.Certificate.Digest()
	log := a.log.With("tx", digest.Short())

	sample := a.extendedDataSample(req)
	stripped := req
	if sample != nil {
		stripped = req.Stripped()
	}

	out := quorum.MapThenReduce(ctx,
		quorum.Round[*authority.SafeClient]{
			Committee: a.committee,
			Clients:   a.clients,
			Shuffler:  a.shuffler,
			Timeout:   a.timeouts.PreQuorumTimeout,
		},
		&certificateState{
			effects:   aggregation.NewMultiStakeAggregator[effectsKey, *types.TransactionEffects](a.committee, committee.Strong),
			retryable: true,
		},
		func(ctx context.Context, name types.AuthorityName, c *authority.SafeClient) (*authority.CertificateResponse, error) {
			defer gaugeGuard(a.metrics.InflightCertificateRequests)()

			r := stripped
			if sample.Contains(name) {
				r = req
			}

			return c.HandleCertificate(ctx, r, clientAddr)
		},
		a.reduceCertificate(log, req),
	)

	if out.OK {
		a.metrics.RemainingTasksAtCertQuorum.Observe(float64(out.Pending.Len()))
		a.drainPostQuorum(log, out.Pending)

		return out.Result, nil
	}

	out.Pending.Cancel()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("process certificate %s:\n%w", digest.Short(), err)
	}

	s := out.State
	if !s.retryable {
		return nil, &ProcessCertificateError{Kind: FatalExecuteCertificate, Errors: groupErrors(s.nonRetryable)}
	}

	log.Debug("certificate round ended without quorum",
		"timed_out", out.TimedOut,
		"retryable_errors", len(s.retryableErrs),
	)

	return nil, &ProcessCertificateError{Kind: RetryableExecuteCertificate, Errors: groupErrors(s.retryableErrs)}
}

// extendedDataSample picks the authorities asked for objects and auxiliary
// data, nil when none were requested.
func (a *AuthorityAggregator) extendedDataSample(req *authority.CertificateRequest) types.NameSet {
	if !req.WantsBulkData() {
		return nil
	}

	order := a.shuffler.ShuffleByStake(a.committee, nil, nil)

	return types.NewNameSet(order[:min(a.sampleSize, len(order))]...)
}

// reduceCertificate folds one authority answer into the round.
func (a *AuthorityAggregator) reduceCertificate(log *slog.Logger, req *authority.CertificateRequest) quorum.ReduceFunc[*authority.CertificateResponse, *certificateState, *QuorumDriverResponse] {
	validity := a.committee.ValidityThreshold()

	return func(s *certificateState, name types.AuthorityName, weight types.StakeUnit, resp *authority.CertificateResponse, err error) quorum.Step[*certificateState, *QuorumDriverResponse] {
		if err == nil {
			var res *QuorumDriverResponse
			if res, err = a.handleCertificateResponse(log, s, req, resp); res != nil {
				return quorum.Success[*certificateState](res)
			}
		}

		if err != nil {
			a.recordCertificateError(log, s, name, weight, types.AsAuthorityError(err))
		}

		if s.nonRetryableStake >= validity {
			s.retryable = false
			return quorum.Failed[*QuorumDriverResponse](s)
		}

		return quorum.Continue[*QuorumDriverResponse](s)
	}
}

// handleCertificateResponse keeps the extended data and counts the effects.
func (a *AuthorityAggregator) handleCertificateResponse(log *slog.Logger, s *certificateState, req *authority.CertificateRequest, resp *authority.CertificateResponse) (*QuorumDriverResponse, error) {
	if s.events == nil {
		s.events = resp.Events
	}
	if s.inputs == nil {
		s.inputs = resp.InputObjects
	}
	if s.outputs == nil {
		s.outputs = resp.OutputObjects
	}
	if s.aux == nil {
		s.aux = resp.AuxiliaryData
	}

	fx := resp.Effects
	key := effectsKey{epoch: fx.Auth.Epoch, digest: fx.Digest()}

	res := s.effects.Insert(key, fx)

	switch res.Outcome {
	case aggregation.QuorumReached:
		data, _ := s.effects.Value(key)

		cert := &types.CertifiedEffects{Data: data, Auth: res.Value}
		if err := committee.VerifyCertificate(a.committee, cert); err != nil {
			return nil, err
		}

		return a.quorumDriverResponse(log, s, req, cert), nil

	case aggregation.Failed:
		return nil, res.Err
	}

	if res.BadVotes > 0 {
		s.nonRetryableStake += res.BadVotes
		s.nonRetryable = append(s.nonRetryable, reported{
			err:         types.NewError(types.CodeInvalidSignature, "signature share does not verify"),
			authorities: res.BadAuthorities,
			stake:       res.BadVotes,
		})
	}

	return nil, nil
}

// quorumDriverResponse assembles the result. Extended data that contradicts
// the certified effects came from a minority and is dropped.
func (a *AuthorityAggregator) quorumDriverResponse(log *slog.Logger, s *certificateState, req *authority.CertificateRequest, cert *types.CertifiedEffects) *QuorumDriverResponse {
	resp := &QuorumDriverResponse{
		EffectsCert:   cert,
		Events:        s.events,
		InputObjects:  s.inputs,
		OutputObjects: s.outputs,
		AuxiliaryData: s.aux,
	}

	if resp.Events != nil && resp.Events.Digest() != cert.Data.EventsDigest {
		log.Debug("dropping events of minority effects")
		resp.Events = nil
	}

	for _, obj := range resp.OutputObjects {
		if !slices.Contains(cert.Data.Mutated, obj.Ref()) {
			log.Debug("dropping output objects of minority effects")
			resp.OutputObjects = nil
			break
		}
	}

	if (req.IncludeInputObjects && resp.InputObjects == nil) ||
		(req.IncludeOutputObjects && resp.OutputObjects == nil) ||
		(req.IncludeAuxiliaryData && resp.AuxiliaryData == nil) {
		a.metrics.QuorumWithoutRequestedObjects.Inc()
		log.Debug("effects quorum without requested objects",
			"inputs", resp.InputObjects != nil,
			"outputs", resp.OutputObjects != nil,
			"auxiliary", resp.AuxiliaryData != nil,
		)
	}

	return resp
}

// recordCertificateError folds one authority error into the round.
func (a *AuthorityAggregator) recordCertificateError(log *slog.Logger, s *certificateState, name types.AuthorityName, weight types.StakeUnit, err *types.AuthorityError) {
	log.Debug("authority failed certificate",
		"name", name.Concise(),
		"weight", weight,
		"error", err,
	)

	a.metrics.ProcessCertErrors.WithLabelValues(name.Concise(), err.Code.String()).Inc()
	a.recordRPCError(name, err)

	retryable, categorized := err.IsRetryable()
	if !categorized {
		log.Error("uncategorized authority error",
			"name", name.Concise(),
			"error", err,
		)
	}

	r := reported{err: err, authorities: []types.AuthorityName{name}, stake: weight}
	if retryable {
		s.retryableErrs = append(s.retryableErrs, r)
		return
	}

	s.nonRetryableStake += weight
	s.nonRetryable = append(s.nonRetryable, r)
}

// drainPostQuorum lets the requests still running at quorum finish in the
// background, so slow authorities still execute the certificate. Nobody
// waits for it.
func (a *AuthorityAggregator) drainPostQuorum(log *slog.Logger, pending *quorum.Pending[*authority.CertificateResponse]) {
	if pending.Len() == 0 {
		return
	}

	timeout := a.timeouts.PostQuorumTimeout
	metrics := a.metrics

	go func() {
		remaining, timedOut := pending.Drain(timeout, func(r quorum.Response[*authority.CertificateResponse]) {
			if r.Err != nil {
				log.Debug("late authority failed certificate",
					"name", r.Name.Concise(),
					"error", r.Err,
				)
			}
		})

		if timedOut {
			metrics.CertPostQuorumTimeout.Inc()
			metrics.RemainingTasksAtPostQuorumTimeout.Observe(float64(remaining))
			log.Debug("post quorum broadcast timed out", "remaining", remaining, "timeout", timeout)

			return
		}

		log.Debug("every authority answered the certificate")
	}()
}

// ExecuteTransactionBlock certifies tx and executes the certificate,
// returning the effects certificate. A transaction a quorum already
// executed is returned without a new certificate round.
func (a *AuthorityAggregator) ExecuteTransactionBlock(ctx context.Context, tx *types.Transaction, clientAddr string) (*types.CertifiedEffects, error) {
	txDone := gaugeGuard(a.metrics.InflightTransactions)
	res, err := a.ProcessTransaction(ctx, tx, clientAddr)
	txDone()

	if err != nil {
		return nil, fmt.Errorf("execute transaction %s:\n%w", tx.Digest().Short(), err)
	}

	if res.IsExecuted() {
		return res.Effects, nil
	}

	a.metrics.TxCertificatesCreated.Inc()

	defer gaugeGuard(a.metrics.InflightCertificates)()

	resp, err := a.ProcessCertificate(ctx, &authority.CertificateRequest{Certificate: res.Certificate, IncludeEvents: true}, clientAddr)
	if err != nil {
		return nil, fmt.Errorf("execute certificate %s:\n%w", tx.Digest().Short(), err)
	}

	return resp.EffectsCert, nil
}
