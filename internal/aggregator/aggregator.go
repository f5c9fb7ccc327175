// Package aggregator drives transactions and certificates through a
// committee of authorities and decides, from stake-weighted answers,
// whether they succeeded, may be retried or failed for good.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"QuorumDriver/internal/authority"
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/logger"
	"QuorumDriver/internal/quorum"
	"QuorumDriver/internal/types"
)

// AuthorityAggregator talks to every authority of one committee.
//
// It is immutable once built and safe for concurrent use: every call
// allocates its own round state. A new epoch is a new aggregator built by
// RecreateWithNewEpoch; rounds running on the old one are unaffected.
type AuthorityAggregator struct {
	committee  *committee.Committee                          // committee weighs every answer
	clients    map[types.AuthorityName]*authority.SafeClient // clients reach each authority
	timeouts   TimeoutConfig                                 // timeouts bound the rounds
	metrics    *Metrics                                      // metrics are shared with successors
	shuffler   committee.Shuffler                            // shuffler orders requests
	matcher    ErrorMatcher                                  // matcher flags finalized with different signatures
	store      *committee.Store                              // store holds committees of later epochs
	dialer     Dialer                                        // dialer reaches new authorities on reconfiguration
	sampleSize int                                           // sampleSize bounds the extended data sample
	log        *slog.Logger                                  // log carries the epoch
}

// New creates an aggregator over c. Every client must belong to a member of
// c; members without a client count as unreachable.
func New(c *committee.Committee, clients map[types.AuthorityName]authority.Client, opts ...Option) (*AuthorityAggregator, error) {
	a := &AuthorityAggregator{
		committee:  c,
		timeouts:   DefaultTimeoutConfig(),
		matcher:    DefaultFinalizedDifferentSigMatcher,
		sampleSize: DefaultSampleSize,
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.metrics == nil {
		a.metrics = NewMetrics(nil)
	}
	if a.shuffler == nil {
		a.shuffler = committee.NewStakeShuffler()
	}
	if a.sampleSize <= 0 {
		a.sampleSize = DefaultSampleSize
	}

	safe, err := wrapClients(c, clients)
	if err != nil {
		return nil, err
	}

	a.clients = safe
	a.log = logger.With("component", "aggregator", "epoch", c.Epoch())

	return a, nil
}

// wrapClients puts every client behind a SafeClient checking against c.
func wrapClients(c *committee.Committee, clients map[types.AuthorityName]authority.Client) (map[types.AuthorityName]*authority.SafeClient, error) {
	safe := make(map[types.AuthorityName]*authority.SafeClient, len(clients))

	for name, client := range clients {
		if !c.Contains(name) {
			return nil, fmt.Errorf("client for %s: not a member of epoch %d", name.Concise(), c.Epoch())
		}

		safe[name] = authority.NewSafeClient(client, name, c)
	}

	return safe, nil
}

// Committee returns the committee of the aggregator.
func (a *AuthorityAggregator) Committee() *committee.Committee {
	return a.committee
}

// Metrics returns the collectors shared by the aggregator and its successors.
func (a *AuthorityAggregator) Metrics() *Metrics {
	return a.metrics
}

// InnerClients returns the unwrapped client of every authority.
func (a *AuthorityAggregator) InnerClients() map[types.AuthorityName]authority.Client {
	out := make(map[types.AuthorityName]authority.Client, len(a.clients))
	for name, c := range a.clients {
		out[name] = c.Inner()
	}

	return out
}

// RecreateWithNewEpoch returns an aggregator for the stored committee of
// epoch. Clients of authorities staying in the committee are reused; the
// dialer, when set, reaches the others.
func (a *AuthorityAggregator) RecreateWithNewEpoch(ctx context.Context, epoch types.EpochID) (*AuthorityAggregator, error) {
	if a.store == nil {
		return nil, errors.New("no committee store configured")
	}

	if epoch <= a.committee.Epoch() {
		return nil, fmt.Errorf("epoch %d is not after current epoch %d", epoch, a.committee.Epoch())
	}

	c, err := a.store.Get(epoch)
	if err != nil {
		return nil, fmt.Errorf("read committee of epoch %d:\n%w", epoch, err)
	}
	if c == nil {
		return nil, fmt.Errorf("committee of epoch %d not found", epoch)
	}

	kept := make(map[types.AuthorityName]authority.Client, c.Size())
	for name, client := range a.clients {
		if c.Contains(name) {
			kept[name] = client.Inner()
		}
	}

	clients := kept
	if a.dialer != nil && len(kept) < c.Size() {
		clients, err = a.dialer(ctx, c, kept)
		if err != nil {
			return nil, fmt.Errorf("dial committee of epoch %d:\n%w", epoch, err)
		}
	}

	next := *a
	next.committee = c
	next.log = logger.With("component", "aggregator", "epoch", c.Epoch())

	next.clients, err = wrapClients(c, clients)
	if err != nil {
		return nil, err
	}

	next.log.Info("aggregator reconfigured",
		"previous", a.committee.Epoch(),
		"members", c.Size(),
		"reused", len(kept),
	)

	return &next, nil
}

// OnceRequest tunes one QuorumOnce call.
type OnceRequest struct {
	Preferences    types.NameSet // Preferences are asked first
	RestrictTo     types.NameSet // RestrictTo limits the candidates when not empty
	RequestTimeout time.Duration // RequestTimeout bounds each request, the client default when zero
	TotalTimeout   time.Duration // TotalTimeout bounds the call, the pre quorum timeout when zero
	Action         string        // Action describes the request in errors
}

// QuorumOnce returns the first successful answer of fn from any authority,
// staggering requests by the serial authority request interval.
func QuorumOnce[V any](
	ctx context.Context,
	a *AuthorityAggregator,
	req OnceRequest,
	fn quorum.MapFunc[*authority.SafeClient, V],
) (V, error) {
	total := req.TotalTimeout
	if total <= 0 {
		total = a.timeouts.PreQuorumTimeout
	}

	requestTimeout := req.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = authority.DefaultRequestTimeout
	}

	v, err := quorum.Once(ctx, a.committee, a.clients, quorum.OnceConfig{
		Preferences:    req.Preferences,
		RestrictTo:     req.RestrictTo,
		Shuffler:       a.shuffler,
		SerialInterval: a.timeouts.SerialAuthorityRequestInterval,
		RequestTimeout: requestTimeout,
		TotalTimeout:   total,
		Action:         req.Action,
	}, fn)

	var oe *quorum.OnceError
	if errors.As(err, &oe) {
		return v, newQuorumOnceError(oe, a.committee.Weight)
	}

	return v, err
}

// GetObjectInfo returns the latest version of an object known to the first
// authority that answers.
func (a *AuthorityAggregator) GetObjectInfo(ctx context.Context, id types.ObjectID) (*authority.ObjectInfoResponse, error) {
	return QuorumOnce(ctx, a, OnceRequest{Action: "get object info " + id.String()},
		func(ctx context.Context, _ types.AuthorityName, c *authority.SafeClient) (*authority.ObjectInfoResponse, error) {
			return c.HandleObjectInfo(ctx, &authority.ObjectInfoRequest{ID: id})
		})
}

// systemState collects system states until a quorum answered.
type systemState struct {
	good   types.StakeUnit        // good is the stake that answered
	bad    types.StakeUnit        // bad is the stake that failed
	latest *authority.SystemState // latest is the state of the highest epoch seen
	errors []reported             // errors are the failures
}

// LatestSystemState asks every authority for its system state and returns
// the one of the highest epoch once a quorum answered.
func (a *AuthorityAggregator) LatestSystemState(ctx context.Context) (*authority.SystemState, error) {
	quorumThreshold := a.committee.QuorumThreshold()
	total := a.committee.TotalVotes()

	out := quorum.MapThenReduce(ctx,
		quorum.Round[*authority.SafeClient]{
			Committee: a.committee,
			Clients:   a.clients,
			Shuffler:  a.shuffler,
			Timeout:   a.timeouts.PreQuorumTimeout,
		},
		&systemState{},
		func(ctx context.Context, _ types.AuthorityName, c *authority.SafeClient) (*authority.SystemState, error) {
			return c.HandleSystemState(ctx)
		},
		func(s *systemState, name types.AuthorityName, weight types.StakeUnit, resp *authority.SystemState, err error) quorum.Step[*systemState, *authority.SystemState] {
			if err != nil {
				s.bad += weight
				s.errors = append(s.errors, reported{
					err:         types.AsAuthorityError(err),
					authorities: []types.AuthorityName{name},
					stake:       weight,
				})

				if total-s.bad < quorumThreshold {
					return quorum.Failed[*authority.SystemState](s)
				}

				return quorum.Continue[*authority.SystemState](s)
			}

			s.good += weight
			if s.latest == nil || resp.Epoch > s.latest.Epoch {
				s.latest = resp
			}

			if s.good >= quorumThreshold {
				return quorum.Success[*systemState](s.latest)
			}

			return quorum.Continue[*authority.SystemState](s)
		},
	)
	out.Pending.Cancel()

	if !out.OK {
		return nil, fmt.Errorf("system state: no quorum answered: %s", groupErrors(out.State.errors))
	}

	return out.Result, nil
}

// recordRPCError counts transport failures by status.
func (a *AuthorityAggregator) recordRPCError(name types.AuthorityName, err *types.AuthorityError) {
	if err.Code != types.CodeRPC {
		return
	}

	a.metrics.RPCErrors.WithLabelValues(name.Concise(), err.Status).Inc()
}
