package quorum

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/logger"
	"QuorumDriver/internal/types"
)

const (
	// defaultSerialInterval staggers requests when none is configured.
	defaultSerialInterval = time.Second

	// defaultRequestTimeout bounds one request when none is configured.
	defaultRequestTimeout = 10 * time.Second
)

// OnceErrorKind classifies a failed Once.
type OnceErrorKind uint8

const (
	// OnceTimeout means the total timeout expired before any error was seen.
	OnceTimeout OnceErrorKind = iota

	// OnceTooManyIncorrectAuthorities means the total timeout expired after errors.
	OnceTooManyIncorrectAuthorities

	// OnceNoAuthorities means the shuffle selected nobody.
	OnceNoAuthorities
)

// OnceError is returned when no authority answered successfully.
type OnceError struct {
	Kind   OnceErrorKind                 // Kind classifies the failure
	Errors map[types.AuthorityName]error // Errors holds the last error of each authority
	Action string                        // Action describes the request, for messages
}

// Error implements error.
func (e *OnceError) Error() string {
	switch e.Kind {
	case OnceNoAuthorities:
		return fmt.Sprintf("%s: no authority to contact", e.Action)
	case OnceTimeout:
		return fmt.Sprintf("%s: timed out", e.Action)
	}

	parts := make([]string, 0, len(e.Errors))
	for name, err := range e.Errors {
		parts = append(parts, name.Concise()+": "+err.Error())
	}
	sort.Strings(parts)

	return fmt.Sprintf("%s: too many incorrect authorities: [%s]", e.Action, strings.Join(parts, "; "))
}

// OnceConfig tunes Once.
type OnceConfig struct {
	Preferences    types.NameSet      // Preferences are contacted first
	RestrictTo     types.NameSet      // RestrictTo limits the candidates when not empty
	Shuffler       committee.Shuffler // Shuffler orders candidates, a random stake shuffler when nil
	SerialInterval time.Duration      // SerialInterval staggers extra requests
	RequestTimeout time.Duration      // RequestTimeout bounds each request
	TotalTimeout   time.Duration      // TotalTimeout bounds the whole call, unbounded when zero
	Backoff        backoff.BackOff    // Backoff paces full passes over the committee
	Action         string             // Action describes the request in errors
}

// NewCommitteeBackoff returns the pause policy between full passes:
// 1s doubling up to 5 minutes, never giving up.
func NewCommitteeBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// onceResult is one finished request.
type onceResult[V any] struct {
	name  types.AuthorityName // name is the contacted authority
	value V                   // value is the response
	err   error               // err is set on failure
}

// Once returns the first successful answer from any authority.
//
// Authorities are tried in shuffled order. One request starts at once and
// another every SerialInterval; a failure starts the next authority
// immediately. When every authority failed, Once backs off and starts a
// new shuffled pass. Only success, the total timeout or ctx end the call.
func Once[C, V any](
	ctx context.Context,
	c *committee.Committee,
	clients map[types.AuthorityName]C,
	cfg OnceConfig,
	fn MapFunc[C, V],
) (V, error) {
	var zero V

	if cfg.Shuffler == nil {
		cfg.Shuffler = committee.NewStakeShuffler()
	}
	if cfg.SerialInterval <= 0 {
		cfg.SerialInterval = defaultSerialInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewCommitteeBackoff()
	}
	cfg.Backoff.Reset()

	if cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TotalTimeout)
		defer cancel()
	}

	errs := make(map[types.AuthorityName]error)

	fail := func() (V, error) {
		kind := OnceTimeout
		if len(errs) > 0 {
			kind = OnceTooManyIncorrectAuthorities
		}

		return zero, &OnceError{Kind: kind, Errors: errs, Action: cfg.Action}
	}

	for {
		order := cfg.Shuffler.ShuffleByStake(c, cfg.Preferences, cfg.RestrictTo)
		if len(order) == 0 {
			return zero, &OnceError{Kind: OnceNoAuthorities, Errors: errs, Action: cfg.Action}
		}

		v, ok, expired := oncePass(ctx, order, clients, cfg, fn, errs)
		if ok {
			return v, nil
		}
		if expired {
			return fail()
		}

		wait := cfg.Backoff.NextBackOff()
		if wait == backoff.Stop {
			return fail()
		}

		logger.Debug("every authority failed, backing off",
			"action", cfg.Action,
			"wait", wait,
			"errors", len(errs),
		)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fail()
		}
	}
}

// oncePass tries each authority of order once. It reports the value on
// success, or whether ctx expired before the pass completed.
func oncePass[C, V any](
	ctx context.Context,
	order []types.AuthorityName,
	clients map[types.AuthorityName]C,
	cfg OnceConfig,
	fn MapFunc[C, V],
	errs map[types.AuthorityName]error,
) (V, bool, bool) {
	var zero V

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan onceResult[V], len(order))
	next, inflight := 0, 0

	stagger := time.NewTimer(cfg.SerialInterval)
	defer stagger.Stop()

	startNext := func() {
		if next >= len(order) {
			return
		}

		name := order[next]
		next++
		inflight++
		stagger.Reset(cfg.SerialInterval)

		client, ok := clients[name]
		if !ok {
			results <- onceResult[V]{name: name, err: types.NewError(types.CodeRPC, "no client for %s", name.Concise())}
			return
		}

		go func() {
			reqCtx, reqCancel := context.WithTimeout(passCtx, cfg.RequestTimeout)
			defer reqCancel()

			v, err := fn(reqCtx, name, client)
			if err != nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) && passCtx.Err() == nil {
				err = types.NewError(types.CodeTimeout, "request to %s timed out after %s", name.Concise(), cfg.RequestTimeout)
			}

			results <- onceResult[V]{name: name, value: v, err: err}
		}()
	}

	startNext()

	for inflight > 0 || next < len(order) {
		select {
		case r := <-results:
			inflight--

			if r.err == nil {
				return r.value, true, false
			}

			// Requests cut short by the total timeout say nothing about the authority.
			if ctx.Err() != nil {
				return zero, false, true
			}

			logger.Debug("authority request failed",
				"action", cfg.Action,
				"name", r.name.Concise(),
				"error", r.err,
			)

			errs[r.name] = r.err
			startNext()

		case <-stagger.C:
			startNext()

		case <-ctx.Done():
			return zero, false, true
		}
	}

	return zero, false, false
}
