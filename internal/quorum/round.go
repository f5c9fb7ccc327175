package quorum

import (
	"context"
	"time"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/types"
)

// MapFunc sends one request to one authority.
type MapFunc[C, V any] func(ctx context.Context, name types.AuthorityName, client C) (V, error)

// ReduceFunc folds one authority response into the round state.
// Exactly one of resp and err is meaningful.
type ReduceFunc[V, S, R any] func(state S, name types.AuthorityName, weight types.StakeUnit, resp V, err error) Step[S, R]

// stepKind tells the round what to do after a reduce.
type stepKind uint8

const (
	stepContinue stepKind = iota
	stepContinueWithTimeout
	stepSuccess
	stepFailed
)

// Step is the decision returned by a ReduceFunc.
type Step[S, R any] struct {
	kind    stepKind      // kind is the decision
	state   S             // state is carried to the next reduce
	result  R             // result is set for success
	timeout time.Duration // timeout replaces the round deadline for ContinueWithTimeout
}

// Continue keeps collecting with the new state.
func Continue[R, S any](s S) Step[S, R] {
	return Step[S, R]{kind: stepContinue, state: s}
}

// ContinueWithTimeout keeps collecting, giving the rest of the round d.
func ContinueWithTimeout[R, S any](s S, d time.Duration) Step[S, R] {
	return Step[S, R]{kind: stepContinueWithTimeout, state: s, timeout: d}
}

// Success ends the round with r.
func Success[S, R any](r R) Step[S, R] {
	return Step[S, R]{kind: stepSuccess, result: r}
}

// Failed ends the round without a result.
func Failed[R, S any](s S) Step[S, R] {
	return Step[S, R]{kind: stepFailed, state: s}
}

// Prefs gives some authorities priority. Responses from everyone else are
// held back until every preferred authority answered or PrefetchTimeout passed.
type Prefs struct {
	Ordering        []types.AuthorityName // Ordering lists preferred authorities first
	PrefetchTimeout time.Duration         // PrefetchTimeout bounds the wait for preferred authorities
}

// Round describes one fan-out over a committee.
type Round[C any] struct {
	Committee *committee.Committee      // Committee weighs responses
	Clients   map[types.AuthorityName]C // Clients reach each authority
	Shuffler  committee.Shuffler        // Shuffler orders requests, committee order when nil
	Prefs     *Prefs                    // Prefs is optional
	Timeout   time.Duration             // Timeout bounds the whole round
}

// Response is one authority answer.
type Response[V any] struct {
	Name   types.AuthorityName // Name is the responding authority
	Weight types.StakeUnit     // Weight is its stake
	Value  V                   // Value is the response
	Err    error               // Err is set when the request failed
}

// Outcome is what a round ended with.
type Outcome[S, R, V any] struct {
	Result   R           // Result is set when OK
	State    S           // State is the last reduced state when not OK
	OK       bool        // OK is set when a reduce returned Success
	TimedOut bool        // TimedOut is set when the round deadline or the caller ended it
	Pending  *Pending[V] // Pending holds requests still in flight
}

// MapThenReduce sends mapFn to every committee member concurrently and
// folds responses in arrival order until reduceFn ends the round, every
// authority answered, or the round timeout expires.
//
// Requests run detached from ctx cancellation so that a caller may keep
// draining them after the round; ending ctx only ends the round.
func MapThenReduce[C, V, S, R any](
	ctx context.Context,
	round Round[C],
	initial S,
	mapFn MapFunc[C, V],
	reduceFn ReduceFunc[V, S, R],
) Outcome[S, R, V] {
	order := roundOrder(round)

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	responses := make(chan Response[V], len(order))

	for _, name := range order {
		weight := round.Committee.Weight(name)

		client, ok := round.Clients[name]
		if !ok {
			responses <- Response[V]{Name: name, Weight: weight,
				Err: types.NewError(types.CodeRPC, "no client for %s", name.Concise())}
			continue
		}

		go func() {
			v, err := mapFn(reqCtx, name, client)
			responses <- Response[V]{Name: name, Weight: weight, Value: v, Err: err}
		}()
	}

	r := &reducer[V, S, R]{
		state:    initial,
		reduceFn: reduceFn,
	}

	timer := time.NewTimer(round.Timeout)
	defer timer.Stop()

	var prefetch <-chan time.Time
	waiting := make(types.NameSet)

	if round.Prefs != nil && len(round.Prefs.Ordering) > 0 {
		for _, n := range round.Prefs.Ordering {
			if round.Committee.Contains(n) {
				waiting[n] = struct{}{}
			}
		}

		pt := time.NewTimer(round.Prefs.PrefetchTimeout)
		defer pt.Stop()
		prefetch = pt.C
	}

	received := 0
	finish := func(timedOut bool) Outcome[S, R, V] {
		out := Outcome[S, R, V]{
			Result:   r.result,
			State:    r.state,
			OK:       r.done && r.ok,
			TimedOut: timedOut,
			Pending:  &Pending[V]{ch: responses, remaining: len(order) - received, cancel: cancel},
		}

		if out.Pending.remaining == 0 {
			cancel()
		}

		return out
	}

	for received < len(order) {
		select {
		case resp := <-responses:
			received++

			if len(waiting) > 0 {
				if !waiting.Contains(resp.Name) {
					r.held = append(r.held, resp)
					continue
				}

				delete(waiting, resp.Name)
			}

			r.apply(resp, timer)
			if !r.done && len(waiting) == 0 {
				r.flush(timer)
			}

		case <-prefetch:
			prefetch = nil
			clear(waiting)
			r.flush(timer)

		case <-timer.C:
			return finish(true)

		case <-ctx.Done():
			return finish(true)
		}

		if r.done {
			return finish(false)
		}
	}

	// Responses still held when the preferred set never completes.
	r.flush(timer)

	return finish(false)
}

// reducer threads the state through reduceFn and remembers the decision.
type reducer[V, S, R any] struct {
	state    S                   // state is the current round state
	result   R                   // result is set on success
	done     bool                // done is set once the round is decided
	ok       bool                // ok is set on success
	held     []Response[V]       // held buffers responses behind the preferred set
	reduceFn ReduceFunc[V, S, R] // reduceFn folds responses
}

// apply reduces one response.
func (r *reducer[V, S, R]) apply(resp Response[V], timer *time.Timer) {
	if r.done {
		return
	}

	step := r.reduceFn(r.state, resp.Name, resp.Weight, resp.Value, resp.Err)

	switch step.kind {
	case stepContinue:
		r.state = step.state
	case stepContinueWithTimeout:
		r.state = step.state
		timer.Reset(step.timeout)
	case stepSuccess:
		r.result = step.result
		r.done, r.ok = true, true
	case stepFailed:
		r.state = step.state
		r.done = true
	}
}

// flush reduces every held response in arrival order.
func (r *reducer[V, S, R]) flush(timer *time.Timer) {
	held := r.held
	r.held = nil

	for _, resp := range held {
		r.apply(resp, timer)
	}
}

// roundOrder returns the request order: preferred authorities first, then
// the shuffled or committee order.
func roundOrder[C any](round Round[C]) []types.AuthorityName {
	var pref types.NameSet
	if round.Prefs != nil {
		pref = types.NewNameSet(round.Prefs.Ordering...)
	}

	if round.Shuffler != nil {
		return round.Shuffler.ShuffleByStake(round.Committee, pref, nil)
	}

	return committee.FixedShuffler{}.ShuffleByStake(round.Committee, pref, nil)
}

// Pending is the tail of requests a round did not wait for.
type Pending[V any] struct {
	ch        chan Response[V]   // ch receives the remaining responses
	remaining int                // remaining counts responses not yet received
	cancel    context.CancelFunc // cancel abandons the requests
}

// Len returns the number of requests still in flight.
func (p *Pending[V]) Len() int {
	return p.remaining
}

// Cancel abandons every request still in flight.
func (p *Pending[V]) Cancel() {
	p.cancel()
}

// Drain waits up to timeout for the remaining responses, passing each to fn
// when fn is not nil, then cancels whatever is left. It returns how many
// responses never arrived and whether the timeout fired.
func (p *Pending[V]) Drain(timeout time.Duration, fn func(Response[V])) (int, bool) {
	defer p.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for p.remaining > 0 {
		select {
		case resp := <-p.ch:
			p.remaining--
			if fn != nil {
				fn(resp)
			}
		case <-timer.C:
			return p.remaining, true
		}
	}

	return 0, false
}
