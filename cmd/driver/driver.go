package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"QuorumDriver/internal/aggregator"
	"QuorumDriver/internal/authority"
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/genesis"
	"QuorumDriver/internal/logger"
	"QuorumDriver/internal/types"
)

// Driver owns the current aggregator and swaps it on epoch changes.
type Driver struct {
	current atomic.Pointer[aggregator.AuthorityAggregator] // current serves every request
	store   *committee.Store                               // store receives committees of new epochs
	mu      sync.Mutex                                     // mu serializes reconfigurations
}

// NewDriver creates a driver starting from agg.
func NewDriver(agg *aggregator.AuthorityAggregator, store *committee.Store) *Driver {
	d := &Driver{store: store}
	d.current.Store(agg)

	return d
}

// Aggregator returns the aggregator of the current epoch.
func (d *Driver) Aggregator() *aggregator.AuthorityAggregator {
	return d.current.Load()
}

// ExecuteTransactionBlock certifies and executes tx on the current committee.
func (d *Driver) ExecuteTransactionBlock(ctx context.Context, tx *types.Transaction, clientAddr string) (*types.CertifiedEffects, error) {
	return d.Aggregator().ExecuteTransactionBlock(ctx, tx, clientAddr)
}

// GetObjectInfo reads an object from the current committee.
func (d *Driver) GetObjectInfo(ctx context.Context, id types.ObjectID) (*authority.ObjectInfoResponse, error) {
	return d.Aggregator().GetObjectInfo(ctx, id)
}

// Committee returns the current committee.
func (d *Driver) Committee() *committee.Committee {
	return d.Aggregator().Committee()
}

// Reconfigure moves to the latest epoch reported by a quorum. It returns
// true when the aggregator was replaced.
func (d *Driver) Reconfigure(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	agg := d.Aggregator()

	state, err := agg.LatestSystemState(ctx)
	if err != nil {
		return false, err
	}

	if state.Epoch <= agg.Committee().Epoch() {
		return false, nil
	}

	if state.Committee == nil || state.Committee.Epoch() != state.Epoch {
		return false, fmt.Errorf("system state of epoch %d carries no matching committee", state.Epoch)
	}

	if err := d.store.Insert(state.Committee); err != nil {
		return false, err
	}

	next, err := agg.RecreateWithNewEpoch(ctx, state.Epoch)
	if err != nil {
		return false, fmt.Errorf("reconfigure to epoch %d:\n%w", state.Epoch, err)
	}

	d.current.Store(next)
	closeDeparted(agg, next)

	return true, nil
}

// closeDeparted closes the clients of prev whose authority left next.
func closeDeparted(prev, next *aggregator.AuthorityAggregator) {
	departed := make(map[types.AuthorityName]authority.Client)
	for name, client := range prev.InnerClients() {
		if !next.Committee().Contains(name) {
			departed[name] = client
		}
	}

	if err := authority.CloseClients(departed); err != nil {
		logger.Warn("close departed clients", "error", err)
	}
}

// WatchEpochs polls the system state every interval until ctx ends.
func (d *Driver) WatchEpochs(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		changed, err := d.Reconfigure(ctx)
		if err != nil {
			logger.Warn("epoch check failed", "error", err)
			continue
		}

		if changed {
			logger.Info("moved to new epoch", "epoch", d.Committee().Epoch())
		}
	}
}

// Submit spends objects with a transaction signed by key. Retryable
// failures are retried for up to maxElapsed.
func (d *Driver) Submit(
	ctx context.Context,
	key ed25519.PrivateKey,
	objects []types.ObjectID,
	gasBudget uint64,
	payload []byte,
	maxElapsed time.Duration,
) (*types.CertifiedEffects, error) {
	refs := make([]types.ObjectRef, len(objects))
	for i, id := range objects {
		info, err := d.GetObjectInfo(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read object %s:\n%w", id, err)
		}

		refs[i] = info.Object.Ref()
	}

	tx := genesis.SignTransaction(key, refs, gasBudget, payload)

	return d.executeWithRetry(ctx, tx, maxElapsed)
}

// executeWithRetry runs tx with exponential backoff. Non retryable errors
// stop at once; overload hints raise the next delay.
func (d *Driver) executeWithRetry(ctx context.Context, tx *types.Transaction, maxElapsed time.Duration) (*types.CertifiedEffects, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.MaxInterval = 10 * time.Second
	exp.MaxElapsedTime = maxElapsed

	hinted := &hintedBackOff{BackOff: exp}
	digest := tx.Digest()

	var fx *types.CertifiedEffects

	op := func() error {
		var err error

		fx, err = d.ExecuteTransactionBlock(ctx, tx, "")
		if err == nil {
			return nil
		}

		if !retryable(err) {
			return backoff.Permanent(err)
		}

		var pe *aggregator.ProcessTransactionError
		if errors.As(err, &pe) {
			hinted.hint = pe.RetryAfter
		}

		if pe != nil && pe.Errors.Stake(types.CodeWrongEpoch) > 0 {
			if _, rerr := d.Reconfigure(ctx); rerr != nil {
				logger.Warn("reconfigure before retry", "error", rerr)
			}
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Info("retrying transaction", "tx", digest.Short(), "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(hinted, ctx), notify); err != nil {
		return nil, err
	}

	return fx, nil
}

// retryable tells whether another attempt may succeed.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe *aggregator.ProcessTransactionError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}

	return !errors.Is(err, aggregator.ErrFatalExecuteCertificate)
}

// hintedBackOff waits at least the last advertised retry delay.
type hintedBackOff struct {
	backoff.BackOff               // BackOff computes the base delay
	hint            time.Duration // hint is consumed by the next call
}

// NextBackOff implements backoff.BackOff.
func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}

	next = max(next, b.hint)
	b.hint = 0

	return next
}
