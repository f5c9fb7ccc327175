package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"QuorumDriver/internal/authority"
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/genesis"
	"QuorumDriver/internal/types"
)

// requireTxError asserts err is a *ProcessTransactionError of kind.
func requireTxError(t *testing.T, err error, kind TransactionErrorKind) *ProcessTransactionError {
	t.Helper()

	var pe *ProcessTransactionError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, kind, pe.Kind, pe.Error())

	return pe
}

func TestProcessTransactionCertifiesDespiteHang(t *testing.T) {
	f := newFixture(t, equalStakes(4))
	f.faults[2].Inject(authority.MethodTransaction, authority.Fault{Hang: true})

	tx := f.tx("hang", 0)

	res, err := f.agg.ProcessTransaction(context.Background(), tx, "")
	require.NoError(t, err)
	require.True(t, res.NewlyFormed)
	require.False(t, res.IsExecuted())
	require.Same(t, tx, res.Certificate.Data)
	require.NoError(t, committee.VerifyCertificate(f.committee, res.Certificate))

	signers, err := f.committee.Signers(&res.Certificate.Auth)
	require.NoError(t, err)
	require.NotContains(t, signers, f.ids[2].Name())
}

func TestProcessTransactionInvalidSignaturesStayRetryable(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	f.faults[0].Inject(authority.MethodTransaction, authority.Fault{Err: types.NewError(types.CodeInvalidSignature, "bad")})
	f.faults[1].Inject(authority.MethodTransaction, authority.Fault{Err: types.NewError(types.CodeInvalidSignature, "bad")})
	f.faults[2].Inject(authority.MethodTransaction, authority.Fault{Hang: true})
	f.faults[3].Inject(authority.MethodTransaction, authority.Fault{Hang: true})

	start := time.Now()
	_, err := f.agg.ProcessTransaction(context.Background(), f.tx("invalid", 0), "")
	require.Less(t, time.Since(start), 2*time.Second)

	require.ErrorIs(t, err, ErrRetryableTransaction)
	pe := requireTxError(t, err, RetryableTransaction)
	require.True(t, pe.IsRetryable())
	require.Equal(t, types.StakeUnit(2), pe.Errors.Stake(types.CodeInvalidSignature))
}

func TestProcessTransactionConflictingLocks(t *testing.T) {
	f := newFixture(t, equalStakes(4))
	ctx := context.Background()

	x := f.tx("x", 0)
	y := f.tx("y", 0)

	for i, tx := range []*types.Transaction{x, x, y} {
		_, err := f.authorities[i].HandleTransaction(ctx, tx, "")
		require.NoError(t, err)
	}

	_, err := f.agg.ProcessTransaction(ctx, f.tx("z", 0), "")
	require.ErrorIs(t, err, ErrFatalConflictingTransaction)

	pe := requireTxError(t, err, FatalConflictingTransaction)
	require.False(t, pe.IsRetryable())
	require.Len(t, pe.ConflictingTxDigests, 2)

	conflictX := pe.ConflictingTxDigests[x.Digest()]
	require.Equal(t, types.StakeUnit(2), conflictX.Stake)
	require.Len(t, conflictX.Locks, 2)
	require.Equal(t, f.objects[0].Ref(), conflictX.Locks[0].Object)

	conflictY := pe.ConflictingTxDigests[y.Digest()]
	require.Equal(t, types.StakeUnit(1), conflictY.Stake)
	require.Equal(t, f.ids[2].Name(), conflictY.Locks[0].Authority)

	require.Equal(t, types.StakeUnit(3), pe.Errors.Stake(types.CodeObjectLockConflict))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DoubleSpendAttempts))
}

func TestProcessTransactionConflictCollectionIsBounded(t *testing.T) {
	f := newFixture(t, equalStakes(4))
	ctx := context.Background()

	x := f.tx("x", 0)
	for i := range 2 {
		_, err := f.authorities[i].HandleTransaction(ctx, x, "")
		require.NoError(t, err)
	}

	f.faults[2].Inject(authority.MethodTransaction, authority.Fault{Hang: true})

	start := time.Now()
	_, err := f.agg.ProcessTransaction(ctx, f.tx("z", 0), "")
	require.Less(t, time.Since(start), testTimeouts.PostQuorumTimeout+time.Second)

	pe := requireTxError(t, err, FatalConflictingTransaction)
	require.Len(t, pe.ConflictingTxDigests, 1)
	require.Equal(t, types.StakeUnit(2), pe.ConflictingTxDigests[x.Digest()].Stake)
}

func TestProcessTransactionRetryAfterOverload(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	for i := range 3 {
		f.faults[i].Inject(authority.MethodTransaction, authority.Fault{Err: types.OverloadedRetryAfter(30 * time.Second)})
	}

	_, err := f.agg.ProcessTransaction(context.Background(), f.tx("busy", 0), "")
	require.ErrorIs(t, err, ErrSystemOverloadRetryAfter)

	pe := requireTxError(t, err, SystemOverloadRetryAfter)
	require.True(t, pe.IsRetryable())
	require.Equal(t, 30*time.Second, pe.RetryAfter)
	require.Equal(t, types.StakeUnit(3), pe.OverloadedStake)
}

func TestProcessTransactionSystemOverload(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	for i := range f.faults {
		f.faults[i].Inject(authority.MethodTransaction, authority.Fault{
			Err: types.NewError(types.CodeTooManyTransactionsPendingOnObject, "queue full"),
		})
	}

	_, err := f.agg.ProcessTransaction(context.Background(), f.tx("queued", 0), "")
	require.ErrorIs(t, err, ErrSystemOverload)

	pe := requireTxError(t, err, SystemOverload)
	require.True(t, pe.IsRetryable())
	require.GreaterOrEqual(t, pe.OverloadedStake, f.committee.QuorumThreshold())
}

func TestProcessTransactionBadUserSignature(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	tx := f.tx("forged", 0)
	tx.UserSignature = append([]byte(nil), tx.UserSignature...)
	tx.UserSignature[0] ^= 0xff

	_, err := f.agg.ProcessTransaction(context.Background(), tx, "")
	require.ErrorIs(t, err, ErrFatalTransaction)

	pe := requireTxError(t, err, FatalTransaction)
	require.False(t, pe.IsRetryable())
	require.GreaterOrEqual(t, pe.Errors.Stake(types.CodeUserInput), f.committee.ValidityThreshold())
}

func TestProcessTransactionMissingObject(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	ref := f.objects[1].Ref()
	ref.Version = 2
	tx := genesis.SignTransaction(f.owner, []types.ObjectRef{ref}, 1000, []byte("future"))

	_, err := f.agg.ProcessTransaction(context.Background(), tx, "")

	pe := requireTxError(t, err, FatalTransaction)
	require.GreaterOrEqual(t, pe.Errors.Stake(types.CodeObjectNotFound), f.committee.QuorumThreshold())
}

func TestProcessTransactionAlreadyExecuted(t *testing.T) {
	f := newFixture(t, equalStakes(4))
	ctx := context.Background()

	tx := f.tx("twice", 0)
	_, err := f.agg.ExecuteTransactionBlock(ctx, tx, "")
	require.NoError(t, err)

	res, err := f.agg.ProcessTransaction(ctx, tx, "")
	require.NoError(t, err)
	require.False(t, res.NewlyFormed)
	require.False(t, res.IsExecuted())
	require.Equal(t, tx.Digest(), res.Certificate.Digest())
	require.NoError(t, committee.VerifyCertificate(f.committee, res.Certificate))
}

func TestProcessTransactionExecutedInEarlierEpoch(t *testing.T) {
	f := newFixture(t, equalStakes(4))
	ctx := context.Background()

	tx := f.tx("old epoch", 0)
	_, err := f.agg.ExecuteTransactionBlock(ctx, tx, "")
	require.NoError(t, err)

	next, store := f.reconfigure(t, 2)
	f.agg.store = store

	agg, err := f.agg.RecreateWithNewEpoch(ctx, 2)
	require.NoError(t, err)

	res, err := agg.ProcessTransaction(ctx, tx, "")
	require.NoError(t, err)
	require.True(t, res.IsExecuted())
	require.Nil(t, res.Certificate)
	require.Equal(t, tx.Digest(), res.Effects.Data.TransactionDigest)
	require.Equal(t, types.EpochID(1), res.Effects.Data.ExecutedEpoch)
	require.NotNil(t, res.Events)
	require.NoError(t, committee.VerifyCertificate(next, res.Effects))
}

func TestProcessTransactionFinalizedWithDifferentSignatures(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	for i := range 2 {
		f.faults[i].Inject(authority.MethodTransaction, authority.Fault{
			Err: types.NewError(types.CodeTxAlreadyFinalizedWithDifferentUserSigs, "finalized"),
		})
	}
	f.faults[2].Inject(authority.MethodTransaction, authority.Fault{Hang: true})
	f.faults[3].Inject(authority.MethodTransaction, authority.Fault{Hang: true})

	_, err := f.agg.ProcessTransaction(context.Background(), f.tx("finalized", 0), "")
	require.ErrorIs(t, err, ErrTxAlreadyFinalizedDifferentSigs)

	pe := requireTxError(t, err, TxAlreadyFinalizedWithDifferentUserSigs)
	require.False(t, pe.IsRetryable())
}

// executedAs makes authority i answer every transaction with effects it
// signed itself, told apart by variant.
func (f *fixture) executedAs(i int, variant byte) {
	key := f.ids[i].Key

	f.faults[i].RewriteTransaction(func(resp *authority.TransactionResponse) *authority.TransactionResponse {
		fx := &types.TransactionEffects{
			TransactionDigest: resp.Signed.Data.Digest(),
			ExecutedEpoch:     f.committee.Epoch(),
			EventsDigest:      types.Digest{variant},
		}

		return &authority.TransactionResponse{
			Status:  authority.StatusExecutedWithoutCert,
			Effects: &types.SignedEffects{Data: fx, Auth: types.Sign(key, fx, f.committee.Epoch())},
		}
	})
}

func TestProcessTransactionSplitEffects(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	for i, variant := range []byte{1, 1, 2, 3} {
		f.executedAs(i, variant)
	}

	_, err := f.agg.ProcessTransaction(context.Background(), f.tx("split", 0), "")
	require.ErrorIs(t, err, ErrRetryableTransaction)

	pe := requireTxError(t, err, RetryableTransaction)
	require.True(t, pe.IsRetryable())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EffectsQuorumNotReached))
}

func TestProcessTransactionSplitEffectsWithDifferentSignatures(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	f.executedAs(0, 1)
	f.executedAs(1, 2)

	// The markers arrive once both effects were counted.
	for i := 2; i < 4; i++ {
		f.faults[i].Inject(authority.MethodTransaction, authority.Fault{
			Delay: 50 * time.Millisecond,
			Err:   types.NewError(types.CodeTxAlreadyFinalizedWithDifferentUserSigs, "finalized"),
		})
	}

	_, err := f.agg.ProcessTransaction(context.Background(), f.tx("split marked", 0), "")
	require.ErrorIs(t, err, ErrTxAlreadyFinalizedDifferentSigs)

	pe := requireTxError(t, err, TxAlreadyFinalizedWithDifferentUserSigs)
	require.False(t, pe.IsRetryable())
	require.Equal(t, types.StakeUnit(2), pe.Errors.Stake(types.CodeTxAlreadyFinalizedWithDifferentUserSigs))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EffectsQuorumNotReached))
}

func TestProcessTransactionCustomMatcher(t *testing.T) {
	inject := func(f *fixture) {
		for i := range 2 {
			f.faults[i].Inject(authority.MethodTransaction, authority.Fault{
				Err: types.NewError(types.CodeExecutionError, "aborted"),
			})
		}
		f.faults[2].Inject(authority.MethodTransaction, authority.Fault{Hang: true})
		f.faults[3].Inject(authority.MethodTransaction, authority.Fault{Hang: true})
	}

	f := newFixture(t, equalStakes(4))
	inject(f)

	_, err := f.agg.ProcessTransaction(context.Background(), f.tx("default", 0), "")
	requireTxError(t, err, FatalTransaction)

	f = newFixture(t, equalStakes(4), WithFinalizedDifferentSigMatcher(func(err *types.AuthorityError) bool {
		return err.Code == types.CodeExecutionError
	}))
	inject(f)

	_, err = f.agg.ProcessTransaction(context.Background(), f.tx("custom", 0), "")
	requireTxError(t, err, TxAlreadyFinalizedWithDifferentUserSigs)
}

func TestProcessTransactionEvictsForgedShare(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	forger := f.ids[1].Key
	f.faults[0].RewriteTransaction(func(resp *authority.TransactionResponse) *authority.TransactionResponse {
		auth := types.Sign(forger, resp.Signed.Data, resp.Signed.Auth.Epoch)
		auth.Authority = f.ids[0].Name()

		return &authority.TransactionResponse{
			Status: authority.StatusSigned,
			Signed: &types.SignedTransaction{Data: resp.Signed.Data, Auth: auth},
		}
	})

	for i := 1; i < 4; i++ {
		f.faults[i].Inject(authority.MethodTransaction, authority.Fault{Delay: 50 * time.Millisecond})
	}

	res, err := f.agg.ProcessTransaction(context.Background(), f.tx("forged share", 0), "")
	require.NoError(t, err)
	require.True(t, res.NewlyFormed)
	require.NoError(t, committee.VerifyCertificate(f.committee, res.Certificate))

	signers, err := f.committee.Signers(&res.Certificate.Auth)
	require.NoError(t, err)
	require.NotContains(t, signers, f.ids[0].Name())
	require.Len(t, signers, 3)
}

func TestProcessTransactionCountsRPCErrors(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	f.faults[0].Inject(authority.MethodTransaction, authority.Fault{
		Err: &types.AuthorityError{Code: types.CodeRPC, Message: "connection refused", Status: "unavailable"},
	})
	for i := 1; i < 4; i++ {
		f.faults[i].Inject(authority.MethodTransaction, authority.Fault{Delay: 30 * time.Millisecond})
	}

	_, err := f.agg.ProcessTransaction(context.Background(), f.tx("rpc", 0), "")
	require.NoError(t, err)

	name := f.ids[0].Name().Concise()
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RPCErrors.WithLabelValues(name, "unavailable")))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ProcessTxErrors.WithLabelValues(name, types.CodeRPC.String())))
}

func TestProcessTransactionContextCancelled(t *testing.T) {
	f := newFixture(t, equalStakes(4))

	for i := range f.faults {
		f.faults[i].Inject(authority.MethodTransaction, authority.Fault{Hang: true})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.agg.ProcessTransaction(ctx, f.tx("cancelled", 0), "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
