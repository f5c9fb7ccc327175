package types

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"QuorumDriver/internal/crypto"
)

// sampleTransaction builds a transaction spending two objects.
func sampleTransaction() *Transaction {
	return &Transaction{
		Data: TransactionData{
			Sender: [32]byte{1},
			Inputs: []ObjectRef{
				{ID: ObjectID{1}, Version: 3, Digest: Digest{9}},
				{ID: ObjectID{2}, Version: 1, Digest: Digest{8}},
			},
			GasBudget: 1000,
			Payload:   []byte("transfer"),
		},
		UserSignature: []byte("user-sig"),
	}
}

// TestTransactionDigestIgnoresUserSignature tests that only the data is hashed.
func TestTransactionDigestIgnoresUserSignature(t *testing.T) {
	a := sampleTransaction()
	b := sampleTransaction()
	b.UserSignature = []byte("another-sig")

	require.Equal(t, a.Digest(), b.Digest())

	b.Data.GasBudget++
	require.NotEqual(t, a.Digest(), b.Digest())
}

// TestSigningMessageSeparatesScopeAndEpoch tests the intent prefix.
func TestSigningMessageSeparatesScopeAndEpoch(t *testing.T) {
	tx := sampleTransaction()
	fx := &TransactionEffects{TransactionDigest: tx.Digest()}

	require.Len(t, SigningMessage(tx, 1), 41)
	require.NotEqual(t, SigningMessage(tx, 1), SigningMessage(tx, 2))
	require.NotEqual(t, SigningMessage(tx, 1)[0], SigningMessage(fx, 1)[0])
}

// TestSignInfoVerify tests share creation and verification.
func TestSignInfoVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	tx := sampleTransaction()
	info := Sign(key, tx, 4)

	require.Equal(t, EpochID(4), info.Epoch)
	require.Equal(t, AuthorityName(key.PublicKey()), info.Authority)
	require.True(t, info.Verify(tx))

	info.Epoch = 5
	require.False(t, info.Verify(tx))
}

// TestCodecSignedEffects tests that signed effects survive encoding.
func TestCodecSignedEffects(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	fx := &TransactionEffects{
		TransactionDigest: Digest{1},
		ExecutedEpoch:     2,
		Status:            StatusSuccess,
		Mutated:           []ObjectRef{{ID: ObjectID{3}, Version: 4, Digest: Digest{5}}},
		EventsDigest:      Digest{6},
	}
	signed := &SignedEffects{Data: fx, Auth: Sign(key, fx, 2)}

	e := NewEncoder(0)
	e.SignedEffects(signed)

	d := NewDecoder(e.Bytes())
	got := d.SignedEffects()
	require.NoError(t, d.Finish())

	require.Equal(t, fx.Digest(), got.Data.Digest())
	require.True(t, got.Auth.Verify(got.Data))
}

// TestCodecTransactionAndError tests transactions and structured errors.
func TestCodecTransactionAndError(t *testing.T) {
	tx := sampleTransaction()
	ae := LockConflict(tx.Data.Inputs[0], Digest{7})
	ae.RetryAfter = 3 * time.Second

	e := NewEncoder(0)
	e.Transaction(tx)
	e.AuthorityError(ae)

	d := NewDecoder(e.Bytes())
	gotTx := d.Transaction()
	gotErr := d.AuthorityError()
	require.NoError(t, d.Finish())

	require.Equal(t, tx, gotTx)
	require.Equal(t, ae, gotErr)
}

// TestDecoderRejectsTruncatedInput tests the sticky error.
func TestDecoderRejectsTruncatedInput(t *testing.T) {
	e := NewEncoder(0)
	e.Transaction(sampleTransaction())
	raw := e.Bytes()

	d := NewDecoder(raw[:len(raw)-3])
	d.Transaction()
	require.Error(t, d.Err())

	d = NewDecoder(append(raw, 0))
	d.Transaction()
	require.Error(t, d.Finish())

	// A huge list count must fail instead of allocating.
	bad := NewEncoder(0)
	bad.Bytes32([32]byte{})
	bad.U32(1 << 30)
	d = NewDecoder(bad.Bytes())
	d.Transaction()
	require.Error(t, d.Err())
}

// TestErrorClassification tests the retryable table and the special classes.
func TestErrorClassification(t *testing.T) {
	cases := []struct {
		code        ErrorCode
		retryable   bool
		categorized bool
	}{
		{CodeTimeout, true, true},
		{CodeRPC, true, true},
		{CodeObjectNotFound, true, true},
		{CodeWrongEpoch, true, true},
		{CodeTooManyTransactionsPendingOnObject, true, true},
		{CodeValidatorOverloadedRetryAfter, true, true},
		{CodeTooManyRequests, false, true},
		{CodeObjectLockConflict, false, true},
		{CodeInvalidSignature, false, true},
		{CodeExecutionError, false, true},
		{CodeUnknown, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			retryable, categorized := NewError(tc.code, "x").IsRetryable()
			require.Equal(t, tc.retryable, retryable)
			require.Equal(t, tc.categorized, categorized)
		})
	}

	require.True(t, NewError(CodePackageNotFound, "").IsObjectOrPackageNotFound())
	require.True(t, NewError(CodeTooManyTransactionsPendingConsensus, "").IsOverload())
	require.False(t, OverloadedRetryAfter(time.Second).IsOverload())
	require.True(t, OverloadedRetryAfter(time.Second).IsRetryableOverload())
	require.False(t, NewError(CodeInvalidSignature, "").AttributedToClient())
	require.True(t, NewError(CodeObjectLockConflict, "").AttributedToClient())
}

// TestAsAuthorityError tests recovery through wrapping.
func TestAsAuthorityError(t *testing.T) {
	wrapped := fmt.Errorf("handle transaction:\n%w", WrongEpoch(1, 2))

	ae := AsAuthorityError(wrapped)
	require.Equal(t, CodeWrongEpoch, ae.Code)
	require.ErrorIs(t, wrapped, &AuthorityError{Code: CodeWrongEpoch})

	require.Equal(t, CodeUnknown, AsAuthorityError(fmt.Errorf("boom")).Code)
	require.Nil(t, AsAuthorityError(nil))
}

func TestParseObjectID(t *testing.T) {
	id := ObjectID{1, 2, 3}

	got, err := ParseObjectID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = ParseObjectID("zz")
	require.Error(t, err)

	_, err = ParseObjectID("0102")
	require.ErrorContains(t, err, "2 bytes")
}
