package authority

import (
	"testing"

	"github.com/stretchr/testify/require"

	"QuorumDriver/internal/types"
)

func TestCodecPreservesOptionalFields(t *testing.T) {
	f := newFixture(t, 4)
	tx := f.tx("a", 0)
	cert := f.certify(t, tx)

	raw := encodeTransactionResponse(&TransactionResponse{Status: StatusExecutedWithCert, Certificate: cert})
	resp, err := decodeTransactionResponse(raw)
	require.NoError(t, err)
	require.Equal(t, StatusExecutedWithCert, resp.Status)
	require.Nil(t, resp.Signed)
	require.Nil(t, resp.Effects)
	require.Nil(t, resp.Events)
	require.Equal(t, cert.Digest(), resp.Certificate.Digest())
	require.Equal(t, cert.Auth, resp.Certificate.Auth)

	lock := tx.Digest()
	info, err := decodeObjectInfoResponse(encodeObjectInfoResponse(&ObjectInfoResponse{Object: f.objects[0], LockedBy: &lock}))
	require.NoError(t, err)
	require.Equal(t, f.objects[0].Ref(), info.Object.Ref())
	require.Equal(t, lock, *info.LockedBy)

	state, err := decodeSystemState(encodeSystemState(&SystemState{Epoch: 1, Committee: f.committee}))
	require.NoError(t, err)
	require.Equal(t, f.committee.Names(), state.Committee.Names())
}

func TestCodecRejectsTruncatedPayloads(t *testing.T) {
	f := newFixture(t, 4)

	raw := encodeTransactionRequest(f.tx("a", 0))
	_, err := decodeTransactionRequest(raw[:len(raw)-1])
	require.Error(t, err)

	_, err = decodeTransactionRequest(append(raw, 0))
	require.Error(t, err)

	_, err = decodeAuthorityError(nil)
	require.Error(t, err)

	ae, err := decodeAuthorityError(encodeAuthorityError(types.WrongEpoch(3, 2)))
	require.NoError(t, err)
	require.Equal(t, types.CodeWrongEpoch, ae.Code)
	require.Equal(t, types.EpochID(3), ae.ExpectedEpoch)
}
