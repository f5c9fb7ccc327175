package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRoundTripSmall tests an uncompressed frame.
func TestRoundTripSmall(t *testing.T) {
	in := &Message{
		Kind:       KindCertificate,
		Status:     StatusError,
		ClientAddr: "10.0.0.1:4000",
		Payload:    []byte("payload"),
	}

	raw, err := Encode(in)
	require.NoError(t, err)
	require.Equal(t, byte(CompressionNone), GetRootAsFrame(raw, 0).Compression())

	out, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

// TestRoundTripCompressed tests that large payloads are compressed and restored.
func TestRoundTripCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("effects-"), 4*CompressThreshold)
	in := &Message{Kind: KindTransaction, Payload: payload}

	raw, err := Encode(in)
	require.NoError(t, err)
	require.Less(t, len(raw), len(payload)/4)
	require.Equal(t, byte(CompressionZstd), GetRootAsFrame(raw, 0).Compression())

	out, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, payload, out.Payload)
	require.Empty(t, out.ClientAddr)
}

// TestDecodeRejectsGarbage tests that malformed frames return errors instead of panicking.
func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	require.Error(t, err)

	_, err = Decode([]byte{0xff, 0xff, 0xff, 0x7f, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)

	raw, err := Encode(&Message{Kind: KindObjectInfo, Payload: bytes.Repeat([]byte("x"), 2*CompressThreshold)})
	require.NoError(t, err)

	frame := GetRootAsFrame(raw, 0)
	require.True(t, frame.MutateCompression(7))

	_, err = Decode(raw)
	require.Error(t, err)
}

// TestKindString tests the log names.
func TestKindString(t *testing.T) {
	require.Equal(t, "transaction", KindTransaction.String())
	require.Equal(t, "system_state", KindSystemState.String())
	require.Equal(t, "kind(9)", Kind(9).String())
}
