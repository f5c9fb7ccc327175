package genesis

import (
	"crypto/ed25519"

	"QuorumDriver/internal/types"
)

// SignTransaction builds a transaction spending inputs on behalf of the
// owner of key. The user signature covers the transaction digest.
func SignTransaction(key ed25519.PrivateKey, inputs []types.ObjectRef, gasBudget uint64, payload []byte) *types.Transaction {
	var sender [32]byte
	copy(sender[:], key.Public().(ed25519.PublicKey))

	tx := &types.Transaction{
		Data: types.TransactionData{
			Sender:    sender,
			Inputs:    append([]types.ObjectRef(nil), inputs...),
			GasBudget: gasBudget,
			Payload:   append([]byte(nil), payload...),
		},
	}

	digest := tx.Digest()
	tx.UserSignature = ed25519.Sign(key, digest[:])

	return tx
}
