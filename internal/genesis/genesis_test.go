package genesis

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"QuorumDriver/internal/types"
)

func TestObjectsAreDeterministic(t *testing.T) {
	owner := DevOwnerKey().Public().(ed25519.PublicKey)
	cfg := Config{Owner: owner, Objects: 4, Contents: []byte("coin")}

	a, err := Objects(cfg)
	require.NoError(t, err)
	b, err := Objects(cfg)
	require.NoError(t, err)

	require.Len(t, a, 4)
	for i := range a {
		require.Equal(t, a[i].Ref(), b[i].Ref())
		require.Equal(t, ObjectID(owner, i), a[i].ID)
		require.Equal(t, uint64(1), a[i].Version)
		require.Equal(t, []byte(owner), a[i].Owner[:])
	}

	require.NotEqual(t, a[0].ID, a[1].ID)
}

func TestObjectsRejectsBadConfig(t *testing.T) {
	_, err := Objects(Config{Owner: []byte{1, 2}, Objects: 1})
	require.Error(t, err)

	_, err = Objects(Config{Owner: DevOwnerKey().Public().(ed25519.PublicKey), Objects: -1})
	require.Error(t, err)
}

func TestSignTransaction(t *testing.T) {
	key := DevOwnerKey()
	objs, err := Objects(Config{Owner: key.Public().(ed25519.PublicKey), Objects: 1})
	require.NoError(t, err)

	tx := SignTransaction(key, []types.ObjectRef{objs[0].Ref()}, 50, []byte("payload"))
	require.NoError(t, tx.VerifyUserSignature())
	require.Equal(t, uint64(50), tx.Data.GasBudget)

	tx.Data.Payload = []byte("tampered")
	require.Error(t, tx.VerifyUserSignature())
}
