// Package genesis builds the deterministic initial state shared by every
// authority of a local committee, and the transactions spending it.
package genesis

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"QuorumDriver/internal/crypto"
	"QuorumDriver/internal/types"
)

// Config describes the genesis objects of a committee.
type Config struct {
	// Owner is the ed25519 key owning every genesis object.
	Owner ed25519.PublicKey

	// Objects is the number of owned objects to create.
	Objects int

	// Contents is the payload of every genesis object.
	Contents []byte
}

// Objects creates the genesis objects. Every authority built from the same
// Config holds identical objects, so their refs agree across the committee.
func Objects(cfg Config) ([]types.Object, error) {
	if len(cfg.Owner) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid owner key size: %d", len(cfg.Owner))
	}

	if cfg.Objects < 0 {
		return nil, fmt.Errorf("negative object count %d", cfg.Objects)
	}

	var owner [32]byte
	copy(owner[:], cfg.Owner)

	objs := make([]types.Object, cfg.Objects)
	for i := range objs {
		objs[i] = types.Object{
			ID:       ObjectID(cfg.Owner, i),
			Version:  1,
			Owner:    owner,
			Contents: append([]byte(nil), cfg.Contents...),
		}
	}

	return objs, nil
}

// ObjectID returns the id of genesis object index owned by owner.
func ObjectID(owner ed25519.PublicKey, index int) types.ObjectID {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(index))

	return types.ObjectID(crypto.Hash("genesis-object", owner, idx[:]))
}

// DevOwnerKey is the owner key of local committees. Never use outside local setups.
func DevOwnerKey() ed25519.PrivateKey {
	seed := crypto.Hash("dev-owner-key")
	return ed25519.NewKeyFromSeed(seed[:])
}
