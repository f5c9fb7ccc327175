package committee

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"QuorumDriver/internal/storage"
	"QuorumDriver/internal/types"
)

// storePrefix namespaces committee records in the key/value store.
var storePrefix = []byte("committee/")

// Store keeps one committee per epoch in persistent storage.
type Store struct {
	db *storage.Storage // db is the backing store
}

// NewStore wraps db.
func NewStore(db *storage.Storage) *Store {
	return &Store{db: db}
}

// storeKey returns the key of epoch. Big-endian keeps epochs ordered.
func storeKey(epoch types.EpochID) []byte {
	key := make([]byte, len(storePrefix)+8)
	copy(key, storePrefix)
	binary.BigEndian.PutUint64(key[len(storePrefix):], uint64(epoch))

	return key
}

// Insert stores c. An epoch already present is left untouched.
func (s *Store) Insert(c *Committee) error {
	key := storeKey(c.Epoch())

	exists, err := s.db.Has(key)
	if err != nil {
		return fmt.Errorf("check committee %d:\n%w", c.Epoch(), err)
	}

	if exists {
		return nil
	}

	if err := s.db.Set(key, Encode(c)); err != nil {
		return fmt.Errorf("store committee %d:\n%w", c.Epoch(), err)
	}

	return nil
}

// Get loads the committee of epoch. It returns (nil, nil) when unknown.
func (s *Store) Get(epoch types.EpochID) (*Committee, error) {
	raw, err := s.db.Get(storeKey(epoch))
	if err != nil {
		return nil, fmt.Errorf("load committee %d:\n%w", epoch, err)
	}

	if raw == nil {
		return nil, nil
	}

	c, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode committee %d:\n%w", epoch, err)
	}

	return c, nil
}

// Latest loads the committee with the highest epoch, or nil when empty.
func (s *Store) Latest() (*Committee, error) {
	_, raw, err := s.db.LastWithPrefix(storePrefix)
	if err != nil {
		return nil, fmt.Errorf("load latest committee:\n%w", err)
	}

	if raw == nil {
		return nil, nil
	}

	return Decode(raw)
}

// Encode serializes c for the store and for system state responses.
// Layout: [8B epoch] [4B count] then per member [48B name] [8B stake] [address] [network key].
func Encode(c *Committee) []byte {
	e := types.NewEncoder(16 + len(c.members)*96)
	e.U64(uint64(c.epoch))
	e.U32(uint32(len(c.members)))

	for _, m := range c.members {
		e.Name(m.Name)
		e.U64(uint64(m.Stake))
		e.Str(m.Address)
		e.VarBytes(m.NetworkKey)
	}

	return e.Bytes()
}

// Decode parses a committee written by Encode.
func Decode(raw []byte) (*Committee, error) {
	d := types.NewDecoder(raw)
	epoch := types.EpochID(d.U64())
	n := d.Count(64)

	members := make([]Member, 0, n)
	for i := 0; i < n && d.Err() == nil; i++ {
		m := Member{
			Name:    d.Name(),
			Stake:   types.StakeUnit(d.U64()),
			Address: d.Str(),
		}

		if key := d.VarBytes(); key != nil {
			m.NetworkKey = ed25519.PublicKey(key)
		}

		members = append(members, m)
	}

	if err := d.Finish(); err != nil {
		return nil, err
	}

	return New(epoch, members)
}
