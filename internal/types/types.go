package types

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"slices"

	"QuorumDriver/internal/crypto"
)

// AuthorityName identifies an authority by its compressed BLS public key.
type AuthorityName [crypto.PublicKeySize]byte

// String returns the full hex encoding.
func (n AuthorityName) String() string {
	return hex.EncodeToString(n[:])
}

// Concise returns a short hex prefix for logs and metric labels.
func (n AuthorityName) Concise() string {
	return crypto.ShortHex(n[:], 4)
}

// EpochID numbers committees; it only ever increases.
type EpochID uint64

// StakeUnit is the voting weight of an authority.
type StakeUnit uint64

// Digest is a BLAKE3 digest.
type Digest [crypto.DigestSize]byte

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns a short hex prefix for logs.
func (d Digest) Short() string {
	return crypto.ShortHex(d[:], 6)
}

// ObjectID identifies an owned object.
type ObjectID [32]byte

// String returns the hex encoding of the id.
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseObjectID decodes a hex object id.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID

	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode object id:\n%w", err)
	}

	if len(raw) != len(id) {
		return id, fmt.Errorf("object id has %d bytes, want %d", len(raw), len(id))
	}

	copy(id[:], raw)

	return id, nil
}

// ObjectRef pins one version of an object.
type ObjectRef struct {
	ID      ObjectID // ID is the object identifier
	Version uint64   // Version is the object version
	Digest  Digest   // Digest commits to the object contents at that version
}

// Object is an owned object as held by an authority.
type Object struct {
	ID       ObjectID // ID is the object identifier
	Version  uint64   // Version is the current version
	Owner    [32]byte // Owner is the owning address
	Contents []byte   // Contents is the opaque object payload
}

// Digest commits to the object at its version.
func (o *Object) Digest() Digest {
	e := NewEncoder(64 + len(o.Contents))
	e.Bytes32(o.ID)
	e.U64(o.Version)
	e.Bytes32(o.Owner)
	e.VarBytes(o.Contents)

	return Digest(crypto.Hash("object", e.Bytes()))
}

// Ref returns the object reference of the current version.
func (o *Object) Ref() ObjectRef {
	return ObjectRef{ID: o.ID, Version: o.Version, Digest: o.Digest()}
}

// TransactionData is the signed part of a transaction.
type TransactionData struct {
	Sender    [32]byte    // Sender is the address paying for and owning the inputs
	Inputs    []ObjectRef // Inputs are the owned objects the transaction locks
	GasBudget uint64      // GasBudget caps execution cost
	Payload   []byte      // Payload is the opaque command
}

// Transaction is transaction data plus the sender's signature.
type Transaction struct {
	Data          TransactionData // Data is covered by the digest
	UserSignature []byte          // UserSignature is excluded from the digest
}

// Digest commits to the transaction data only, so two submissions with
// different user signatures share a digest.
func (t *Transaction) Digest() Digest {
	e := NewEncoder(128)
	encodeTransactionData(e, &t.Data)

	return Digest(crypto.Hash("transaction", e.Bytes()))
}

// Scope implements Message.
func (t *Transaction) Scope() IntentScope {
	return ScopeTransactionData
}

// VerifyUserSignature checks that the sender, read as an ed25519 key,
// signed the transaction digest.
func (t *Transaction) VerifyUserSignature() error {
	d := t.Digest()
	if !ed25519.Verify(ed25519.PublicKey(t.Data.Sender[:]), d[:], t.UserSignature) {
		return NewError(CodeUserInput, "invalid user signature for %s", d.Short())
	}

	return nil
}

// ExecutionStatus is the outcome of executing a certificate.
type ExecutionStatus uint8

const (
	// StatusSuccess means the transaction applied.
	StatusSuccess ExecutionStatus = iota

	// StatusFailure means execution aborted; gas is still charged.
	StatusFailure
)

// TransactionEffects describes the result of executing a certificate.
type TransactionEffects struct {
	TransactionDigest Digest          // TransactionDigest is the executed transaction
	ExecutedEpoch     EpochID         // ExecutedEpoch is the epoch the effects were produced in
	Status            ExecutionStatus // Status is the execution outcome
	Mutated           []ObjectRef     // Mutated lists new versions of written objects
	EventsDigest      Digest          // EventsDigest commits to the emitted events
}

// Digest commits to the effects.
func (fx *TransactionEffects) Digest() Digest {
	e := NewEncoder(128)
	encodeEffects(e, fx)

	return Digest(crypto.Hash("effects", e.Bytes()))
}

// Scope implements Message.
func (fx *TransactionEffects) Scope() IntentScope {
	return ScopeTransactionEffects
}

// Event is one event emitted during execution.
type Event struct {
	Type    string // Type names the event
	Payload []byte // Payload is the opaque event body
}

// TransactionEvents are the events of one transaction.
type TransactionEvents struct {
	Events []Event // Events in emission order
}

// Digest commits to the events.
func (ev *TransactionEvents) Digest() Digest {
	e := NewEncoder(64)
	encodeEvents(e, ev)

	return Digest(crypto.Hash("events", e.Bytes()))
}

// NameSet is a set of authorities.
type NameSet map[AuthorityName]struct{}

// NewNameSet builds a set from names.
func NewNameSet(names ...AuthorityName) NameSet {
	s := make(NameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}

	return s
}

// Contains reports whether n is in the set. A nil set contains nothing.
func (s NameSet) Contains(n AuthorityName) bool {
	_, ok := s[n]
	return ok
}

// SortNames orders names by their bytes.
func SortNames(names []AuthorityName) {
	slices.SortFunc(names, func(a, b AuthorityName) int {
		return bytes.Compare(a[:], b[:])
	})
}
