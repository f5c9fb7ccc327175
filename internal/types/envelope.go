package types

import (
	"QuorumDriver/internal/crypto"
)

// IntentScope separates the signing domains of different message kinds.
type IntentScope uint8

const (
	// ScopeTransactionData is used when authorities sign a transaction.
	ScopeTransactionData IntentScope = iota

	// ScopeTransactionEffects is used when authorities sign effects.
	ScopeTransactionEffects
)

// Message is anything authorities sign: it has a digest and an intent scope.
type Message interface {
	Digest() Digest
	Scope() IntentScope
}

// SigningMessage is the byte string an authority signs for msg in epoch.
// Layout: [1B scope] [8B epoch] [32B digest].
func SigningMessage(msg Message, epoch EpochID) []byte {
	e := NewEncoder(41)
	e.U8(uint8(msg.Scope()))
	e.U64(uint64(epoch))

	d := msg.Digest()
	e.Raw(d[:])

	return e.Bytes()
}

// AuthoritySignInfo is one authority's signature share.
type AuthoritySignInfo struct {
	Epoch     EpochID       // Epoch is the committee epoch the share was made in
	Authority AuthorityName // Authority is the signer
	Signature []byte        // Signature is the BLS share
}

// Sign produces an authority signature share over msg.
func Sign(key *crypto.KeyPair, msg Message, epoch EpochID) AuthoritySignInfo {
	return AuthoritySignInfo{
		Epoch:     epoch,
		Authority: AuthorityName(key.PublicKey()),
		Signature: key.Sign(SigningMessage(msg, epoch)),
	}
}

// Verify checks the share against the signer's public key.
func (s *AuthoritySignInfo) Verify(msg Message) bool {
	return crypto.Verify(s.Signature, SigningMessage(msg, s.Epoch), s.Authority[:])
}

// AuthorityQuorumSignInfo is an aggregated signature from a stake quorum.
type AuthorityQuorumSignInfo struct {
	Epoch     EpochID // Epoch is the committee epoch of the signers
	Signature []byte  // Signature is the aggregated BLS signature
	Signers   []byte  // Signers is a bitmap over committee indices
}

// Signed is data carrying one authority's signature.
type Signed[T Message] struct {
	Data T                 // Data is the signed message
	Auth AuthoritySignInfo // Auth is the signature share
}

// Digest returns the digest of the signed data.
func (s *Signed[T]) Digest() Digest {
	return s.Data.Digest()
}

// Certified is data carrying a quorum signature.
type Certified[T Message] struct {
	Data T                       // Data is the certified message
	Auth AuthorityQuorumSignInfo // Auth is the quorum signature
}

// Digest returns the digest of the certified data.
func (c *Certified[T]) Digest() Digest {
	return c.Data.Digest()
}

// Epoch returns the epoch of the quorum signature.
func (c *Certified[T]) Epoch() EpochID {
	return c.Auth.Epoch
}

type (
	// SignedTransaction is a transaction signed by one authority.
	SignedTransaction = Signed[*Transaction]

	// CertifiedTransaction is a transaction certificate.
	CertifiedTransaction = Certified[*Transaction]

	// SignedEffects are effects signed by one authority.
	SignedEffects = Signed[*TransactionEffects]

	// CertifiedEffects are effects certified by a quorum.
	CertifiedEffects = Certified[*TransactionEffects]
)
