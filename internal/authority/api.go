// Package authority defines how a driver talks to one authority: the
// request and response types, the client interface, and its concrete
// implementations (in-process authority, safe verifying wrapper, QUIC
// network client and server, fault injecting test double).
package authority

import (
	"context"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/types"
)

// Client is the capability the aggregator needs from one authority.
// clientAddr is the end client address, forwarded for authority-side
// rate limiting; it may be empty.
type Client interface {
	HandleTransaction(ctx context.Context, tx *types.Transaction, clientAddr string) (*TransactionResponse, error)
	HandleCertificate(ctx context.Context, req *CertificateRequest, clientAddr string) (*CertificateResponse, error)
	HandleObjectInfo(ctx context.Context, req *ObjectInfoRequest) (*ObjectInfoResponse, error)
	HandleSystemState(ctx context.Context) (*SystemState, error)
}

// TransactionStatus tells which fields of a TransactionResponse are set.
type TransactionStatus uint8

const (
	// StatusSigned means the authority signed the transaction.
	StatusSigned TransactionStatus = iota + 1

	// StatusExecutedWithCert means the authority already executed a certificate of this epoch or later.
	StatusExecutedWithCert

	// StatusExecutedWithoutCert means the authority only holds signed effects from an earlier epoch.
	StatusExecutedWithoutCert
)

// String returns the status name for logs.
func (s TransactionStatus) String() string {
	switch s {
	case StatusSigned:
		return "signed"
	case StatusExecutedWithCert:
		return "executed_with_cert"
	case StatusExecutedWithoutCert:
		return "executed_without_cert"
	}

	return "unknown"
}

// TransactionResponse is the answer to HandleTransaction.
type TransactionResponse struct {
	Status      TransactionStatus           // Status selects the populated fields
	Signed      *types.SignedTransaction    // Signed is set for StatusSigned
	Certificate *types.CertifiedTransaction // Certificate is set for StatusExecutedWithCert
	Effects     *types.SignedEffects        // Effects is set for both executed statuses
	Events      *types.TransactionEvents    // Events accompanies Effects when available
}

// CertificateRequest asks an authority to execute a certificate. The
// Include flags request extended data along with the effects.
type CertificateRequest struct {
	Certificate          *types.CertifiedTransaction // Certificate to execute
	IncludeEvents        bool                        // IncludeEvents requests the emitted events
	IncludeInputObjects  bool                        // IncludeInputObjects requests the consumed objects
	IncludeOutputObjects bool                        // IncludeOutputObjects requests the written objects
	IncludeAuxiliaryData bool                        // IncludeAuxiliaryData requests opaque execution metadata
}

// WantsBulkData reports whether objects or auxiliary data were requested.
// Only a sample of the committee is asked for them.
func (r *CertificateRequest) WantsBulkData() bool {
	return r.IncludeInputObjects || r.IncludeOutputObjects || r.IncludeAuxiliaryData
}

// Stripped returns a copy that keeps the events request and drops the
// bulk data requests.
func (r *CertificateRequest) Stripped() *CertificateRequest {
	return &CertificateRequest{Certificate: r.Certificate, IncludeEvents: r.IncludeEvents}
}

// CertificateResponse is the answer to HandleCertificate.
type CertificateResponse struct {
	Effects       *types.SignedEffects     // Effects are signed by the answering authority
	Events        *types.TransactionEvents // Events is set when requested
	InputObjects  []types.Object           // InputObjects is set when requested
	OutputObjects []types.Object           // OutputObjects is set when requested
	AuxiliaryData []byte                   // AuxiliaryData is set when requested
}

// ObjectInfoRequest asks for the latest version of an object.
type ObjectInfoRequest struct {
	ID types.ObjectID // ID is the requested object
}

// ObjectInfoResponse is the answer to HandleObjectInfo.
type ObjectInfoResponse struct {
	Object   types.Object  // Object is the latest version known to the authority
	LockedBy *types.Digest // LockedBy is the transaction holding the object's lock, if any
}

// SystemState is the answer to HandleSystemState.
type SystemState struct {
	Epoch     types.EpochID        // Epoch is the authority's current epoch
	Committee *committee.Committee // Committee is the committee of Epoch
}
