package authority

import (
	"fmt"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/types"
)

// Payload encodings of the requests and responses carried in wire frames.
// Optional fields are preceded by a presence byte.

func encodeTransactionRequest(tx *types.Transaction) []byte {
	e := types.NewEncoder(256)
	e.Transaction(tx)

	return e.Bytes()
}

func decodeTransactionRequest(raw []byte) (*types.Transaction, error) {
	d := types.NewDecoder(raw)
	tx := d.Transaction()

	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode transaction:\n%w", err)
	}

	return tx, nil
}

func encodeTransactionResponse(r *TransactionResponse) []byte {
	e := types.NewEncoder(512)
	e.U8(uint8(r.Status))

	e.Bool(r.Signed != nil)
	if r.Signed != nil {
		e.SignedTransaction(r.Signed)
	}

	e.Bool(r.Certificate != nil)
	if r.Certificate != nil {
		e.CertifiedTransaction(r.Certificate)
	}

	e.Bool(r.Effects != nil)
	if r.Effects != nil {
		e.SignedEffects(r.Effects)
	}

	e.Bool(r.Events != nil)
	if r.Events != nil {
		e.Events(r.Events)
	}

	return e.Bytes()
}

func decodeTransactionResponse(raw []byte) (*TransactionResponse, error) {
	d := types.NewDecoder(raw)
	r := &TransactionResponse{Status: TransactionStatus(d.U8())}

	if d.Bool() {
		r.Signed = d.SignedTransaction()
	}
	if d.Bool() {
		r.Certificate = d.CertifiedTransaction()
	}
	if d.Bool() {
		r.Effects = d.SignedEffects()
	}
	if d.Bool() {
		r.Events = d.Events()
	}

	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode transaction response:\n%w", err)
	}

	return r, nil
}

func encodeCertificateRequest(r *CertificateRequest) []byte {
	e := types.NewEncoder(512)
	e.CertifiedTransaction(r.Certificate)
	e.Bool(r.IncludeEvents)
	e.Bool(r.IncludeInputObjects)
	e.Bool(r.IncludeOutputObjects)
	e.Bool(r.IncludeAuxiliaryData)

	return e.Bytes()
}

func decodeCertificateRequest(raw []byte) (*CertificateRequest, error) {
	d := types.NewDecoder(raw)
	r := &CertificateRequest{
		Certificate:          d.CertifiedTransaction(),
		IncludeEvents:        d.Bool(),
		IncludeInputObjects:  d.Bool(),
		IncludeOutputObjects: d.Bool(),
		IncludeAuxiliaryData: d.Bool(),
	}

	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode certificate request:\n%w", err)
	}

	return r, nil
}

func encodeCertificateResponse(r *CertificateResponse) []byte {
	e := types.NewEncoder(512)
	e.SignedEffects(r.Effects)

	e.Bool(r.Events != nil)
	if r.Events != nil {
		e.Events(r.Events)
	}

	e.Bool(r.InputObjects != nil)
	if r.InputObjects != nil {
		e.Objects(r.InputObjects)
	}

	e.Bool(r.OutputObjects != nil)
	if r.OutputObjects != nil {
		e.Objects(r.OutputObjects)
	}

	e.VarBytes(r.AuxiliaryData)

	return e.Bytes()
}

func decodeCertificateResponse(raw []byte) (*CertificateResponse, error) {
	d := types.NewDecoder(raw)
	r := &CertificateResponse{Effects: d.SignedEffects()}

	if d.Bool() {
		r.Events = d.Events()
	}
	if d.Bool() {
		r.InputObjects = d.Objects()
	}
	if d.Bool() {
		r.OutputObjects = d.Objects()
	}
	r.AuxiliaryData = d.VarBytes()

	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode certificate response:\n%w", err)
	}

	return r, nil
}

func encodeObjectInfoRequest(r *ObjectInfoRequest) []byte {
	e := types.NewEncoder(32)
	e.Bytes32(r.ID)

	return e.Bytes()
}

func decodeObjectInfoRequest(raw []byte) (*ObjectInfoRequest, error) {
	d := types.NewDecoder(raw)
	r := &ObjectInfoRequest{ID: d.Bytes32()}

	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode object info request:\n%w", err)
	}

	return r, nil
}

func encodeObjectInfoResponse(r *ObjectInfoResponse) []byte {
	e := types.NewEncoder(128)
	e.Object(&r.Object)

	e.Bool(r.LockedBy != nil)
	if r.LockedBy != nil {
		e.Bytes32(*r.LockedBy)
	}

	return e.Bytes()
}

func decodeObjectInfoResponse(raw []byte) (*ObjectInfoResponse, error) {
	d := types.NewDecoder(raw)
	r := &ObjectInfoResponse{Object: d.Object()}

	if d.Bool() {
		lock := types.Digest(d.Bytes32())
		r.LockedBy = &lock
	}

	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode object info response:\n%w", err)
	}

	return r, nil
}

func encodeSystemState(s *SystemState) []byte {
	e := types.NewEncoder(512)
	e.U64(uint64(s.Epoch))
	e.VarBytes(committee.Encode(s.Committee))

	return e.Bytes()
}

func decodeSystemState(raw []byte) (*SystemState, error) {
	d := types.NewDecoder(raw)
	epoch := types.EpochID(d.U64())
	members := d.VarBytes()

	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode system state:\n%w", err)
	}

	c, err := committee.Decode(members)
	if err != nil {
		return nil, fmt.Errorf("decode system state committee:\n%w", err)
	}

	return &SystemState{Epoch: epoch, Committee: c}, nil
}

func encodeAuthorityError(ae *types.AuthorityError) []byte {
	e := types.NewEncoder(128)
	e.AuthorityError(ae)

	return e.Bytes()
}

func decodeAuthorityError(raw []byte) (*types.AuthorityError, error) {
	d := types.NewDecoder(raw)
	ae := d.AuthorityError()

	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decode authority error:\n%w", err)
	}

	return ae, nil
}
