package types

import (
	"encoding/binary"
	"fmt"
	"time"
)

// maxVarLen bounds any length prefix read from the wire (16 MB).
const maxVarLen = 16 << 20

// Encoder appends the canonical big-endian encoding of domain values.
// The same encoding is hashed for digests, so field order is part of the format.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with capacity hint size.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, 0, size)}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// U8 appends one byte.
func (e *Encoder) U8(v uint8) {
	e.buf = append(e.buf, v)
}

// U16 appends a big-endian uint16.
func (e *Encoder) U16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

// U32 appends a big-endian uint32.
func (e *Encoder) U32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// U64 appends a big-endian uint64.
func (e *Encoder) U64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

// Bool appends 1 or 0.
func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
	} else {
		e.U8(0)
	}
}

// Raw appends b without a length prefix.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Bytes32 appends a fixed 32-byte value.
func (e *Encoder) Bytes32(b [32]byte) {
	e.buf = append(e.buf, b[:]...)
}

// VarBytes appends a u32 length prefix followed by b.
func (e *Encoder) VarBytes(b []byte) {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Str appends a length-prefixed string.
func (e *Encoder) Str(s string) {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Name appends an authority name.
func (e *Encoder) Name(n AuthorityName) {
	e.buf = append(e.buf, n[:]...)
}

// ObjectRef appends an object reference.
func (e *Encoder) ObjectRef(r ObjectRef) {
	e.Bytes32(r.ID)
	e.U64(r.Version)
	e.Bytes32(r.Digest)
}

// Object appends an object.
func (e *Encoder) Object(o *Object) {
	e.Bytes32(o.ID)
	e.U64(o.Version)
	e.Bytes32(o.Owner)
	e.VarBytes(o.Contents)
}

// Objects appends a list of objects.
func (e *Encoder) Objects(objs []Object) {
	e.U32(uint32(len(objs)))
	for i := range objs {
		e.Object(&objs[i])
	}
}

// Transaction appends a transaction including its user signature.
func (e *Encoder) Transaction(t *Transaction) {
	encodeTransactionData(e, &t.Data)
	e.VarBytes(t.UserSignature)
}

// Effects appends transaction effects.
func (e *Encoder) Effects(fx *TransactionEffects) {
	encodeEffects(e, fx)
}

// Events appends transaction events.
func (e *Encoder) Events(ev *TransactionEvents) {
	encodeEvents(e, ev)
}

// SignInfo appends an authority signature share.
func (e *Encoder) SignInfo(s *AuthoritySignInfo) {
	e.U64(uint64(s.Epoch))
	e.Name(s.Authority)
	e.VarBytes(s.Signature)
}

// QuorumSignInfo appends a quorum signature.
func (e *Encoder) QuorumSignInfo(q *AuthorityQuorumSignInfo) {
	e.U64(uint64(q.Epoch))
	e.VarBytes(q.Signature)
	e.VarBytes(q.Signers)
}

// SignedTransaction appends a signed transaction.
func (e *Encoder) SignedTransaction(s *SignedTransaction) {
	e.Transaction(s.Data)
	e.SignInfo(&s.Auth)
}

// CertifiedTransaction appends a transaction certificate.
func (e *Encoder) CertifiedTransaction(c *CertifiedTransaction) {
	e.Transaction(c.Data)
	e.QuorumSignInfo(&c.Auth)
}

// SignedEffects appends signed effects.
func (e *Encoder) SignedEffects(s *SignedEffects) {
	e.Effects(s.Data)
	e.SignInfo(&s.Auth)
}

// CertifiedEffects appends certified effects.
func (e *Encoder) CertifiedEffects(c *CertifiedEffects) {
	e.Effects(c.Data)
	e.QuorumSignInfo(&c.Auth)
}

// AuthorityError appends an authority error.
func (e *Encoder) AuthorityError(ae *AuthorityError) {
	e.U16(uint16(ae.Code))
	e.Str(ae.Message)
	e.ObjectRef(ae.ObjectRef)
	e.Bytes32(ae.PendingTransaction)
	e.U64(uint64(ae.RetryAfter))
	e.U64(uint64(ae.ExpectedEpoch))
	e.U64(uint64(ae.ActualEpoch))
	e.Str(ae.Status)
}

func encodeTransactionData(e *Encoder, d *TransactionData) {
	e.Bytes32(d.Sender)
	e.U32(uint32(len(d.Inputs)))
	for _, r := range d.Inputs {
		e.ObjectRef(r)
	}
	e.U64(d.GasBudget)
	e.VarBytes(d.Payload)
}

func encodeEffects(e *Encoder, fx *TransactionEffects) {
	e.Bytes32(fx.TransactionDigest)
	e.U64(uint64(fx.ExecutedEpoch))
	e.U8(uint8(fx.Status))
	e.U32(uint32(len(fx.Mutated)))
	for _, r := range fx.Mutated {
		e.ObjectRef(r)
	}
	e.Bytes32(fx.EventsDigest)
}

func encodeEvents(e *Encoder, ev *TransactionEvents) {
	e.U32(uint32(len(ev.Events)))
	for _, x := range ev.Events {
		e.Str(x.Type)
		e.VarBytes(x.Payload)
	}
}

// Decoder reads values written by Encoder. The first error sticks and every
// later read returns zero values.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder creates a decoder over b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Err returns the first decoding error.
func (d *Decoder) Err() error {
	return d.err
}

// Finish returns the first error, or an error if bytes remain unread.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}

	if d.off != len(d.buf) {
		return fmt.Errorf("%d trailing bytes", len(d.buf)-d.off)
	}

	return nil
}

// take returns the next n bytes.
func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}

	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Errorf("truncated: need %d bytes at offset %d, have %d", n, d.off, len(d.buf)-d.off)
		return nil
	}

	b := d.buf[d.off : d.off+n]
	d.off += n

	return b
}

// U8 reads one byte.
func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

// U16 reads a big-endian uint16.
func (d *Decoder) U16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint16(b)
}

// U32 reads a big-endian uint32.
func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint32(b)
}

// U64 reads a big-endian uint64.
func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint64(b)
}

// Bool reads a byte written by Encoder.Bool.
func (d *Decoder) Bool() bool {
	return d.U8() != 0
}

// Bytes32 reads a fixed 32-byte value.
func (d *Decoder) Bytes32() [32]byte {
	var out [32]byte
	copy(out[:], d.take(32))

	return out
}

// length reads a u32 length prefix and bounds it.
func (d *Decoder) length() int {
	n := d.U32()
	if n > maxVarLen && d.err == nil {
		d.err = fmt.Errorf("length %d exceeds limit %d", n, maxVarLen)
		return 0
	}

	return int(n)
}

// VarBytes reads a length-prefixed byte string. Empty strings decode as nil.
func (d *Decoder) VarBytes() []byte {
	n := d.length()
	b := d.take(n)
	if len(b) == 0 {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

// Str reads a length-prefixed string.
func (d *Decoder) Str() string {
	return string(d.take(d.length()))
}

// Name reads an authority name.
func (d *Decoder) Name() AuthorityName {
	var n AuthorityName
	copy(n[:], d.take(len(n)))

	return n
}

// ObjectRef reads an object reference.
func (d *Decoder) ObjectRef() ObjectRef {
	return ObjectRef{ID: d.Bytes32(), Version: d.U64(), Digest: d.Bytes32()}
}

// Object reads an object.
func (d *Decoder) Object() Object {
	return Object{ID: d.Bytes32(), Version: d.U64(), Owner: d.Bytes32(), Contents: d.VarBytes()}
}

// Objects reads a list of objects.
func (d *Decoder) Objects() []Object {
	n := d.Count(72)
	objs := make([]Object, 0, n)

	for i := 0; i < n && d.err == nil; i++ {
		objs = append(objs, d.Object())
	}

	return objs
}

// Count reads a list length, rejecting counts the remaining bytes cannot hold.
func (d *Decoder) Count(minItemSize int) int {
	n := int(d.U32())
	if d.err == nil && n*minItemSize > len(d.buf)-d.off {
		d.err = fmt.Errorf("list of %d items cannot fit in %d bytes", n, len(d.buf)-d.off)
		return 0
	}

	return n
}

// Transaction reads a transaction.
func (d *Decoder) Transaction() *Transaction {
	t := &Transaction{}
	t.Data.Sender = d.Bytes32()

	n := d.Count(72)
	for i := 0; i < n && d.err == nil; i++ {
		t.Data.Inputs = append(t.Data.Inputs, d.ObjectRef())
	}

	t.Data.GasBudget = d.U64()
	t.Data.Payload = d.VarBytes()
	t.UserSignature = d.VarBytes()

	return t
}

// Effects reads transaction effects.
func (d *Decoder) Effects() *TransactionEffects {
	fx := &TransactionEffects{
		TransactionDigest: d.Bytes32(),
		ExecutedEpoch:     EpochID(d.U64()),
		Status:            ExecutionStatus(d.U8()),
	}

	n := d.Count(72)
	for i := 0; i < n && d.err == nil; i++ {
		fx.Mutated = append(fx.Mutated, d.ObjectRef())
	}

	fx.EventsDigest = d.Bytes32()

	return fx
}

// Events reads transaction events.
func (d *Decoder) Events() *TransactionEvents {
	ev := &TransactionEvents{}

	n := d.Count(8)
	for i := 0; i < n && d.err == nil; i++ {
		ev.Events = append(ev.Events, Event{Type: d.Str(), Payload: d.VarBytes()})
	}

	return ev
}

// SignInfo reads an authority signature share.
func (d *Decoder) SignInfo() AuthoritySignInfo {
	return AuthoritySignInfo{Epoch: EpochID(d.U64()), Authority: d.Name(), Signature: d.VarBytes()}
}

// QuorumSignInfo reads a quorum signature.
func (d *Decoder) QuorumSignInfo() AuthorityQuorumSignInfo {
	return AuthorityQuorumSignInfo{Epoch: EpochID(d.U64()), Signature: d.VarBytes(), Signers: d.VarBytes()}
}

// SignedTransaction reads a signed transaction.
func (d *Decoder) SignedTransaction() *SignedTransaction {
	return &SignedTransaction{Data: d.Transaction(), Auth: d.SignInfo()}
}

// CertifiedTransaction reads a transaction certificate.
func (d *Decoder) CertifiedTransaction() *CertifiedTransaction {
	return &CertifiedTransaction{Data: d.Transaction(), Auth: d.QuorumSignInfo()}
}

// SignedEffects reads signed effects.
func (d *Decoder) SignedEffects() *SignedEffects {
	return &SignedEffects{Data: d.Effects(), Auth: d.SignInfo()}
}

// CertifiedEffects reads certified effects.
func (d *Decoder) CertifiedEffects() *CertifiedEffects {
	return &CertifiedEffects{Data: d.Effects(), Auth: d.QuorumSignInfo()}
}

// AuthorityError reads an authority error.
func (d *Decoder) AuthorityError() *AuthorityError {
	return &AuthorityError{
		Code:               ErrorCode(d.U16()),
		Message:            d.Str(),
		ObjectRef:          d.ObjectRef(),
		PendingTransaction: d.Bytes32(),
		RetryAfter:         time.Duration(d.U64()),
		ExpectedEpoch:      EpochID(d.U64()),
		ActualEpoch:        EpochID(d.U64()),
		Status:             d.Str(),
	}
}
