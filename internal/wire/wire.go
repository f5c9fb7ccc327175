// Package wire frames requests and responses exchanged with authorities.
// A frame is a FlatBuffers table (schema/frame.fbs) whose payload is the
// canonical binary encoding of a domain message, zstd-compressed when large.
package wire

import (
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
)

const (
	// CompressThreshold is the payload size above which payloads are compressed.
	CompressThreshold = 1 << 10

	// maxPayloadSize bounds a decompressed payload (16 MB).
	maxPayloadSize = 16 << 20

	// minFrameSize is the smallest buffer holding a root offset and a vtable offset.
	minFrameSize = 8
)

// Kind identifies the request a frame belongs to.
type Kind uint8

const (
	KindTransaction Kind = iota + 1
	KindCertificate
	KindObjectInfo
	KindSystemState
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindTransaction:
		return "transaction"
	case KindCertificate:
		return "certificate"
	case KindObjectInfo:
		return "object_info"
	case KindSystemState:
		return "system_state"
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Status tells whether a response payload is a result or an authority error.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
)

// Compression is the payload encoding.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// Message is a decoded frame.
type Message struct {
	Kind       Kind   // Kind identifies the request
	Status     Status // Status is StatusError when Payload encodes an authority error
	ClientAddr string // ClientAddr is the end client address forwarded to the authority, may be empty
	Payload    []byte // Payload is the uncompressed message body
}

var (
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
	codecOnce sync.Once
)

// builderPool recycles frame builders.
var builderPool = sync.Pool{New: func() any { return flatbuffers.NewBuilder(1024) }}

// codecs returns the shared zstd encoder and decoder. Both are safe for
// concurrent EncodeAll and DecodeAll calls.
func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			codecErr = fmt.Errorf("create encoder:\n%w", codecErr)
			return
		}

		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayloadSize))
		if codecErr != nil {
			codecErr = fmt.Errorf("create decoder:\n%w", codecErr)
		}
	})

	return encoder, decoder, codecErr
}

// Encode builds the frame for m, compressing payloads over CompressThreshold.
func Encode(m *Message) ([]byte, error) {
	if len(m.Payload) > maxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d > %d", len(m.Payload), maxPayloadSize)
	}

	payload := m.Payload
	compression := CompressionNone

	if len(payload) > CompressThreshold {
		enc, _, err := codecs()
		if err != nil {
			return nil, err
		}

		payload = enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		compression = CompressionZstd
	}

	builder := builderPool.Get().(*flatbuffers.Builder)
	builder.Reset()
	defer builderPool.Put(builder)

	var addrOffset flatbuffers.UOffsetT
	if m.ClientAddr != "" {
		addrOffset = builder.CreateString(m.ClientAddr)
	}
	payloadOffset := builder.CreateByteVector(payload)

	FrameStart(builder)
	FrameAddKind(builder, byte(m.Kind))
	FrameAddStatus(builder, byte(m.Status))
	if m.ClientAddr != "" {
		FrameAddClientAddr(builder, addrOffset)
	}
	FrameAddPayload(builder, payloadOffset)
	FrameAddCompression(builder, byte(compression))
	FinishFrameBuffer(builder, FrameEnd(builder))

	out := builder.FinishedBytes()

	return append([]byte(nil), out...), nil
}

// Decode parses and decompresses a frame.
func Decode(buf []byte) (m *Message, err error) {
	if len(buf) < minFrameSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(buf))
	}

	// Generated accessors index the buffer directly and panic on bad offsets.
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("malformed frame: %v", r)
		}
	}()

	frame := GetRootAsFrame(buf, 0)

	m = &Message{
		Kind:       Kind(frame.Kind()),
		Status:     Status(frame.Status()),
		ClientAddr: string(frame.ClientAddr()),
	}

	payload := frame.PayloadBytes()

	switch Compression(frame.Compression()) {
	case CompressionNone:
		m.Payload = append([]byte(nil), payload...)

	case CompressionZstd:
		_, dec, err := codecs()
		if err != nil {
			return nil, err
		}

		m.Payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload:\n%w", err)
		}

	default:
		return nil, fmt.Errorf("unknown compression %d", frame.Compression())
	}

	return m, nil
}
