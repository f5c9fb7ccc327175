package crypto

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes.
const DigestSize = 32

// Hash returns BLAKE3(domain || parts...).
func Hash(domain string, parts ...[]byte) [DigestSize]byte {
	h := blake3.New()
	h.Write([]byte(domain))

	for _, p := range parts {
		h.Write(p)
	}

	var out [DigestSize]byte
	h.Sum(out[:0])

	return out
}

// ShortHex returns the first n bytes of b in hex, used for log-friendly names.
func ShortHex(b []byte, n int) string {
	if n > len(b) {
		n = len(b)
	}

	return hex.EncodeToString(b[:n])
}
