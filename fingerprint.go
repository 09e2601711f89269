package custody

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DigestSize is the size in bytes of a content fingerprint (SHA-256 output size).
const DigestSize = 32

// Digest is a content fingerprint: the SHA-256 hash of an evidence payload.
// Its lowercase hex form is the audit token compared across systems, so the
// algorithm is fixed and must stay byte-for-byte stable.
type Digest [DigestSize]byte

// Fingerprint computes the content fingerprint of payload.
// Pure and deterministic; identical input yields an identical digest across
// calls and process restarts.
func Fingerprint(payload []byte) Digest {
	return sha256.Sum256(payload)
}

// Hex renders the digest in its canonical wire form: lowercase hex.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses a hex-encoded digest back into its binary form.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != DigestSize*2 {
		return d, fmt.Errorf("digest must be %d hex chars, got %d", DigestSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest not hex: %w", err)
	}
	copy(d[:], b)
	return d, nil
}
