package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix identifies the digest algorithm in stored hashes.
const HashPrefix = "sha256:"

// Hasher produces stable content hashes over arbitrary values.
type Hasher interface {
	Hash(v any) (string, error)
	HashBytes(data []byte) string
}

// CanonicalMarshal serializes v to canonical JSON (RFC 8785 / JCS):
// sorted keys, no insignificant whitespace, normalized numbers.
func CanonicalMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform failed: %w", err)
	}
	return out, nil
}

// canonicalHasher hashes the canonical encoding with SHA-256.
type canonicalHasher struct{}

// NewCanonicalHasher creates the default Hasher.
func NewCanonicalHasher() Hasher {
	return canonicalHasher{}
}

func (canonicalHasher) Hash(v any) (string, error) {
	data, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(h[:]), nil
}

func (canonicalHasher) HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(h[:])
}
