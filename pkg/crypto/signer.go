// Package crypto provides Ed25519 signing and canonical content hashing
// for every signed record in the control plane (audit entries, logic
// update packages, memory fetch sessions).
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// Signature components separators and prefixes
const (
	SigSeparator     = ":"
	SigPrefixEd25519 = "ed25519"
)

// ErrSignatureInvalid is returned when a signature does not verify.
// It is a typed value, never an exception-for-control.
var ErrSignatureInvalid = errors.New("signature invalid")

// Signer interface for cryptographic signatures.
type Signer interface {
	Sign(data []byte) (string, error)
	SignCanonical(v any) (string, error)
	Verify(data []byte, sigHex string) error
	PublicKey() string
	PublicKeyBytes() []byte
	KeyID() string
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
	hasher  Hasher
}

// NewEd25519Signer generates a fresh keypair identified by keyID.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		keyID:   keyID,
		hasher:  NewCanonicalHasher(),
	}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
		hasher:  NewCanonicalHasher(),
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

// SignCanonical signs the canonical (RFC 8785) encoding of v.
func (s *Ed25519Signer) SignCanonical(v any) (string, error) {
	data, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	return s.Sign(data)
}

// Verify checks sigHex against data under this signer's public key.
func (s *Ed25519Signer) Verify(data []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: malformed signature hex", ErrSignatureInvalid)
	}
	if !ed25519.Verify(s.pubKey, data, sig) {
		return ErrSignatureInvalid
	}
	return nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

func (s *Ed25519Signer) KeyID() string {
	return s.keyID
}

// Seed exposes the private seed so callers can persist the keypair.
func (s *Ed25519Signer) Seed() []byte {
	return s.privKey.Seed()
}

// VerifyWithKey verifies a signature against an arbitrary hex public key.
func VerifyWithKey(pubKeyHex, sigHex string, data []byte) error {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return fmt.Errorf("%w: invalid public key hex", ErrSignatureInvalid)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid public key size", ErrSignatureInvalid)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: invalid signature hex", ErrSignatureInvalid)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKey), data, sig) {
		return ErrSignatureInvalid
	}
	return nil
}
