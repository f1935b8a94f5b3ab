package crypto_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grace-platform/grace/pkg/crypto"
)

func TestEd25519Signer_SignAndVerify(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("node-key-1")
	require.NoError(t, err)

	payload := []byte(`{"update_id":"u1"}`)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	require.NoError(t, signer.Verify(payload, sig))
	assert.ErrorIs(t, signer.Verify([]byte("tampered"), sig), crypto.ErrSignatureInvalid)
}

func TestVerifyWithKey_RejectsMalformedInputs(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("k")
	require.NoError(t, err)

	sig, err := signer.Sign([]byte("data"))
	require.NoError(t, err)

	require.NoError(t, crypto.VerifyWithKey(signer.PublicKey(), sig, []byte("data")))
	assert.ErrorIs(t, crypto.VerifyWithKey("zz", sig, []byte("data")), crypto.ErrSignatureInvalid)
	assert.ErrorIs(t, crypto.VerifyWithKey(signer.PublicKey(), "zz", []byte("data")), crypto.ErrSignatureInvalid)
	assert.ErrorIs(t, crypto.VerifyWithKey(signer.PublicKey(), sig, []byte("other")), crypto.ErrSignatureInvalid)
}

func TestSignCanonical_IsOrderIndependent(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("k")
	require.NoError(t, err)

	a := map[string]any{"b": 2, "a": 1}
	b := map[string]any{"a": 1, "b": 2}

	sigA, err := signer.SignCanonical(a)
	require.NoError(t, err)
	sigB, err := signer.SignCanonical(b)
	require.NoError(t, err)
	assert.Equal(t, sigA, sigB)
}

func TestCanonicalHasher_StableAcrossKeyOrder(t *testing.T) {
	h := crypto.NewCanonicalHasher()

	h1, err := h.Hash(map[string]any{"x": 1, "y": "z"})
	require.NoError(t, err)
	h2, err := h.Hash(map[string]any{"y": "z", "x": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, strings.HasPrefix(h1, crypto.HashPrefix))
}
