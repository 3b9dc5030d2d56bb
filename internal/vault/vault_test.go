// internal/vault/vault_test.go
package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_RoundTrip(t *testing.T) {
	priv, pub, err := GenerateIdentity()
	require.NoError(t, err)
	assert.Contains(t, priv, "AGE-SECRET-KEY-1")
	assert.Contains(t, pub, "age1")

	v, err := New(priv)
	require.NoError(t, err)

	ciphertext, err := v.Encrypt("ghp_supersecrettoken")
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "supersecret")

	plaintext, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "ghp_supersecrettoken", plaintext)
}

func TestVault_WrongKeyFails(t *testing.T) {
	priv1, _, err := GenerateIdentity()
	require.NoError(t, err)
	priv2, _, err := GenerateIdentity()
	require.NoError(t, err)

	v1, err := New(priv1)
	require.NoError(t, err)
	v2, err := New(priv2)
	require.NoError(t, err)

	ciphertext, err := v1.Encrypt("token")
	require.NoError(t, err)

	_, err = v2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestVault_InvalidKey(t *testing.T) {
	_, err := New("not-a-key")
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "****oken", Redact("ghp_token"))
	assert.Equal(t, "****", Redact("abc"))
	assert.Equal(t, "****", Redact(""))
}
