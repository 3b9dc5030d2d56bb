// internal/vault/vault.go

// Package vault encrypts and decrypts provider tokens and webhook secrets
// with an age X25519 keypair. Ciphertext is base64-encoded for storage in
// Postgres text columns; plaintext only exists transiently inside calls and
// is never logged.
package vault

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Vault wraps one age identity. The recipient is derived from the identity,
// so a single configured private key covers both directions.
type Vault struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New parses an AGE-SECRET-KEY-1... identity string.
func New(privateKey string) (*Vault, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(privateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing vault private key: %w", err)
	}
	return &Vault{identity: identity, recipient: identity.Recipient()}, nil
}

// GenerateIdentity creates a fresh keypair. Used by operators to bootstrap
// VAULT_PRIVATE_KEY; the public half is safe to log.
func GenerateIdentity() (privateKey, publicKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating vault keypair: %w", err)
	}
	return identity.String(), identity.Recipient().String(), nil
}

// Encrypt seals a plaintext token and returns base64 ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, v.recipient)
	if err != nil {
		return "", fmt.Errorf("creating encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt opens base64 ciphertext produced by Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), v.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading plaintext: %w", err)
	}
	return string(plaintext), nil
}

// Redact returns a log-safe form of a secret: all but the last four
// characters replaced.
func Redact(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
