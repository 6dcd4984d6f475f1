// Package vault seals persisted payloads at rest.
//
// The journal and snapshot files record where a user has been; on a shared
// machine that is sensitive data. When a passphrase is configured, every
// persisted payload is sealed with AES-256-GCM before it reaches disk. The
// key is derived from the passphrase with PBKDF2-SHA256 so the real key is
// never stored anywhere.
//
// Framing: magic | nonce (12 bytes) | ciphertext. Payloads that do not
// start with the magic are treated as legacy plaintext and returned
// unchanged, so stores written before sealing was enabled stay readable.
//
// Example Usage:
//
//	salt := vault.NewSalt()
//	v, err := vault.New("correct horse battery staple", salt)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	sealed, _ := v.Seal([]byte(`{"op":"append_traversal"}`))
//	plain, _ := v.Open(sealed)
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Magic prefix identifying a sealed payload. Versioned so the framing can
// evolve without breaking old stores.
var magic = []byte("TSEV0001")

const (
	nonceLen = 12
	keyLen   = 32

	// PBKDF2 iteration count. ~100ms of derivation on commodity hardware:
	// unnoticeable at open time, prohibitive for bulk passphrase guessing.
	kdfIterations = 600_000
)

// Common errors.
var (
	ErrPayloadTooShort = errors.New("vault: sealed payload too short")
	ErrBadSalt         = errors.New("vault: salt must be 16 bytes")
)

// Vault seals and opens payloads with a derived AES-256-GCM key.
// A nil *Vault is valid and passes payloads through unchanged.
type Vault struct {
	aead cipher.AEAD
}

// NewSalt returns a fresh random 16-byte salt. The salt is not secret; the
// caller persists it next to the store so the same passphrase derives the
// same key on reopen.
func NewSalt() []byte {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		panic(fmt.Sprintf("vault: crypto/rand unavailable: %v", err))
	}
	return salt
}

// New derives a key from the passphrase and salt and returns a ready Vault.
func New(passphrase string, salt []byte) (*Vault, error) {
	if len(salt) != 16 {
		return nil, ErrBadSalt
	}
	key := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, keyLen, sha256.New)
	return NewWithKey(key)
}

// NewWithKey builds a Vault from a raw 32-byte key.
func NewWithKey(key []byte) (*Vault, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: GCM init failed: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts the payload. On a nil Vault the payload is returned as-is.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	if v == nil {
		return plaintext, nil
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce generation failed: %w", err)
	}
	out := make([]byte, 0, len(magic)+nonceLen+len(plaintext)+v.aead.Overhead())
	out = append(out, magic...)
	out = append(out, nonce...)
	return v.aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a sealed payload. Payloads without the magic prefix are
// legacy plaintext and are returned unchanged, on nil Vaults too.
func (v *Vault) Open(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, magic) {
		return data, nil
	}
	if v == nil {
		return nil, errors.New("vault: payload is sealed but no passphrase is configured")
	}
	if len(data) < len(magic)+nonceLen {
		return nil, ErrPayloadTooShort
	}
	nonce := data[len(magic) : len(magic)+nonceLen]
	ciphertext := data[len(magic)+nonceLen:]
	plain, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open failed: %w", err)
	}
	return plain, nil
}

// Sealed reports whether the payload carries the sealed framing.
func Sealed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}
