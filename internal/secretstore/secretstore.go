// Package secretstore implements the AEAD layer the key vault (C1) uses
// to seal trading-wallet private keys at rest: nacl/secretbox over a
// process-wide key loaded from WALLET_ENCRYPTION_KEY.
package secretstore

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

var ErrDecryptFailed = errors.New("secretstore: decryption failed, ciphertext or key mismatch")

// Box seals and opens secrets with a single process-wide symmetric key.
type Box struct {
	key [keySize]byte
}

// New constructs a Box from raw key bytes (WALLET_ENCRYPTION_KEY,
// base64/hex-decoded by the config loader before reaching here).
func New(rawKey []byte) (*Box, error) {
	if len(rawKey) != keySize {
		return nil, fmt.Errorf("secretstore: key must be %d bytes, got %d", keySize, len(rawKey))
	}
	var b Box
	copy(b.key[:], rawKey)
	return &b, nil
}

// Seal encrypts plaintext, prepending a fresh random nonce to the
// returned blob.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("secretstore: nonce generation: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts a blob produced by Seal.
func (b *Box) Open(blob []byte) ([]byte, error) {
	if len(blob) < 24 {
		return nil, ErrDecryptFailed
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	out, ok := secretbox.Open(nil, blob[24:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return out, nil
}

// Zero overwrites b's key bytes, used when a process is done needing the
// box (matches §9's "keypairs should be zeroed on drop" for the box
// itself as well as for decrypted keys).
func (b *Box) Zero() {
	for i := range b.key {
		b.key[i] = 0
	}
}
