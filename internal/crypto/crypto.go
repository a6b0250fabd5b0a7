// Package crypto seals credential blobs at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var ErrKeyRequired = errors.New("crypto: encryption key not configured")

// Sealer encrypts and decrypts session artifacts. A nil Sealer (no key
// configured) passes data through unchanged; Validate rejects that in
// production.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a sealer from the configured key. Accepts a 64-char hex
// string or raw bytes; anything else is hashed down to 32 bytes so operators
// can use passphrases in development.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, ErrKeyRequired
	}

	var material []byte
	if decoded, err := hex.DecodeString(key); err == nil && len(decoded) == 32 {
		material = decoded
	} else if len(key) == 32 {
		material = []byte(key)
	} else {
		sum := sha256.Sum256([]byte(key))
		material = sum[:]
	}

	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. Output layout: nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s == nil {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if s == nil {
		return sealed, nil
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, errors.New("crypto: sealed blob too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plain, nil
}
