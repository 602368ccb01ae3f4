package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// ErrCiphertext is returned when a payload cannot be opened.
var ErrCiphertext = errors.New("crypto: invalid ciphertext")

// Sealer encrypts secrets at rest with AES-256-GCM. The key is the SHA-256 of the
// configured secret.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the key and prepares the AEAD.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("crypto: empty encryption key")
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext, prefixing the random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal. Empty payloads open to nil.
func (s *Sealer) Open(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	nonceSize := s.aead.NonceSize()
	if len(payload) < nonceSize {
		return nil, ErrCiphertext
	}
	plain, err := s.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plain, nil
}

// RandomToken returns n random bytes hex encoded.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 of a bearer-style token for storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
