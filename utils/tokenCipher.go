package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	MinTokenKeyLength = 32
	tokenKeySize      = 32
	tokenNonceSize    = 12
	tokenKeyInfo      = "r2o-access-token"
)

var (
	ErrCipherKeyTooShort = fmt.Errorf("token encryption key must be at least %d bytes", MinTokenKeyLength)
	ErrDecryption        = errors.New("token decryption failed")
)

// EncryptedSecret is the at-rest form of a provider access token. Ciphertext
// carries the GCM tag at its tail; both fields are base64 (std encoding).
type EncryptedSecret struct {
	Ciphertext string
	IV         string
}

// TokenCipher encrypts provider access tokens with AES-256-GCM.
type TokenCipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewTokenCipher derives the AES key from secret with HKDF-SHA256. The secret
// is the raw env value and must be at least MinTokenKeyLength bytes.
func NewTokenCipher(secret string) (*TokenCipher, error) {
	if len(secret) < MinTokenKeyLength {
		return nil, ErrCipherKeyTooShort
	}
	key := make([]byte, tokenKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(tokenKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, tokenNonceSize)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead, rand: rand.Reader}, nil
}

func (c *TokenCipher) Encrypt(plaintext string) (EncryptedSecret, error) {
	nonce := make([]byte, tokenNonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return EncryptedSecret{}, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return EncryptedSecret{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

func (c *TokenCipher) Decrypt(ciphertext, iv string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext encoding", ErrDecryption)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(nonce) != tokenNonceSize {
		return "", fmt.Errorf("%w: invalid iv", ErrDecryption)
	}
	if len(sealed) < c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return string(plain), nil
}
