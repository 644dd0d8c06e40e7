package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12
	TagSize   = 16
	// Overhead is the number of bytes a sealed message adds to its plaintext.
	Overhead = NonceSize + TagSize
)

// CryptoUtils provides utility functions for encryption and decryption.
// It uses AES-GCM (Galois/Counter Mode) for authenticated encryption.
type CryptoUtils struct {
	gcm cipher.AEAD
}

// NewCryptoUtils creates a new CryptoUtils instance for a 32-byte AES-256 key.
func NewCryptoUtils(key []byte) (*CryptoUtils, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &CryptoUtils{gcm: gcm}, nil
}

// sealTo appends nonce || ciphertext || tag to dst.
func (c *CryptoUtils) sealTo(dst, nonce, plaintext, aad []byte) []byte {
	dst = append(dst, nonce...)
	return c.gcm.Seal(dst, nonce, plaintext, aad)
}

// openTo decrypts a message produced by sealTo, appending the plaintext to dst.
func (c *CryptoUtils) openTo(dst, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("ciphertext is too short")
	}
	nonce, encryptedMessage := sealed[:NonceSize], sealed[NonceSize:]
	// Open fails when the authentication tag does not match.
	plaintext, err := c.gcm.Open(dst, nonce, encryptedMessage, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Encrypt encrypts plaintext with a random nonce prepended to the ciphertext.
func (c *CryptoUtils) Encrypt(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.sealTo(make([]byte, 0, len(plaintext)+Overhead), nonce, plaintext, aad), nil
}

// Decrypt decrypts data produced by Encrypt.
func (c *CryptoUtils) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	return c.openTo(nil, ciphertext, aad)
}
