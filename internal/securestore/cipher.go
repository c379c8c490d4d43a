package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// aesGCMCipher implements Cipher with AES-256-GCM. The nonce is generated
// per encryption and prepended to the ciphertext.
type aesGCMCipher struct {
	aead cipher.AEAD
}

// Compile-time check to ensure aesGCMCipher implements Cipher
var _ Cipher = (*aesGCMCipher)(nil)

// NewAESGCMCipher creates a Cipher from a 32-byte AES-256 key.
func NewAESGCMCipher(key []byte) (Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &aesGCMCipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce prepended to the output.
func (c *aesGCMCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Fails on truncated input
// or authentication failure (wrong key or tampered data).
func (c *aesGCMCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext shorter than nonce (%d bytes)", len(ciphertext))
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}
