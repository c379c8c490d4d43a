package securestore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("securestore: key not found")

// Store reads and writes secrets to encrypted persistent storage.
type Store interface {
	// Get returns the plaintext value for key. Returns ErrNotFound if the
	// key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set persists the plaintext value under key, overwriting any existing
	// value. The backend encrypts before writing.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the value for key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
}

// Cipher encrypts and decrypts byte slices. It is the capability the file
// backend uses for at-rest encryption; the keyring backend delegates
// encryption to the operating system and does not need one.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
