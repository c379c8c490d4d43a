package securestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one encrypted file per key under a private directory.
// Writes use temp file + rename for crash safety.
type FileStore struct {
	dir    string
	cipher Cipher
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir, creating it with 0700
// permissions if it doesn't exist. All values are encrypted with cipher
// before touching disk.
func NewFileStore(dir string, cipher Cipher) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("directory cannot be empty")
	}
	if cipher == nil {
		return nil, fmt.Errorf("cipher cannot be nil")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		dir:    dir,
		cipher: cipher,
	}, nil
}

// path maps a key to a file name. Keys use "/" as a namespace separator,
// which is flattened so every key stays inside the store directory.
func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, strings.ReplaceAll(key, "/", "_")+".bin")
}

// Get decrypts and returns the value for key. Returns ErrNotFound if the
// file doesn't exist; rejects files with insecure permissions.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := f.path(key)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.Mode().Perm() != 0600 {
		return nil, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", path, info.Mode().Perm())
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return f.cipher.Decrypt(ciphertext)
}

// Set encrypts the value and atomically saves it using temp file + rename.
// Sets file permissions to 0600 (owner read/write only).
func (f *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ciphertext, err := f.cipher.Encrypt(value)
	if err != nil {
		return err
	}

	// Create secure temp file in same directory for atomic rename
	tempFile, err := os.CreateTemp(f.dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(ciphertext); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	path := f.path(key)
	if err := os.Rename(tempName, path); err != nil {
		return err
	}

	return os.Chmod(path, 0600)
}

// Delete removes the file for key. Missing files are not an error.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}
