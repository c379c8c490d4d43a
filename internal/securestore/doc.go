// Package securestore provides encrypted at-rest key/value storage for secrets.
//
// Two backends with different platform tradeoffs:
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential
//     Manager, Linux Secret Service); the platform performs the encryption.
//   - File: one file per key under a private directory, encrypted with
//     AES-256-GCM through an explicit Cipher, written atomically with 0600
//     permissions. Intended for hosts without a keyring (headless Linux, CI).
//
// Higher layers depend only on the Store interface and never see ciphertext.
package securestore
