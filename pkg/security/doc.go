/*
Package security provides the optional encryption-at-rest primitive used by
pkg/vault to protect the on-disk vault file.

# SecretsManager

SecretsManager performs AES-256-GCM authenticated encryption:

	Plaintext → AES-256-GCM → [nonce || ciphertext || tag]
	                ↑
	            32-byte key

A random 12-byte nonce is generated per call and prepended to the
ciphertext, so the same plaintext never produces the same bytes twice and
no nonce-reuse bookkeeping is required across calls.

# Usage

	sm, err := security.NewSecretsManager(key) // key must be 32 bytes
	// or, for a user-supplied passphrase:
	sm, err := security.NewSecretsManagerFromPassword("my vault passphrase")

	ciphertext, err := sm.EncryptSecret(vaultJSON)
	plaintext, err := sm.DecryptSecret(ciphertext) // returns an error if tampered or wrong key

This package has no knowledge of the vault's on-disk format or the
room/user scoping of a vault path; pkg/vault decides whether to encrypt a
given vault file and owns the atomic write-to-temp-then-rename around it.
*/
package security
