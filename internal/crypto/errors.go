package crypto

import "errors"

var (
	// ErrKeyAgreement indicates a malformed remote public key or a failed
	// ECDH computation during the handshake
	ErrKeyAgreement = errors.New("key agreement failed")

	// ErrDecryption indicates an authentication-tag mismatch, corrupted
	// input or a wrong key. It is isolated to the message it occurred on.
	ErrDecryption = errors.New("decryption failed")

	// ErrKeyMissing indicates that session key material for a conversation
	// could not be found in memory or recovered from durable storage
	ErrKeyMissing = errors.New("session key material missing")
)
