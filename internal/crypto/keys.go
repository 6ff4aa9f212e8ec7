package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the length of the derived symmetric key in bytes
const SessionKeySize = 32

// hkdfInfo binds derived keys to this protocol version
var hkdfInfo = []byte("pulse-session-v1")

// KeyPair holds a P-256 key pair used for session key agreement.
// The private key never leaves the owning process except through
// PrivateBytes for durable local storage.
type KeyPair struct {
	private *ecdh.PrivateKey
}

// GenerateKeyPair produces a fresh P-256 key pair
func GenerateKeyPair() (*KeyPair, error) {
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{private: private}, nil
}

// KeyPairFromPrivateBytes restores a key pair from its stored private half
func KeyPairFromPrivateBytes(data []byte) (*KeyPair, error) {
	private, err := ecdh.P256().NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid stored private key: %w", err)
	}
	return &KeyPair{private: private}, nil
}

// PublicBytes returns the raw public key for transmission
func (k *KeyPair) PublicBytes() []byte {
	return k.private.PublicKey().Bytes()
}

// PrivateBytes returns the raw private key for durable storage
func (k *KeyPair) PrivateBytes() []byte {
	return k.private.Bytes()
}

// DeriveSessionKey performs ECDH against the remote public key and expands
// the shared secret through HKDF-SHA256 into a 256-bit symmetric key. Both
// peers computing over each other's public halves produce the identical key.
func DeriveSessionKey(local *KeyPair, remotePublic []byte) ([]byte, error) {
	remote, err := ecdh.P256().NewPublicKey(remotePublic)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed remote public key: %v", ErrKeyAgreement, err)
	}

	sharedSecret, err := local.private.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}

	kdf := hkdf.New(sha256.New, sharedSecret, nil, hkdfInfo)
	sessionKey := make([]byte, SessionKeySize)
	if _, err := kdf.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrKeyAgreement, err)
	}

	// Shared secret is no longer needed once the session key exists
	for i := range sharedSecret {
		sharedSecret[i] = 0
	}

	return sessionKey, nil
}

// ToBase64 converts bytes to base64 for JSON serialization
func ToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromBase64 converts a base64 string back to bytes
func FromBase64(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}
