package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestKeyAgreementSymmetry(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate alice's key pair: %v", err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate bob's key pair: %v", err)
	}

	aliceKey, err := DeriveSessionKey(alice, bob.PublicBytes())
	if err != nil {
		t.Fatalf("Alice's derivation failed: %v", err)
	}
	bobKey, err := DeriveSessionKey(bob, alice.PublicBytes())
	if err != nil {
		t.Fatalf("Bob's derivation failed: %v", err)
	}

	if !bytes.Equal(aliceKey, bobKey) {
		t.Error("Both sides should derive the same session key")
	}
	if len(aliceKey) != SessionKeySize {
		t.Errorf("Expected %d-byte session key, got %d bytes", SessionKeySize, len(aliceKey))
	}
}

func TestKeyAgreementRejectsGarbage(t *testing.T) {
	pair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	_, err = DeriveSessionKey(pair, []byte("not a public key"))
	if !errors.Is(err, ErrKeyAgreement) {
		t.Errorf("Expected ErrKeyAgreement, got %v", err)
	}
}

func TestKeyPairRoundTrip(t *testing.T) {
	original, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	restored, err := KeyPairFromPrivateBytes(original.PrivateBytes())
	if err != nil {
		t.Fatalf("Failed to restore key pair: %v", err)
	}

	if !bytes.Equal(original.PublicBytes(), restored.PublicBytes()) {
		t.Error("Restored key pair should produce the same public key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	key, err := DeriveSessionKey(alice, bob.PublicBytes())
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}

	plaintext := []byte("the meeting moved to 3pm")
	ciphertext, nonce, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("Ciphertext should not contain the plaintext")
	}

	decrypted, err := Decrypt(key, ciphertext, nonce)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Expected %q, got %q", plaintext, decrypted)
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	key, _ := DeriveSessionKey(alice, bob.PublicBytes())

	ciphertext, nonce, err := Encrypt(key, []byte("original"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	ciphertext[0] ^= 0xFF
	if _, err := Decrypt(key, ciphertext, nonce); !errors.Is(err, ErrDecryption) {
		t.Errorf("Expected ErrDecryption for tampered ciphertext, got %v", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	mallory, _ := GenerateKeyPair()

	rightKey, _ := DeriveSessionKey(alice, bob.PublicBytes())
	wrongKey, _ := DeriveSessionKey(mallory, bob.PublicBytes())

	ciphertext, nonce, _ := Encrypt(rightKey, []byte("secret"))
	if _, err := Decrypt(wrongKey, ciphertext, nonce); !errors.Is(err, ErrDecryption) {
		t.Errorf("Expected ErrDecryption for wrong key, got %v", err)
	}
}

func TestNoncesAreUnique(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	key, _ := DeriveSessionKey(alice, bob.PublicBytes())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		_, nonce, err := Encrypt(key, []byte("same message"))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if seen[string(nonce)] {
			t.Fatal("Nonce reuse detected")
		}
		seen[string(nonce)] = true
	}
}

func TestSafetyNumberFormat(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	key, _ := DeriveSessionKey(alice, bob.PublicBytes())

	number := SafetyNumber(key)
	groups := strings.Split(number, " ")
	if len(groups) != 4 {
		t.Fatalf("Expected 4 groups, got %d: %q", len(groups), number)
	}
	for _, group := range groups {
		if len(group) != 5 {
			t.Errorf("Expected 5-digit group, got %q", group)
		}
	}
}

func TestSafetyNumberMatchesOnBothSides(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()

	aliceKey, _ := DeriveSessionKey(alice, bob.PublicBytes())
	bobKey, _ := DeriveSessionKey(bob, alice.PublicBytes())

	if SafetyNumber(aliceKey) != SafetyNumber(bobKey) {
		t.Error("Safety numbers should match for the same session")
	}

	mallory, _ := GenerateKeyPair()
	malloryKey, _ := DeriveSessionKey(mallory, bob.PublicBytes())
	if SafetyNumber(aliceKey) == SafetyNumber(malloryKey) {
		t.Error("Different sessions should have different safety numbers")
	}
}
