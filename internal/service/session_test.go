package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pulse/internal/crypto"
	"pulse/internal/keystore"
	"pulse/internal/logger"
	"pulse/internal/models"
)

var testStoreSeq int

func newTestStore(t *testing.T) *keystore.Store {
	t.Helper()
	testStoreSeq++
	dsn := fmt.Sprintf("file:service_test_%d?mode=memory&cache=shared", testStoreSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	store, err := keystore.New(db)
	if err != nil {
		t.Fatalf("Failed to create keystore: %v", err)
	}
	return store
}

// wireHandshake connects two session managers through their mock buses so a
// request sent by one side is handled by the other, like a relay would
func wireHandshake(t *testing.T, ctx context.Context, aliceBus, bobBus *MockBus, alice, bob *SessionManager) {
	t.Helper()
	aliceBus.onSend = func(event *models.Event) {
		if event.Kind != models.EventSecretChatRequest {
			return
		}
		var req models.SecretChatRequest
		if err := event.Decode(&req); err != nil {
			t.Fatalf("Failed to decode handshake request: %v", err)
		}
		if err := bob.HandleRequest(ctx, &req); err != nil {
			t.Fatalf("Responder handshake failed: %v", err)
		}
	}
	bobBus.onSend = func(event *models.Event) {
		if event.Kind != models.EventSecretChatAccepted {
			return
		}
		var acc models.SecretChatAccepted
		if err := event.Decode(&acc); err != nil {
			t.Fatalf("Failed to decode handshake acceptance: %v", err)
		}
		if err := alice.HandleAccepted(ctx, &acc); err != nil {
			t.Fatalf("Initiator handshake completion failed: %v", err)
		}
	}
}

func TestHandshakeEstablishesSharedKey(t *testing.T) {
	ctx := context.Background()
	log := logger.New(logger.LevelError)

	aliceBus := &MockBus{}
	bobBus := &MockBus{}
	alice := NewSessionManager("alice", aliceBus, newTestStore(t), log)
	bob := NewSessionManager("bob", bobBus, newTestStore(t), log)
	wireHandshake(t, ctx, aliceBus, bobBus, alice, bob)

	conversationID, err := alice.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	aliceKey, err := alice.SessionKey(ctx, conversationID)
	if err != nil {
		t.Fatalf("Alice has no session key: %v", err)
	}
	bobKey, err := bob.SessionKey(ctx, conversationID)
	if err != nil {
		t.Fatalf("Bob has no session key: %v", err)
	}
	if !bytes.Equal(aliceKey, bobKey) {
		t.Fatal("Both sides should hold the same session key")
	}

	// A message encrypted by one side decrypts on the other
	ciphertext, nonce, err := crypto.Encrypt(aliceKey, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	plaintext, err := crypto.Decrypt(bobKey, ciphertext, nonce)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Errorf("Expected %q, got %q", "hello", plaintext)
	}

	// The symmetric key must never cross the bus
	for _, event := range append(aliceBus.Sent(), bobBus.Sent()...) {
		if bytes.Contains(event.Payload, aliceKey) {
			t.Error("Session key found in a bus payload")
		}
	}
}

func TestHandshakeSafetyNumbersMatch(t *testing.T) {
	ctx := context.Background()
	log := logger.New(logger.LevelError)

	aliceBus := &MockBus{}
	bobBus := &MockBus{}
	alice := NewSessionManager("alice", aliceBus, newTestStore(t), log)
	bob := NewSessionManager("bob", bobBus, newTestStore(t), log)
	wireHandshake(t, ctx, aliceBus, bobBus, alice, bob)

	conversationID, err := alice.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	aliceNumber, err := alice.SafetyNumber(ctx, conversationID)
	if err != nil {
		t.Fatalf("Alice safety number failed: %v", err)
	}
	bobNumber, err := bob.SafetyNumber(ctx, conversationID)
	if err != nil {
		t.Fatalf("Bob safety number failed: %v", err)
	}
	if aliceNumber != bobNumber {
		t.Errorf("Safety numbers differ: %q vs %q", aliceNumber, bobNumber)
	}
}

func TestHandshakeSurvivesInitiatorRestart(t *testing.T) {
	ctx := context.Background()
	log := logger.New(logger.LevelError)
	aliceStore := newTestStore(t)

	aliceBus := &MockBus{}
	alice := NewSessionManager("alice", aliceBus, aliceStore, log)

	conversationID, err := alice.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	// Extract the request the relay would have delivered to bob
	requests := aliceBus.SentOfKind(models.EventSecretChatRequest)
	if len(requests) != 1 {
		t.Fatalf("Expected 1 handshake request, got %d", len(requests))
	}
	var req models.SecretChatRequest
	if err := requests[0].Decode(&req); err != nil {
		t.Fatalf("Failed to decode request: %v", err)
	}

	bobBus := &MockBus{}
	bob := NewSessionManager("bob", bobBus, newTestStore(t), log)
	if err := bob.HandleRequest(ctx, &req); err != nil {
		t.Fatalf("Responder handshake failed: %v", err)
	}

	// Alice restarts before the acceptance arrives; only the keystore
	// survives
	restarted := NewSessionManager("alice", &MockBus{}, aliceStore, log)

	acceptances := bobBus.SentOfKind(models.EventSecretChatAccepted)
	if len(acceptances) != 1 {
		t.Fatalf("Expected 1 acceptance, got %d", len(acceptances))
	}
	var acc models.SecretChatAccepted
	if err := acceptances[0].Decode(&acc); err != nil {
		t.Fatalf("Failed to decode acceptance: %v", err)
	}
	if err := restarted.HandleAccepted(ctx, &acc); err != nil {
		t.Fatalf("Handshake completion after restart failed: %v", err)
	}

	aliceKey, err := restarted.SessionKey(ctx, conversationID)
	if err != nil {
		t.Fatalf("Restarted alice has no session key: %v", err)
	}
	bobKey, _ := bob.SessionKey(ctx, conversationID)
	if !bytes.Equal(aliceKey, bobKey) {
		t.Error("Restarted initiator should derive the same key")
	}
}

func TestSessionKeyMissing(t *testing.T) {
	manager := NewSessionManager("alice", &MockBus{}, newTestStore(t), logger.New(logger.LevelError))

	_, err := manager.SessionKey(context.Background(), "no-such-conversation")
	if !errors.Is(err, crypto.ErrKeyMissing) {
		t.Errorf("Expected ErrKeyMissing, got %v", err)
	}
}

func TestSessionKeyIncompleteHandshake(t *testing.T) {
	ctx := context.Background()
	manager := NewSessionManager("alice", &MockBus{}, newTestStore(t), logger.New(logger.LevelError))

	// Initiate without any responder; the record exists but has no key
	conversationID, err := manager.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	if _, err := manager.SessionKey(ctx, conversationID); !errors.Is(err, crypto.ErrKeyMissing) {
		t.Errorf("Expected ErrKeyMissing for incomplete handshake, got %v", err)
	}
}

func TestEvictAllRecoversFromKeystore(t *testing.T) {
	ctx := context.Background()
	log := logger.New(logger.LevelError)

	aliceBus := &MockBus{}
	bobBus := &MockBus{}
	alice := NewSessionManager("alice", aliceBus, newTestStore(t), log)
	bob := NewSessionManager("bob", bobBus, newTestStore(t), log)
	wireHandshake(t, ctx, aliceBus, bobBus, alice, bob)

	conversationID, err := alice.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	before, err := alice.SessionKey(ctx, conversationID)
	if err != nil {
		t.Fatalf("SessionKey failed: %v", err)
	}
	want := make([]byte, len(before))
	copy(want, before)

	alice.EvictAll()

	after, err := alice.SessionKey(ctx, conversationID)
	if err != nil {
		t.Fatalf("SessionKey after evict failed: %v", err)
	}
	if !bytes.Equal(want, after) {
		t.Error("Recovered key should match the original")
	}
}

func TestWipeDestroysAllMaterial(t *testing.T) {
	ctx := context.Background()
	log := logger.New(logger.LevelError)

	aliceBus := &MockBus{}
	bobBus := &MockBus{}
	alice := NewSessionManager("alice", aliceBus, newTestStore(t), log)
	bob := NewSessionManager("bob", bobBus, newTestStore(t), log)
	wireHandshake(t, ctx, aliceBus, bobBus, alice, bob)

	conversationID, err := alice.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	if err := alice.Wipe(ctx); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}

	if _, err := alice.SessionKey(ctx, conversationID); !errors.Is(err, crypto.ErrKeyMissing) {
		t.Errorf("Expected ErrKeyMissing after wipe, got %v", err)
	}
}

func TestRekeyMintsNewConversation(t *testing.T) {
	ctx := context.Background()
	log := logger.New(logger.LevelError)

	aliceBus := &MockBus{}
	bobBus := &MockBus{}
	alice := NewSessionManager("alice", aliceBus, newTestStore(t), log)
	bob := NewSessionManager("bob", bobBus, newTestStore(t), log)
	wireHandshake(t, ctx, aliceBus, bobBus, alice, bob)

	first, err := alice.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("First initiate failed: %v", err)
	}
	second, err := alice.Initiate(ctx, "bob")
	if err != nil {
		t.Fatalf("Second initiate failed: %v", err)
	}
	if first == second {
		t.Error("Initiating again should mint a fresh conversation id")
	}

	firstKey, _ := alice.SessionKey(ctx, first)
	secondKey, _ := alice.SessionKey(ctx, second)
	if bytes.Equal(firstKey, secondKey) {
		t.Error("Separate conversations should not share a key")
	}
}
