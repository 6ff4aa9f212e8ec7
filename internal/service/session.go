package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"pulse/internal/crypto"
	"pulse/internal/interfaces"
	"pulse/internal/keystore"
	"pulse/internal/logger"
	"pulse/internal/models"
)

// SessionMaterial is one conversation's in-memory key material. The local
// private key never leaves this process except into the keystore.
type SessionMaterial struct {
	KeyPair      *crypto.KeyPair
	RemotePublic []byte
	SessionKey   []byte
}

// SessionManager owns the end-to-end encryption handshake and the lifecycle
// of per-conversation session keys: initiate/accept, derive, persist,
// recover after restart, evict on logout, wipe on request.
type SessionManager struct {
	bus    interfaces.MessageBus
	store  *keystore.Store
	logger *logger.Logger
	selfID string

	mu       sync.Mutex
	sessions map[string]*SessionMaterial
}

// NewSessionManager creates a session manager
func NewSessionManager(selfID string, bus interfaces.MessageBus, store *keystore.Store, log *logger.Logger) *SessionManager {
	return &SessionManager{
		bus:      bus,
		store:    store,
		logger:   log.WithComponent("sessions"),
		selfID:   selfID,
		sessions: make(map[string]*SessionMaterial),
	}
}

// Initiate starts a handshake with a peer and returns the fresh conversation
// id. The local key pair is persisted immediately so a restart before the
// peer accepts can still complete the handshake. Initiating again for an
// already-secured peer deliberately mints a new conversation id rather than
// re-keying the old one.
func (m *SessionManager) Initiate(ctx context.Context, peerID string) (string, error) {
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", err
	}

	conversationID := uuid.New().String()

	if err := m.store.Put(ctx, &keystore.SessionKeyRecord{
		ConversationID:  conversationID,
		LocalPrivateKey: pair.PrivateBytes(),
		LocalPublicKey:  pair.PublicBytes(),
	}); err != nil {
		return "", fmt.Errorf("failed to persist handshake state: %w", err)
	}

	m.mu.Lock()
	m.sessions[conversationID] = &SessionMaterial{KeyPair: pair}
	m.mu.Unlock()

	event, err := models.NewEvent(models.EventSecretChatRequest, &models.SecretChatRequest{
		From:            m.selfID,
		SenderPublicKey: crypto.ToBase64(pair.PublicBytes()),
		TempChatID:      conversationID,
	})
	if err != nil {
		return "", err
	}
	if err := m.bus.Send(event); err != nil {
		return "", fmt.Errorf("failed to send handshake request: %w", err)
	}

	m.logger.Info("Handshake initiated", "conversation", conversationID, "peer", peerID)
	return conversationID, nil
}

// HandleRequest completes the responder side of a handshake: generate a key
// pair, derive the shared key from the initiator's public half, persist,
// and reply with our public half. The symmetric key never crosses the bus.
func (m *SessionManager) HandleRequest(ctx context.Context, req *models.SecretChatRequest) error {
	remotePublic, err := crypto.FromBase64(req.SenderPublicKey)
	if err != nil {
		return fmt.Errorf("%w: undecodable initiator key: %v", crypto.ErrKeyAgreement, err)
	}

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	sessionKey, err := crypto.DeriveSessionKey(pair, remotePublic)
	if err != nil {
		return err
	}

	if err := m.store.Put(ctx, &keystore.SessionKeyRecord{
		ConversationID:  req.TempChatID,
		LocalPrivateKey: pair.PrivateBytes(),
		LocalPublicKey:  pair.PublicBytes(),
		RemotePublicKey: remotePublic,
		SessionKey:      sessionKey,
	}); err != nil {
		return fmt.Errorf("failed to persist session key: %w", err)
	}

	m.mu.Lock()
	m.sessions[req.TempChatID] = &SessionMaterial{
		KeyPair:      pair,
		RemotePublic: remotePublic,
		SessionKey:   sessionKey,
	}
	m.mu.Unlock()

	event, err := models.NewEvent(models.EventSecretChatAccepted, &models.SecretChatAccepted{
		From:              m.selfID,
		AcceptorPublicKey: crypto.ToBase64(pair.PublicBytes()),
		TempChatID:        req.TempChatID,
	})
	if err != nil {
		return err
	}
	if err := m.bus.Send(event); err != nil {
		return fmt.Errorf("failed to send handshake acceptance: %w", err)
	}

	m.logger.Info("Handshake accepted", "conversation", req.TempChatID, "peer", req.From)
	return nil
}

// HandleAccepted completes the initiator side. If the pending key pair is no
// longer in memory (restart mid-handshake), it is recovered from the
// keystore before the handshake is allowed to fail. A handshake that still
// cannot complete leaves the conversation unsecured; the caller surfaces
// that explicitly instead of falling back to plaintext silently.
func (m *SessionManager) HandleAccepted(ctx context.Context, acc *models.SecretChatAccepted) error {
	remotePublic, err := crypto.FromBase64(acc.AcceptorPublicKey)
	if err != nil {
		return fmt.Errorf("%w: undecodable acceptor key: %v", crypto.ErrKeyAgreement, err)
	}

	m.mu.Lock()
	material := m.sessions[acc.TempChatID]
	m.mu.Unlock()

	if material == nil || material.KeyPair == nil {
		rec, err := m.store.Get(ctx, acc.TempChatID)
		if err != nil {
			return fmt.Errorf("%w: no pending handshake for conversation %s", crypto.ErrKeyMissing, acc.TempChatID)
		}
		pair, err := crypto.KeyPairFromPrivateBytes(rec.LocalPrivateKey)
		if err != nil {
			return fmt.Errorf("%w: unusable recovered key pair: %v", crypto.ErrKeyMissing, err)
		}
		material = &SessionMaterial{KeyPair: pair}
		m.logger.Info("Recovered pending handshake from keystore", "conversation", acc.TempChatID)
	}

	sessionKey, err := crypto.DeriveSessionKey(material.KeyPair, remotePublic)
	if err != nil {
		return err
	}

	material.RemotePublic = remotePublic
	material.SessionKey = sessionKey

	if err := m.store.Put(ctx, &keystore.SessionKeyRecord{
		ConversationID:  acc.TempChatID,
		LocalPrivateKey: material.KeyPair.PrivateBytes(),
		LocalPublicKey:  material.KeyPair.PublicBytes(),
		RemotePublicKey: remotePublic,
		SessionKey:      sessionKey,
	}); err != nil {
		return fmt.Errorf("failed to persist session key: %w", err)
	}

	m.mu.Lock()
	m.sessions[acc.TempChatID] = material
	m.mu.Unlock()

	m.logger.Info("Handshake completed", "conversation", acc.TempChatID, "peer", acc.From)
	return nil
}

// SessionKey returns the symmetric key for a conversation, recovering it
// from the keystore if it is not in memory. A conversation whose material
// cannot be found or is incomplete yields ErrKeyMissing.
func (m *SessionManager) SessionKey(ctx context.Context, conversationID string) ([]byte, error) {
	m.mu.Lock()
	material := m.sessions[conversationID]
	m.mu.Unlock()

	if material != nil && len(material.SessionKey) > 0 {
		return material.SessionKey, nil
	}

	rec, err := m.store.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) || errors.Is(err, keystore.ErrStaleRecord) {
			return nil, fmt.Errorf("%w: conversation %s: %v", crypto.ErrKeyMissing, conversationID, err)
		}
		return nil, err
	}
	if !rec.Complete() {
		return nil, fmt.Errorf("%w: handshake for conversation %s never completed", crypto.ErrKeyMissing, conversationID)
	}

	pair, err := crypto.KeyPairFromPrivateBytes(rec.LocalPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unusable recovered key pair: %v", crypto.ErrKeyMissing, err)
	}

	material = &SessionMaterial{
		KeyPair:      pair,
		RemotePublic: rec.RemotePublicKey,
		SessionKey:   rec.SessionKey,
	}

	m.mu.Lock()
	m.sessions[conversationID] = material
	m.mu.Unlock()

	m.logger.Info("Recovered session key from keystore", "conversation", conversationID)
	return material.SessionKey, nil
}

// SafetyNumber returns the human-verifiable fingerprint for a conversation
func (m *SessionManager) SafetyNumber(ctx context.Context, conversationID string) (string, error) {
	key, err := m.SessionKey(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return crypto.SafetyNumber(key), nil
}

// EvictAll drops all in-memory key material. Persisted records remain; a
// full wipe is a separate explicit action.
func (m *SessionManager) EvictAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, material := range m.sessions {
		if material.SessionKey != nil {
			for i := range material.SessionKey {
				material.SessionKey[i] = 0
			}
		}
		delete(m.sessions, id)
	}

	m.logger.Info("Evicted all in-memory key material")
}

// Wipe destroys all key material, both in memory and on disk
func (m *SessionManager) Wipe(ctx context.Context) error {
	m.EvictAll()
	if err := m.store.Wipe(ctx); err != nil {
		return fmt.Errorf("failed to wipe keystore: %w", err)
	}
	m.logger.Info("Wiped persisted key material")
	return nil
}
