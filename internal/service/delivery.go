package service

import (
	"context"
	"sync"
	"time"

	"pulse/internal/interfaces"
	"pulse/internal/logger"
	"pulse/internal/models"
)

// TypingExpiry is how long a remote typing indicator stays lit without a
// follow-up signal
const TypingExpiry = 5 * time.Second

type pendingSend struct {
	conversationID string
}

// DeliveryTracker maintains per-message delivery status and the typing
// indicator timers. Status transitions are monotonic: pending moves to
// acknowledged or failed, acknowledged moves to read, and read/failed are
// terminal.
type DeliveryTracker struct {
	cache     *ConversationCache
	directory interfaces.DirectoryClient
	logger    *logger.Logger
	selfID    string
	handler   interfaces.ClientEventHandler

	expiry time.Duration

	mu      sync.Mutex
	pending map[string]pendingSend
	typing  map[string]*time.Timer
	stopped bool
}

// NewDeliveryTracker creates a delivery tracker
func NewDeliveryTracker(selfID string, cache *ConversationCache, directory interfaces.DirectoryClient, log *logger.Logger) *DeliveryTracker {
	return &DeliveryTracker{
		cache:     cache,
		directory: directory,
		logger:    log.WithComponent("delivery"),
		selfID:    selfID,
		expiry:    TypingExpiry,
		pending:   make(map[string]pendingSend),
		typing:    make(map[string]*time.Timer),
	}
}

// SetEventHandler sets the handler notified of status and typing changes
func (t *DeliveryTracker) SetEventHandler(handler interfaces.ClientEventHandler) {
	t.handler = handler
}

// TrackSend registers an optimistic local send so the relay ack, matched by
// the client-generated id, can resolve it later
func (t *DeliveryTracker) TrackSend(conversationID string, msg *models.Message) {
	t.mu.Lock()
	t.pending[msg.ID] = pendingSend{conversationID: conversationID}
	t.mu.Unlock()
}

// HandleAck resolves a relay delivery acknowledgment. An ack carrying an
// error code marks the message failed; otherwise it advances to
// acknowledged. Unmatched acks are ignored.
func (t *DeliveryTracker) HandleAck(ack *models.MessageSentPayload) {
	t.mu.Lock()
	ref, ok := t.pending[ack.TempID]
	if ok {
		delete(t.pending, ack.TempID)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("Ack for unknown send", "temp_id", ack.TempID)
		return
	}

	next := models.StatusAcknowledged
	if ack.Error != "" || ack.Status == "error" || ack.Status == "failed" {
		next = models.StatusFailed
	}

	if t.cache.AdvanceStatus(ref.conversationID, ack.TempID, next) {
		t.logger.Debug("Delivery status advanced", "message", ack.TempID, "status", next)
		if t.handler != nil {
			t.handler.OnConversationUpdated(ref.conversationID)
		}
	}
}

// HandleRead applies a remote read receipt: every message in the
// conversation authored by the local identity and currently acknowledged
// moves to read, in bulk, with a single persistence write.
func (t *DeliveryTracker) HandleRead(ctx context.Context, receipt *models.MessagesReadPayload) {
	changed := t.cache.MarkConversationRead(receipt.ChatID, t.selfID)
	if changed == 0 {
		return
	}

	t.logger.Debug("Messages marked read", "conversation", receipt.ChatID, "count", changed)

	if t.handler != nil {
		t.handler.OnConversationUpdated(receipt.ChatID)
	}

	if err := t.directory.Persist(ctx, t.selfID, &models.SnapshotPatch{
		ChatHistory: map[string][]*models.Message{
			receipt.ChatID: t.cache.Messages(receipt.ChatID),
		},
	}); err != nil {
		t.logger.Warn("Failed to persist read receipts", "conversation", receipt.ChatID, "error", err)
	}
}

// HandleTyping maintains the remote typing flag. A fresh typing=true resets
// the expiry timer instead of stacking a second one; typing=false or expiry
// clears the flag.
func (t *DeliveryTracker) HandleTyping(signal *models.TypingPayload) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	if timer, ok := t.typing[signal.From]; ok {
		timer.Stop()
		delete(t.typing, signal.From)
	}

	if signal.IsTyping {
		from := signal.From
		t.typing[from] = time.AfterFunc(t.expiry, func() {
			t.expireTyping(from)
		})
	}
	t.mu.Unlock()

	if t.handler != nil {
		t.handler.OnTyping(signal.From, signal.IsTyping)
	}
}

func (t *DeliveryTracker) expireTyping(contactID string) {
	t.mu.Lock()
	_, ok := t.typing[contactID]
	if ok {
		delete(t.typing, contactID)
	}
	t.mu.Unlock()

	if ok && t.handler != nil {
		t.handler.OnTyping(contactID, false)
	}
}

// IsTyping reports whether a contact's typing indicator is currently lit
func (t *DeliveryTracker) IsTyping(contactID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[contactID]
	return ok
}

// Stop cancels all pending typing timers. Leaked timers after shutdown are
// a defect; Stop is called from both logout and process teardown.
func (t *DeliveryTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for id, timer := range t.typing {
		timer.Stop()
		delete(t.typing, id)
	}
}
