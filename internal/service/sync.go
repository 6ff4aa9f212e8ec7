package service

import (
	"context"
	"fmt"

	"pulse/internal/interfaces"
	"pulse/internal/logger"
	"pulse/internal/models"
)

// Synchronizer reconciles the local cache against the authoritative
// Directory Service snapshot, and ingests live messages from the bus.
// It runs a full merge on initial login and on every bus reconnect.
type Synchronizer struct {
	cache     *ConversationCache
	directory interfaces.DirectoryClient
	logger    *logger.Logger
	selfID    string
	handler   interfaces.ClientEventHandler
}

// NewSynchronizer creates a synchronizer
func NewSynchronizer(selfID string, cache *ConversationCache, directory interfaces.DirectoryClient, log *logger.Logger) *Synchronizer {
	return &Synchronizer{
		cache:     cache,
		directory: directory,
		logger:    log.WithComponent("sync"),
		selfID:    selfID,
	}
}

// SetEventHandler sets the handler notified of cache changes
func (s *Synchronizer) SetEventHandler(handler interfaces.ClientEventHandler) {
	s.handler = handler
}

// Resync fetches the authoritative snapshot and merges it into the cache
func (s *Synchronizer) Resync(ctx context.Context) error {
	snapshot, err := s.directory.FetchSnapshot(ctx, s.selfID)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	s.MergeSnapshot(snapshot)
	return nil
}

// MergeSnapshot reconciles a remote snapshot with the local cache.
//
// Contacts absent locally are inserted verbatim. For contacts present on
// both sides, the remote wins for identity fields, unread count and last
// activity take the pairwise maximum, and the message preview follows
// whichever side saw activity last. The max-wins merge is idempotent but can
// over-count unread when a local decrement raced a stale snapshot; the
// counter self-corrects on the next ResetUnread. A server-assigned sequence
// per contact would be required to remove the race entirely.
func (s *Synchronizer) MergeSnapshot(snapshot *models.Snapshot) {
	for _, remote := range snapshot.Contacts {
		remote := remote
		merged := s.cache.MutateContact(remote.ID, func(local *models.Contact) {
			// Remote is authoritative for identity and profile fields
			local.Username = remote.Username
			local.DisplayName = remote.DisplayName
			local.AvatarURL = remote.AvatarURL
			local.Online = remote.Online
			if remote.LastSeen.After(local.LastSeen) {
				local.LastSeen = remote.LastSeen
			}

			if remote.UnreadCount > local.UnreadCount {
				local.UnreadCount = remote.UnreadCount
			}
			if !remote.LastActivity.Before(local.LastActivity) {
				local.LastActivity = remote.LastActivity
				local.LastMessage = remote.LastMessage
			}
		})
		if s.handler != nil {
			s.handler.OnContactUpdated(merged)
		}
	}

	for conversationID, history := range snapshot.ChatHistory {
		// An empty remote list means "no data yet", not "history cleared";
		// never destroy local history on a partial sync
		if len(history) == 0 {
			continue
		}
		s.cache.ReplaceHistory(conversationID, history)
		if s.handler != nil {
			s.handler.OnConversationUpdated(conversationID)
		}
	}

	s.logger.Info("Snapshot merged",
		"contacts", len(snapshot.Contacts),
		"conversations", len(snapshot.ChatHistory))
}

// Ingest applies one live inbound message. Ingestion is idempotent by
// message id; a message from the local identity is an echo of an optimistic
// send and reconciles by id instead of re-displaying. Returns whether the
// cache changed.
func (s *Synchronizer) Ingest(ctx context.Context, conversationID string, msg *models.Message) bool {
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}

	if s.cache.Contains(conversationID, msg.ID) {
		if msg.From == s.selfID {
			// Echo of our own optimistic send; the ack path owns status
			s.logger.Debug("Reconciled own echo", "message", msg.ID)
		} else {
			s.logger.Debug("Dropped duplicate message", "message", msg.ID)
		}
		return false
	}

	if !s.cache.Append(conversationID, msg) {
		return false
	}

	if msg.From != s.selfID {
		contact := s.cache.MutateContact(msg.From, func(c *models.Contact) {
			c.UnreadCount++
			c.LastActivity = msg.Timestamp
			c.LastMessage = msg.Body
		})
		if s.handler != nil {
			s.handler.OnContactUpdated(contact)
		}
	}

	if s.handler != nil {
		s.handler.OnConversationUpdated(conversationID)
	}

	// The directory write is best effort; on failure the in-memory state
	// stays authoritative until the next successful write
	if err := s.persistConversation(ctx, conversationID); err != nil {
		s.logger.Warn("Failed to persist conversation", "conversation", conversationID, "error", err)
	}

	return true
}

// HandleEdit applies a remote edit to an already-ingested message,
// preserving its id and delivery status
func (s *Synchronizer) HandleEdit(ctx context.Context, edit *models.MessageEditedPayload) {
	if edit.Message == nil {
		return
	}
	if !s.cache.UpdateBody(edit.ChatID, edit.Message.ID, edit.Message.Body) {
		s.logger.Debug("Edit for unknown message", "message", edit.Message.ID, "conversation", edit.ChatID)
		return
	}
	if s.handler != nil {
		s.handler.OnConversationUpdated(edit.ChatID)
	}
	if err := s.persistConversation(ctx, edit.ChatID); err != nil {
		s.logger.Warn("Failed to persist edit", "conversation", edit.ChatID, "error", err)
	}
}

// HandleUserStatus applies a presence update to the contact record
func (s *Synchronizer) HandleUserStatus(status *models.UserStatusPayload) {
	contact := s.cache.MutateContact(status.UserID, func(c *models.Contact) {
		c.Online = status.IsOnline
		if !status.LastSeen.IsZero() {
			c.LastSeen = status.LastSeen
		}
	})
	if s.handler != nil {
		s.handler.OnContactUpdated(contact)
	}
}

// persistConversation pushes one conversation's history as an overlay write
func (s *Synchronizer) persistConversation(ctx context.Context, conversationID string) error {
	return s.directory.Persist(ctx, s.selfID, &models.SnapshotPatch{
		ChatHistory: map[string][]*models.Message{
			conversationID: s.cache.Messages(conversationID),
		},
	})
}
