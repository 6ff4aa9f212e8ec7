package service

import (
	"sync"

	"pulse/internal/models"
)

// ConversationCache is the single owner of all locally cached conversation
// state: conversations, per-conversation message lists and contact records.
// The synchronizer and the delivery tracker both mutate it, so every
// mutation is serialized behind one mutex.
//
// Message order within a conversation is append order (bus-arrival order),
// not a timestamp sort; out-of-order delivery stays visible as such.
type ConversationCache struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	index         map[string]map[string]*models.Message
	contacts      map[string]*models.Contact
}

// NewConversationCache creates an empty cache
func NewConversationCache() *ConversationCache {
	return &ConversationCache{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		index:         make(map[string]map[string]*models.Message),
		contacts:      make(map[string]*models.Contact),
	}
}

// UpsertConversation inserts or replaces a conversation record
func (c *ConversationCache) UpsertConversation(conv *models.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations[conv.ID] = conv
}

// Conversation returns the conversation record, if cached
func (c *ConversationCache) Conversation(id string) (*models.Conversation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.conversations[id]
	return conv, ok
}

// SetSecured flags a conversation as secured. The transition happens exactly
// once per conversation id; re-keying mints a new id instead.
func (c *ConversationCache) SetSecured(id string, secured bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.conversations[id]; ok {
		conv.Secured = secured
	}
}

// Contains reports whether a message id is already present in a conversation
func (c *ConversationCache) Contains(conversationID, messageID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byID, ok := c.index[conversationID]
	if !ok {
		return false
	}
	_, ok = byID[messageID]
	return ok
}

// Append adds a message to the end of a conversation's list. Returns false
// without modifying anything if the id is already present, which makes
// ingestion idempotent.
func (c *ConversationCache) Append(conversationID string, msg *models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	byID, ok := c.index[conversationID]
	if !ok {
		byID = make(map[string]*models.Message)
		c.index[conversationID] = byID
	}
	if _, exists := byID[msg.ID]; exists {
		return false
	}

	byID[msg.ID] = msg
	c.messages[conversationID] = append(c.messages[conversationID], msg)
	return true
}

// Message returns a message by conversation and id
func (c *ConversationCache) Message(conversationID, messageID string) (*models.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byID, ok := c.index[conversationID]
	if !ok {
		return nil, false
	}
	msg, ok := byID[messageID]
	return msg, ok
}

// Messages returns a copy of the conversation's message list in append order
func (c *ConversationCache) Messages(conversationID string) []*models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.messages[conversationID]
	out := make([]*models.Message, len(list))
	copy(out, list)
	return out
}

// ReplaceHistory swaps a conversation's message list for the given one,
// rebuilding the id index. Used by snapshot merges; callers are responsible
// for the non-empty guard.
func (c *ConversationCache) ReplaceHistory(conversationID string, msgs []*models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byID := make(map[string]*models.Message, len(msgs))
	list := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if _, exists := byID[msg.ID]; exists {
			continue
		}
		byID[msg.ID] = msg
		list = append(list, msg)
	}

	c.index[conversationID] = byID
	c.messages[conversationID] = list
}

// AdvanceStatus applies a monotonic status transition to one message and
// reports whether it changed
func (c *ConversationCache) AdvanceStatus(conversationID, messageID string, next models.MessageStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.index[conversationID]
	if !ok {
		return false
	}
	msg, ok := byID[messageID]
	if !ok {
		return false
	}
	return msg.AdvanceStatus(next)
}

// MarkConversationRead moves every message authored by authorID that is
// currently acknowledged to read, in bulk, and returns how many changed
func (c *ConversationCache) MarkConversationRead(conversationID, authorID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := 0
	for _, msg := range c.messages[conversationID] {
		if msg.From != authorID || msg.Status != models.StatusAcknowledged {
			continue
		}
		if msg.AdvanceStatus(models.StatusRead) {
			changed++
		}
	}
	return changed
}

// UpdateBody replaces a message body in place, preserving id and status
func (c *ConversationCache) UpdateBody(conversationID, messageID, body string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.index[conversationID]
	if !ok {
		return false
	}
	msg, ok := byID[messageID]
	if !ok {
		return false
	}
	msg.Body = body
	msg.Edited = true
	return true
}

// Contact returns a copy of the contact record, if cached
func (c *ConversationCache) Contact(id string) (*models.Contact, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	contact, ok := c.contacts[id]
	if !ok {
		return nil, false
	}
	return contact.Clone(), true
}

// Contacts returns copies of all cached contacts
func (c *ConversationCache) Contacts() []*models.Contact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.Contact, 0, len(c.contacts))
	for _, contact := range c.contacts {
		out = append(out, contact.Clone())
	}
	return out
}

// PutContact stores a contact record verbatim
func (c *ConversationCache) PutContact(contact *models.Contact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts[contact.ID] = contact.Clone()
}

// MutateContact applies fn to the stored contact under the cache lock,
// creating the record first if needed. Returns a copy of the result.
func (c *ConversationCache) MutateContact(id string, fn func(*models.Contact)) *models.Contact {
	c.mu.Lock()
	defer c.mu.Unlock()

	contact, ok := c.contacts[id]
	if !ok {
		contact = &models.Contact{ID: id}
		c.contacts[id] = contact
	}
	fn(contact)
	return contact.Clone()
}

// ResetUnread clears a contact's unread counter, re-deriving truth from the
// user having opened the conversation
func (c *ConversationCache) ResetUnread(contactID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if contact, ok := c.contacts[contactID]; ok {
		contact.UnreadCount = 0
	}
}
