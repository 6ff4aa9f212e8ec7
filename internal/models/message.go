package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageStatus represents the delivery status of a message
type MessageStatus string

const (
	StatusPending      MessageStatus = "pending"
	StatusAcknowledged MessageStatus = "acknowledged"
	StatusRead         MessageStatus = "read"
	StatusFailed       MessageStatus = "failed"
)

// rank orders the non-terminal statuses for monotonicity checks
func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAcknowledged:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

// Message represents a chat message. Body holds plaintext locally; on the
// wire for secured conversations Body is ciphertext and Nonce carries the IV.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	From           string        `json:"from"`
	To             string        `json:"to"`
	Body           string        `json:"text"`
	Nonce          string        `json:"iv,omitempty"`
	Encrypted      bool          `json:"isEncrypted"`
	Status         MessageStatus `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	ForwardedFrom  string        `json:"forwardedFrom,omitempty"`
	Edited         bool          `json:"edited,omitempty"`
}

// NewTextMessage creates a new outbound message in pending status.
// The id is assigned at creation and doubles as the delivery ack temp id.
func NewTextMessage(from, to, conversationID, body string) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		From:           from,
		To:             to,
		Body:           body,
		Status:         StatusPending,
		Timestamp:      time.Now(),
	}
}

// NewReplyMessage creates a new outbound message carrying reply provenance
func NewReplyMessage(from, to, conversationID, body, replyTo string) *Message {
	msg := NewTextMessage(from, to, conversationID, body)
	msg.ReplyTo = replyTo
	return msg
}

// AdvanceStatus applies a status transition if it is legal and reports
// whether the message changed. Status never regresses: pending may move to
// acknowledged or failed, acknowledged may move to read, and read and failed
// are terminal.
func (m *Message) AdvanceStatus(next MessageStatus) bool {
	if m.Status == next {
		return false
	}
	if m.Status == StatusFailed || m.Status == StatusRead {
		return false
	}
	if next == StatusFailed {
		if m.Status != StatusPending {
			return false
		}
		m.Status = StatusFailed
		return true
	}
	if next.rank() <= m.Status.rank() {
		return false
	}
	m.Status = next
	return true
}

// Clone returns a shallow copy of the message
func (m *Message) Clone() *Message {
	dup := *m
	return &dup
}

// ToJSON converts the message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON creates a message from JSON bytes
func MessageFromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
