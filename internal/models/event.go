package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies a bus event variant
type EventKind string

const (
	EventSecretChatRequest  EventKind = "secret_chat_request"
	EventSecretChatAccepted EventKind = "secret_chat_accepted"
	EventSendMessage        EventKind = "send_message"
	EventReceiveMessage     EventKind = "receive_message"
	EventMessageSent        EventKind = "message_sent"
	EventMessagesRead       EventKind = "messages_read"
	EventMessageEdited      EventKind = "message_edited"
	EventTyping             EventKind = "typing"
	EventUserStatus         EventKind = "user_status"
	EventCallUser           EventKind = "call_user"
	EventAnswerCall         EventKind = "answer_call"
	EventIceCandidate       EventKind = "ice_candidate"
	EventEndCall            EventKind = "end_call"
)

var knownEventKinds = map[EventKind]struct{}{
	EventSecretChatRequest:  {},
	EventSecretChatAccepted: {},
	EventSendMessage:        {},
	EventReceiveMessage:     {},
	EventMessageSent:        {},
	EventMessagesRead:       {},
	EventMessageEdited:      {},
	EventTyping:             {},
	EventUserStatus:         {},
	EventCallUser:           {},
	EventAnswerCall:         {},
	EventIceCandidate:       {},
	EventEndCall:            {},
}

// Event is the envelope carried over the message bus. The payload is a fixed
// shape per kind; it is decoded and validated at the boundary before any of
// it reaches the engine.
type Event struct {
	Kind    EventKind       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent wraps a payload into an event envelope
func NewEvent(kind EventKind, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Event{Kind: kind, Payload: data}, nil
}

// Decode unmarshals the payload into the kind's payload struct
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Kind, err)
	}
	return nil
}

// Known reports whether the event kind is one the engine understands
func (e *Event) Known() bool {
	_, ok := knownEventKinds[e.Kind]
	return ok
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON creates an event from JSON bytes
func EventFromJSON(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// SecretChatRequest initiates a handshake. The sender's public key is raw
// P-256 bytes, base64 encoded; the private half never crosses the bus.
type SecretChatRequest struct {
	From            string `json:"from"`
	SenderPublicKey string `json:"senderPublicKey"`
	TempChatID      string `json:"tempChatId"`
}

// SecretChatAccepted completes a handshake from the responder side
type SecretChatAccepted struct {
	From              string `json:"from"`
	AcceptorPublicKey string `json:"acceptorPublicKey"`
	TempChatID        string `json:"tempChatId"`
}

// SendMessagePayload carries an outbound message to the relay
type SendMessagePayload struct {
	ReceiverID string   `json:"receiverId"`
	Message    *Message `json:"message"`
}

// ReceiveMessagePayload carries an inbound message from the relay
type ReceiveMessagePayload struct {
	Message *Message `json:"message"`
	ChatID  string   `json:"chatId"`
}

// MessageSentPayload is the relay's delivery acknowledgment, matched by the
// client-generated temporary id. A non-empty Error marks the send as failed.
type MessageSentPayload struct {
	TempID string `json:"tempId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MessagesReadPayload is a remote read receipt for a whole conversation
type MessagesReadPayload struct {
	ChatID   string `json:"chatId"`
	ReaderID string `json:"readerId,omitempty"`
}

// MessageEditedPayload propagates an edit of an existing message
type MessageEditedPayload struct {
	Message *Message `json:"message"`
	ChatID  string   `json:"chatId"`
}

// TypingPayload toggles the remote typing indicator
type TypingPayload struct {
	From     string `json:"from"`
	IsTyping bool   `json:"isTyping"`
}

// UserStatusPayload carries a presence update
type UserStatusPayload struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// CallUserPayload carries a call offer, or a renegotiation signal when a
// call session already exists for the sending peer
type CallUserPayload struct {
	UserToCall string `json:"userToCall,omitempty"`
	From       string `json:"from,omitempty"`
	SignalData string `json:"signalData"`
	Name       string `json:"name,omitempty"`
}

// AnswerCallPayload carries the callee's answer back to the caller
type AnswerCallPayload struct {
	To     string `json:"to,omitempty"`
	From   string `json:"from,omitempty"`
	Signal string `json:"signal"`
}

// IceCandidatePayload relays an opaque ICE candidate
type IceCandidatePayload struct {
	Target    string `json:"target,omitempty"`
	Candidate string `json:"candidate"`
}

// EndCallPayload terminates a call in either direction
type EndCallPayload struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}
