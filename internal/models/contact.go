package models

import "time"

// Contact represents a known peer with presence and preview metadata.
// Identity fields are owned by the Directory Service; the activity fields are
// merged between the local cache and snapshots.
type Contact struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	AvatarURL    string    `json:"avatarUrl,omitempty"`
	UnreadCount  uint      `json:"unreadCount"`
	LastActivity time.Time `json:"lastActivityTime"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"lastSeen,omitempty"`
}

// Clone returns a copy of the contact
func (c *Contact) Clone() *Contact {
	dup := *c
	return &dup
}

// Conversation represents a chat thread between two peers. A conversation
// becomes secured exactly once, via a completed handshake; re-keying a peer
// mints a fresh conversation id instead of mutating this one.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Secured      bool     `json:"secured"`
}

// Profile holds the local user's identity as known to the Directory Service
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Snapshot is the authoritative copy of a user's contacts, history and
// settings held by the Directory Service. It is fetched on login and on
// every bus reconnect.
type Snapshot struct {
	Profile     *Profile              `json:"profile"`
	Contacts    []*Contact            `json:"contacts"`
	ChatHistory map[string][]*Message `json:"chatHistory"`
	Settings    map[string]string     `json:"settings,omitempty"`
	Devices     []string              `json:"devices,omitempty"`
}

// SnapshotPatch is a partial overlay write against the remote snapshot.
// Only the populated fields are applied server-side.
type SnapshotPatch struct {
	Contacts    []*Contact            `json:"contacts,omitempty"`
	ChatHistory map[string][]*Message `json:"chatHistory,omitempty"`
	Settings    map[string]string     `json:"settings,omitempty"`
}
