package interfaces

import (
	"context"

	"pulse/internal/models"
)

// MessageBus delivers opaque events between this client and the signaling
// relay. The engine treats it as an unordered, at-most-once, possibly
// reordered channel that can silently disconnect and reconnect.
type MessageBus interface {
	// Start connects to the relay and begins delivering events
	Start(ctx context.Context) error

	// Stop closes the connection and stops reconnect attempts
	Stop() error

	// Send publishes an event to the relay
	Send(event *models.Event) error

	// SetEventHandler sets the callback sink for bus events. Must be called
	// before Start.
	SetEventHandler(handler BusEventHandler)

	// IsConnected reports whether the bus currently has a live connection
	IsConnected() bool
}

// BusEventHandler receives bus lifecycle and event callbacks
type BusEventHandler interface {
	OnBusEvent(event *models.Event)
	OnBusConnected()
	OnBusDisconnected(err error)
}

// DirectoryClient talks to the authoritative remote store. It is the source
// of truth for contacts and history on every reconnect.
type DirectoryClient interface {
	// FetchSnapshot retrieves the full authoritative snapshot for a user
	FetchSnapshot(ctx context.Context, userID string) (*models.Snapshot, error)

	// Persist applies a partial overlay write to the remote snapshot
	Persist(ctx context.Context, userID string, patch *models.SnapshotPatch) error
}

// MediaTrack is one live audio, video or screen track. Codec internals are
// owned by the media transport behind this contract.
type MediaTrack interface {
	// ID returns a stable identifier for the track
	ID() string

	// Kind returns "audio", "video" or "screen"
	Kind() string

	// Stop releases the underlying device or capture
	Stop()

	// OnEnded registers a callback for platform-initiated termination,
	// e.g. the browser/OS "stop sharing" action on a screen track
	OnEnded(fn func())
}

// MediaConstraints selects which tracks to acquire
type MediaConstraints struct {
	Audio       bool
	Video       bool
	ScreenShare bool
}

// MediaSource acquires local media tracks under the given constraints
type MediaSource interface {
	Acquire(ctx context.Context, constraints MediaConstraints) ([]MediaTrack, error)
}

// PeerConnection is one active media connection to a remote peer
type PeerConnection interface {
	// AddTrack attaches a local track to the connection
	AddTrack(track MediaTrack) error

	// ReplaceTrack swaps oldTrack for newTrack without renegotiating state
	ReplaceTrack(oldTrack, newTrack MediaTrack) error

	// CreateOffer produces the local offer signal
	CreateOffer() (string, error)

	// CreateAnswer produces an answer for a stored remote offer
	CreateAnswer(remoteOffer string) (string, error)

	// SetRemoteDescription applies the remote offer or answer
	SetRemoteDescription(signal string) error

	// AddICECandidate forwards a relayed candidate into the connection
	AddICECandidate(candidate string) error

	// Signal forwards a renegotiation signal into the live connection
	Signal(signal string) error

	// Close disposes the connection
	Close() error
}

// PeerConnectionFactory creates peer connections for call sessions
type PeerConnectionFactory interface {
	NewPeerConnection(peerID string) (PeerConnection, error)
}

// CallEventHandler surfaces call lifecycle changes to the UI layer
type CallEventHandler interface {
	OnIncomingCall(from, displayName string)
	OnCallConnected(peerID string)
	OnCallEnded(peerID, reason string)
	OnCallError(err error)
}

// ClientEventHandler surfaces engine state changes to the UI layer
type ClientEventHandler interface {
	OnConversationUpdated(conversationID string)
	OnContactUpdated(contact *models.Contact)
	OnTyping(contactID string, isTyping bool)
	OnSecuredChanged(conversationID string, secured bool)
	OnError(err error)
}

// Configuration holds application configuration
type Configuration interface {
	GetUserID() string
	GetUsername() string
	GetServerURL() string
	GetDirectoryURL() string
	GetDataDir() string
	GetLogLevel() string
	GetQuiet() bool
	GetLogFile() string
}
