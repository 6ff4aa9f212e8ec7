package media

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"pulse/internal/interfaces"
	"pulse/internal/logger"
)

// LocalPeerConnection is a signaling-level peer connection. It carries the
// offer/answer/candidate bookkeeping the call engine needs while delegating
// actual media flow to whatever transport is linked behind it.
type LocalPeerConnection struct {
	peerID string
	logger *logger.Logger

	mu         sync.Mutex
	closed     bool
	tracks     []interfaces.MediaTrack
	remoteDesc string
	candidates []string
	signals    []string
}

// AddTrack attaches a local track to the connection
func (p *LocalPeerConnection) AddTrack(track interfaces.MediaTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer connection closed")
	}
	p.tracks = append(p.tracks, track)
	return nil
}

// ReplaceTrack swaps oldTrack for newTrack in place
func (p *LocalPeerConnection) ReplaceTrack(oldTrack, newTrack interfaces.MediaTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer connection closed")
	}
	for i, track := range p.tracks {
		if track.ID() == oldTrack.ID() {
			p.tracks[i] = newTrack
			return nil
		}
	}
	return fmt.Errorf("track %s not found on connection", oldTrack.ID())
}

// CreateOffer produces the local offer signal
func (p *LocalPeerConnection) CreateOffer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", fmt.Errorf("peer connection closed")
	}
	return fmt.Sprintf("offer:%s:%s", p.peerID, uuid.New().String()), nil
}

// CreateAnswer produces an answer for a stored remote offer
func (p *LocalPeerConnection) CreateAnswer(remoteOffer string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", fmt.Errorf("peer connection closed")
	}
	if remoteOffer == "" {
		return "", fmt.Errorf("no remote offer to answer")
	}
	return fmt.Sprintf("answer:%s:%s", p.peerID, uuid.New().String()), nil
}

// SetRemoteDescription applies the remote offer or answer
func (p *LocalPeerConnection) SetRemoteDescription(signal string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer connection closed")
	}
	p.remoteDesc = signal
	return nil
}

// AddICECandidate forwards a relayed candidate into the connection
func (p *LocalPeerConnection) AddICECandidate(candidate string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer connection closed")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

// Signal forwards a renegotiation signal into the live connection
func (p *LocalPeerConnection) Signal(signal string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer connection closed")
	}
	p.signals = append(p.signals, signal)
	return nil
}

// Close disposes the connection. Idempotent.
func (p *LocalPeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.tracks = nil
	return nil
}

// Closed reports whether the connection has been disposed
func (p *LocalPeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Signals returns the renegotiation signals forwarded so far
func (p *LocalPeerConnection) Signals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.signals))
	copy(out, p.signals)
	return out
}

// LocalPeerConnectionFactory creates LocalPeerConnections
type LocalPeerConnectionFactory struct {
	logger *logger.Logger

	mu      sync.Mutex
	created []*LocalPeerConnection
}

// NewLocalPeerConnectionFactory creates a peer connection factory
func NewLocalPeerConnectionFactory(log *logger.Logger) *LocalPeerConnectionFactory {
	return &LocalPeerConnectionFactory{logger: log.WithComponent("peerconn")}
}

// NewPeerConnection creates a connection for the given peer
func (f *LocalPeerConnectionFactory) NewPeerConnection(peerID string) (interfaces.PeerConnection, error) {
	conn := &LocalPeerConnection{peerID: peerID, logger: f.logger}

	f.mu.Lock()
	f.created = append(f.created, conn)
	f.mu.Unlock()

	return conn, nil
}

// Last returns the most recently created connection, or nil
func (f *LocalPeerConnectionFactory) Last() *LocalPeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

var (
	_ interfaces.MediaSource           = (*LocalSource)(nil)
	_ interfaces.PeerConnection        = (*LocalPeerConnection)(nil)
	_ interfaces.PeerConnectionFactory = (*LocalPeerConnectionFactory)(nil)
	_ interfaces.MediaTrack            = (*LocalTrack)(nil)
)
