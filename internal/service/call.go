package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pulse/internal/interfaces"
	"pulse/internal/logger"
	"pulse/internal/models"
)

// CallState is the lifecycle state of the single active call session
type CallState int

const (
	CallIdle CallState = iota
	CallCalling
	CallReceiving
	CallConnected
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallCalling:
		return "calling"
	case CallReceiving:
		return "receiving"
	case CallConnected:
		return "connected"
	}
	return "unknown"
}

var (
	// ErrCallBusy indicates a call session already exists; at most one call
	// is active per process
	ErrCallBusy = errors.New("a call is already active")

	// ErrNoCall indicates there is no call session to act on
	ErrNoCall = errors.New("no active call")

	// ErrBadCallState indicates the requested transition is not legal from
	// the current state
	ErrBadCallState = errors.New("operation not valid in current call state")
)

// callSession is the state of one call. Identified by the remote peer id;
// gen disambiguates sessions so async completions can detect staleness.
type callSession struct {
	gen         uint64
	peerID      string
	displayName string
	state       CallState

	conn        interfaces.PeerConnection
	tracks      []interfaces.MediaTrack
	remoteOffer string

	muted         bool
	screenSharing bool
	shareTrack    interfaces.MediaTrack
}

// CallManager owns the call lifecycle: offer/answer/ICE relay over the bus,
// media acquisition, mid-call renegotiation and track substitution, and
// unconditional teardown. All async completions capture the session
// generation at issue time and re-validate it before applying their result,
// so a completion that lands after the call ended is discarded.
type CallManager struct {
	bus     interfaces.MessageBus
	media   interfaces.MediaSource
	peers   interfaces.PeerConnectionFactory
	logger  *logger.Logger
	selfID  string
	name    string
	handler interfaces.CallEventHandler

	mu      sync.Mutex
	session *callSession
	nextGen uint64
}

// NewCallManager creates a call manager
func NewCallManager(selfID, displayName string, bus interfaces.MessageBus, media interfaces.MediaSource, peers interfaces.PeerConnectionFactory, log *logger.Logger) *CallManager {
	return &CallManager{
		bus:    bus,
		media:  media,
		peers:  peers,
		logger: log.WithComponent("calls"),
		selfID: selfID,
		name:   displayName,
	}
}

// SetEventHandler sets the handler notified of call lifecycle changes
func (c *CallManager) SetEventHandler(handler interfaces.CallEventHandler) {
	c.handler = handler
}

// State returns the current call state
func (c *CallManager) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return CallIdle
	}
	return c.session.state
}

// PeerID returns the remote peer of the active session, if any
func (c *CallManager) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.peerID
}

// Muted reports the local mute flag
func (c *CallManager) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.muted
}

// ScreenSharing reports whether the screen-share substitution is active
func (c *CallManager) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && c.session.screenSharing
}

// StartCall initiates an outgoing call: acquire local media, create an
// offer, and signal the remote peer. A media acquisition failure aborts the
// attempt and returns to Idle without a half-initialized session.
func (c *CallManager) StartCall(ctx context.Context, peerID string, video bool) error {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return ErrCallBusy
	}
	c.nextGen++
	session := &callSession{gen: c.nextGen, peerID: peerID, state: CallCalling}
	c.session = session
	c.mu.Unlock()

	tracks, err := c.media.Acquire(ctx, interfaces.MediaConstraints{Audio: true, Video: video})
	if err != nil {
		c.abortSession(session.gen)
		return fmt.Errorf("cannot start call: %w", err)
	}

	c.mu.Lock()
	if !c.isCurrentLocked(session.gen) || session.state != CallCalling {
		c.mu.Unlock()
		stopTracks(tracks)
		return ErrBadCallState
	}

	conn, err := c.peers.NewPeerConnection(peerID)
	if err == nil {
		for _, track := range tracks {
			if addErr := conn.AddTrack(track); addErr != nil {
				err = addErr
				break
			}
		}
	}
	var offer string
	if err == nil {
		offer, err = conn.CreateOffer()
	}
	if err != nil {
		c.mu.Unlock()
		stopTracks(tracks)
		// conn was never attached to the session, so teardown cannot
		// reach it; dispose it here
		if conn != nil {
			_ = conn.Close()
		}
		c.abortSession(session.gen)
		return fmt.Errorf("cannot start call: %w", err)
	}

	session.conn = conn
	session.tracks = tracks
	c.mu.Unlock()

	event, err := models.NewEvent(models.EventCallUser, &models.CallUserPayload{
		UserToCall: peerID,
		From:       c.selfID,
		SignalData: offer,
		Name:       c.name,
	})
	if err == nil {
		err = c.bus.Send(event)
	}
	if err != nil {
		c.teardown(session.gen, false, "signal send failed")
		return fmt.Errorf("cannot start call: %w", err)
	}

	c.logger.Info("Call initiated", "peer", peerID, "video", video)
	return nil
}

// HandleCallUser routes an inbound callUser signal. If a session with the
// sending peer is already connected, the signal is a mid-call renegotiation
// and is forwarded into the existing peer connection with no state change
// and no incoming-call prompt. Otherwise it is a new incoming call.
func (c *CallManager) HandleCallUser(signal *models.CallUserPayload) {
	c.mu.Lock()

	if c.session != nil && c.session.peerID == signal.From && c.session.state == CallConnected {
		conn := c.session.conn
		c.mu.Unlock()

		c.logger.Info("Renegotiation signal forwarded", "peer", signal.From)
		if err := conn.Signal(signal.SignalData); err != nil {
			c.logger.Error("Renegotiation forward failed", "peer", signal.From, "error", err)
		}
		return
	}

	if c.session != nil {
		c.mu.Unlock()
		c.logger.Warn("Declining call while busy", "from", signal.From)
		c.sendEndCall(signal.From)
		return
	}

	c.nextGen++
	c.session = &callSession{
		gen:         c.nextGen,
		peerID:      signal.From,
		displayName: signal.Name,
		state:       CallReceiving,
		remoteOffer: signal.SignalData,
	}
	c.mu.Unlock()

	c.logger.Info("Incoming call", "from", signal.From, "name", signal.Name)
	if c.handler != nil {
		c.handler.OnIncomingCall(signal.From, signal.Name)
	}
}

// AcceptCall answers the pending incoming call: acquire local media, create
// an answer from the stored offer, signal it back, and apply the remote
// offer as the final step.
func (c *CallManager) AcceptCall(ctx context.Context, video bool) error {
	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return ErrNoCall
	}
	if session.state != CallReceiving {
		c.mu.Unlock()
		return ErrBadCallState
	}
	gen := session.gen
	peerID := session.peerID
	remoteOffer := session.remoteOffer
	c.mu.Unlock()

	tracks, err := c.media.Acquire(ctx, interfaces.MediaConstraints{Audio: true, Video: video})
	if err != nil {
		c.teardown(gen, true, "media acquisition failed")
		return fmt.Errorf("cannot accept call: %w", err)
	}

	c.mu.Lock()
	if !c.isCurrentLocked(gen) || session.state != CallReceiving {
		c.mu.Unlock()
		stopTracks(tracks)
		return ErrBadCallState
	}

	conn, err := c.peers.NewPeerConnection(peerID)
	if err == nil {
		for _, track := range tracks {
			if addErr := conn.AddTrack(track); addErr != nil {
				err = addErr
				break
			}
		}
	}
	var answer string
	if err == nil {
		answer, err = conn.CreateAnswer(remoteOffer)
	}
	if err != nil {
		c.mu.Unlock()
		stopTracks(tracks)
		// conn was never attached to the session, so teardown cannot
		// reach it; dispose it here
		if conn != nil {
			_ = conn.Close()
		}
		c.teardown(gen, true, "answer creation failed")
		return fmt.Errorf("cannot accept call: %w", err)
	}

	session.conn = conn
	session.tracks = tracks
	c.mu.Unlock()

	event, err := models.NewEvent(models.EventAnswerCall, &models.AnswerCallPayload{
		To:     peerID,
		From:   c.selfID,
		Signal: answer,
	})
	if err == nil {
		err = c.bus.Send(event)
	}
	if err != nil {
		c.teardown(gen, true, "signal send failed")
		return fmt.Errorf("cannot accept call: %w", err)
	}

	// Applying the stored remote offer is the final step of acceptance
	if err := conn.SetRemoteDescription(remoteOffer); err != nil {
		c.teardown(gen, true, "remote description failed")
		return fmt.Errorf("cannot accept call: %w", err)
	}

	c.mu.Lock()
	if c.isCurrentLocked(gen) {
		session.state = CallConnected
		session.remoteOffer = ""
	}
	c.mu.Unlock()

	c.logger.Info("Call connected", "peer", peerID)
	if c.handler != nil {
		c.handler.OnCallConnected(peerID)
	}
	return nil
}

// HandleAnswer completes an outgoing call when the callee accepts
func (c *CallManager) HandleAnswer(answer *models.AnswerCallPayload) {
	c.mu.Lock()
	session := c.session
	if session == nil || session.state != CallCalling || session.peerID != answer.From {
		c.mu.Unlock()
		c.logger.Debug("Stale or unmatched answer dropped", "from", answer.From)
		return
	}
	conn := session.conn
	gen := session.gen
	c.mu.Unlock()

	if err := conn.SetRemoteDescription(answer.Signal); err != nil {
		c.logger.Error("Failed to apply answer", "peer", answer.From, "error", err)
		c.teardown(gen, true, "remote description failed")
		if c.handler != nil {
			c.handler.OnCallError(err)
		}
		return
	}

	c.mu.Lock()
	if c.isCurrentLocked(gen) {
		session.state = CallConnected
	}
	c.mu.Unlock()

	c.logger.Info("Call connected", "peer", answer.From)
	if c.handler != nil {
		c.handler.OnCallConnected(answer.From)
	}
}

// HandleICECandidate forwards a relayed candidate into the active peer
// connection. No state transition results from this event.
func (c *CallManager) HandleICECandidate(candidate *models.IceCandidatePayload) {
	c.mu.Lock()
	var conn interfaces.PeerConnection
	if c.session != nil {
		conn = c.session.conn
	}
	c.mu.Unlock()

	if conn == nil {
		c.logger.Debug("ICE candidate with no active connection dropped")
		return
	}
	if err := conn.AddICECandidate(candidate.Candidate); err != nil {
		c.logger.Warn("Failed to add ICE candidate", "error", err)
	}
}

// HandleRemoteEnd tears the session down when the remote peer hangs up
func (c *CallManager) HandleRemoteEnd(end *models.EndCallPayload) {
	c.mu.Lock()
	session := c.session
	if session == nil || (end.From != "" && end.From != session.peerID) {
		c.mu.Unlock()
		return
	}
	gen := session.gen
	c.mu.Unlock()

	c.teardown(gen, false, "remote ended")
}

// EndCall terminates the active call locally
func (c *CallManager) EndCall() error {
	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return ErrNoCall
	}
	gen := session.gen
	c.mu.Unlock()

	c.teardown(gen, true, "ended locally")
	return nil
}

// ToggleMute flips the mute flag. Muting is a flag, not a track
// substitution.
func (c *CallManager) ToggleMute() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return false, ErrNoCall
	}
	c.session.muted = !c.session.muted
	return c.session.muted, nil
}

// SetScreenShare enables or disables screen sharing by track substitution:
// the new track is acquired and swapped into the live connection first, and
// the old track is stopped only after the replacement succeeds. The
// platform-level "stop sharing" action on the acquired screen track routes
// back through the disable path.
func (c *CallManager) SetScreenShare(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return ErrNoCall
	}
	if session.state != CallConnected {
		c.mu.Unlock()
		return ErrBadCallState
	}
	if session.screenSharing == enabled {
		c.mu.Unlock()
		return nil
	}
	gen := session.gen
	c.mu.Unlock()

	if enabled {
		return c.substituteTrack(ctx, gen, interfaces.MediaConstraints{ScreenShare: true}, true)
	}
	return c.substituteTrack(ctx, gen, interfaces.MediaConstraints{Video: true}, false)
}

// ReplaceAudioTrack re-acquires the audio track under new constraints and
// substitutes it into the live connection
func (c *CallManager) ReplaceAudioTrack(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return ErrNoCall
	}
	if session.state != CallConnected {
		c.mu.Unlock()
		return ErrBadCallState
	}
	gen := session.gen
	c.mu.Unlock()

	tracks, err := c.media.Acquire(ctx, interfaces.MediaConstraints{Audio: true})
	if err != nil {
		return fmt.Errorf("cannot replace audio track: %w", err)
	}
	newTrack := tracks[0]

	c.mu.Lock()
	if !c.isCurrentLocked(gen) {
		c.mu.Unlock()
		newTrack.Stop()
		return ErrNoCall
	}

	old := findTrack(session.tracks, "audio")
	if old == nil {
		c.mu.Unlock()
		newTrack.Stop()
		return fmt.Errorf("no audio track on active call")
	}
	if err := session.conn.ReplaceTrack(old, newTrack); err != nil {
		c.mu.Unlock()
		newTrack.Stop()
		return fmt.Errorf("cannot replace audio track: %w", err)
	}

	replaceInSlice(session.tracks, old, newTrack)
	c.mu.Unlock()

	// Old track is stopped only after the replacement succeeded
	old.Stop()
	return nil
}

// substituteTrack swaps the visual track (camera or screen) on the live
// connection. toShare selects the direction of the substitution.
func (c *CallManager) substituteTrack(ctx context.Context, gen uint64, constraints interfaces.MediaConstraints, toShare bool) error {
	tracks, err := c.media.Acquire(ctx, constraints)
	if err != nil {
		return fmt.Errorf("track substitution failed: %w", err)
	}
	newTrack := tracks[0]

	c.mu.Lock()
	session := c.session
	if !c.isCurrentLocked(gen) || session.state != CallConnected {
		c.mu.Unlock()
		newTrack.Stop()
		return ErrNoCall
	}

	var old interfaces.MediaTrack
	if toShare {
		old = findTrack(session.tracks, "video")
	} else {
		old = session.shareTrack
	}

	if old != nil {
		err = session.conn.ReplaceTrack(old, newTrack)
	} else {
		err = session.conn.AddTrack(newTrack)
	}
	if err != nil {
		c.mu.Unlock()
		newTrack.Stop()
		return fmt.Errorf("track substitution failed: %w", err)
	}

	if old != nil {
		replaceInSlice(session.tracks, old, newTrack)
	} else {
		session.tracks = append(session.tracks, newTrack)
	}

	session.screenSharing = toShare
	if toShare {
		session.shareTrack = newTrack
	} else {
		session.shareTrack = nil
	}
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	if toShare {
		// The platform "stop sharing" control ends the track out-of-band;
		// route it through the same disable path as the user toggle
		newTrack.OnEnded(func() {
			if err := c.SetScreenShare(context.Background(), false); err != nil && !errors.Is(err, ErrNoCall) {
				c.logger.Warn("Screen-share teardown after platform stop failed", "error", err)
			}
		})
	}

	c.logger.Info("Track substituted", "screen_sharing", toShare)
	return nil
}

// abortSession clears a session that never got resources attached
func (c *CallManager) abortSession(gen uint64) {
	c.mu.Lock()
	if c.isCurrentLocked(gen) {
		c.session = nil
	}
	c.mu.Unlock()
}

// teardown is the single unconditional exit path to Idle. It is idempotent:
// the session is detached under the lock, so a second teardown for the same
// generation finds nothing to do, and the remote peer is notified at most
// once.
func (c *CallManager) teardown(gen uint64, notifyRemote bool, reason string) {
	c.mu.Lock()
	session := c.session
	if session == nil || session.gen != gen {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.mu.Unlock()

	stopTracks(session.tracks)
	if session.shareTrack != nil {
		session.shareTrack.Stop()
	}
	if session.conn != nil {
		if err := session.conn.Close(); err != nil {
			c.logger.Warn("Peer connection close failed", "error", err)
		}
	}
	session.remoteOffer = ""
	session.muted = false
	session.screenSharing = false

	if notifyRemote {
		c.sendEndCall(session.peerID)
	}

	c.logger.Info("Call ended", "peer", session.peerID, "reason", reason)
	if c.handler != nil {
		c.handler.OnCallEnded(session.peerID, reason)
	}
}

func (c *CallManager) sendEndCall(peerID string) {
	event, err := models.NewEvent(models.EventEndCall, &models.EndCallPayload{
		To:   peerID,
		From: c.selfID,
	})
	if err == nil {
		err = c.bus.Send(event)
	}
	if err != nil {
		c.logger.Warn("Failed to notify remote of call end", "peer", peerID, "error", err)
	}
}

// isCurrentLocked reports whether gen identifies the live session.
// Caller must hold c.mu.
func (c *CallManager) isCurrentLocked(gen uint64) bool {
	return c.session != nil && c.session.gen == gen
}

func stopTracks(tracks []interfaces.MediaTrack) {
	for _, track := range tracks {
		track.Stop()
	}
}

func findTrack(tracks []interfaces.MediaTrack, kind string) interfaces.MediaTrack {
	for _, track := range tracks {
		if track.Kind() == kind {
			return track
		}
	}
	return nil
}

func replaceInSlice(tracks []interfaces.MediaTrack, old, replacement interfaces.MediaTrack) {
	for i, track := range tracks {
		if track.ID() == old.ID() {
			tracks[i] = replacement
			return
		}
	}
}
