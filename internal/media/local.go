package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"pulse/internal/interfaces"
	"pulse/internal/logger"
)

// LocalTrack is a locally acquired media track handle
type LocalTrack struct {
	id   string
	kind string

	mu      sync.Mutex
	stopped bool
	onEnded func()
}

// ID returns the track identifier
func (t *LocalTrack) ID() string { return t.id }

// Kind returns "audio", "video" or "screen"
func (t *LocalTrack) Kind() string { return t.kind }

// Stop releases the track. Safe to call more than once.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Stopped reports whether the track has been released
func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded registers a callback for platform-initiated termination
func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// End simulates the platform stopping the track (e.g. the OS-level
// "stop sharing" control on a screen track) and fires the ended callback
func (t *LocalTrack) End() {
	t.mu.Lock()
	fn := t.onEnded
	t.stopped = true
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// LocalSource implements MediaSource with inert track handles. It stands in
// for a real capture backend when none is linked; the call engine only needs
// track identity and lifecycle from this layer.
type LocalSource struct {
	logger *logger.Logger

	mu       sync.Mutex
	acquired []*LocalTrack
	failNext error
}

// NewLocalSource creates a local media source
func NewLocalSource(log *logger.Logger) *LocalSource {
	return &LocalSource{logger: log.WithComponent("media")}
}

// FailNext makes the next Acquire call fail with err (device busy,
// permission denied). Used to exercise the call engine's abort path.
func (s *LocalSource) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// Acquire produces tracks for the requested constraints
func (s *LocalSource) Acquire(ctx context.Context, constraints interfaces.MediaConstraints) ([]interfaces.MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, fmt.Errorf("media acquisition failed: %w", err)
	}

	var tracks []interfaces.MediaTrack
	add := func(kind string) {
		track := &LocalTrack{id: uuid.New().String(), kind: kind}
		s.acquired = append(s.acquired, track)
		tracks = append(tracks, track)
	}

	if constraints.Audio {
		add("audio")
	}
	if constraints.ScreenShare {
		add("screen")
	} else if constraints.Video {
		add("video")
	}

	if len(tracks) == 0 {
		return nil, fmt.Errorf("media acquisition failed: no tracks requested")
	}

	s.logger.Debug("Acquired media tracks", "count", len(tracks))
	return tracks, nil
}

// LiveTracks returns the number of acquired tracks not yet stopped
func (s *LocalSource) LiveTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := 0
	for _, track := range s.acquired {
		if !track.Stopped() {
			live++
		}
	}
	return live
}
