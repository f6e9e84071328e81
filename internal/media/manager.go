package media

import (
	"fmt"
	"log"
	"sync"

	"github.com/crewdesk/call-signaling/internal/signal"
)

// Manager holds the capture handles for one call. It hands out the current
// outgoing tracks and guarantees every acquired handle is released exactly
// once, on every exit path.
type Manager struct {
	source DeviceSource

	mu       sync.Mutex
	tracks   map[Kind]Track
	screen   Track
	released bool

	// screenEnded is invoked when the OS ends the screen track on its own.
	// The controller uses it to restore the camera feed; without it the
	// remote side keeps rendering the last shared frame.
	screenEnded func()
}

func NewManager(source DeviceSource) *Manager {
	return &Manager{
		source: source,
		tracks: make(map[Kind]Track),
	}
}

// OnScreenShareEnded registers the handler for an externally ended screen
// track. Must be set before StartScreenShare.
func (m *Manager) OnScreenShareEnded(fn func()) {
	m.mu.Lock()
	m.screenEnded = fn
	m.mu.Unlock()
}

// Acquire opens the requested capture devices. On any failure every handle
// opened so far is closed before the error is returned.
func (m *Manager) Acquire(audio, video bool) error {
	tracks, err := m.source.Capture(audio, video)
	if err != nil {
		return fmt.Errorf("acquire local media: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = false
	for _, t := range tracks {
		m.tracks[t.Kind()] = t
	}
	return nil
}

// SetEnabled flips a track's active flag. Intentionally cheap: no device
// access and no renegotiation, because mute/unmute is invoked constantly.
func (m *Manager) SetEnabled(kind Kind, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracks[kind]; ok {
		t.SetEnabled(enabled)
	}
}

// StartScreenShare acquires a screen-capture handle and returns it so the
// caller can swap it into every connected peer connection. The camera
// track stays open; StopScreenShare restores it.
func (m *Manager) StartScreenShare() (Track, error) {
	m.mu.Lock()
	if m.screen != nil {
		t := m.screen
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()

	t, err := m.source.CaptureScreen()
	if err != nil {
		return nil, fmt.Errorf("acquire screen capture: %w", err)
	}

	m.mu.Lock()
	m.screen = t
	ended := m.screenEnded
	m.mu.Unlock()

	t.OnEnded(func() {
		log.Printf("MEDIA: screen track %s ended by OS", t.ID())
		if ended != nil {
			ended()
		}
	})
	return t, nil
}

// StopScreenShare closes the screen handle and returns the camera track to
// restore, which may be nil for audio-only calls. Safe to call when no
// share is active.
func (m *Manager) StopScreenShare() Track {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.screen != nil {
		if err := m.screen.Close(); err != nil {
			log.Printf("MEDIA: closing screen track: %v", err)
		}
		m.screen = nil
	}
	return m.tracks[KindVideo]
}

// OutgoingVideo returns the track currently feeding remote video: the
// screen while sharing, otherwise the camera. Nil for audio-only calls.
func (m *Manager) OutgoingVideo() Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screen != nil {
		return m.screen
	}
	return m.tracks[KindVideo]
}

// Tracks returns the camera/microphone handles to attach to a new peer
// connection.
func (m *Manager) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Track, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

// State reports the current media flags for broadcasting to the room.
func (m *Manager) State() signal.MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := signal.MediaState{ScreenSharing: m.screen != nil}
	if t, ok := m.tracks[KindAudio]; ok {
		ms.AudioEnabled = t.Enabled()
	}
	if t, ok := m.tracks[KindVideo]; ok {
		ms.VideoEnabled = t.Enabled()
	}
	return ms
}

// ReleaseAll closes every held handle. Idempotent: the call controller
// invokes it both on normal hangup and on error-path cleanup.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return
	}
	m.released = true

	if m.screen != nil {
		if err := m.screen.Close(); err != nil {
			log.Printf("MEDIA: closing screen track: %v", err)
		}
		m.screen = nil
	}
	for kind, t := range m.tracks {
		if err := t.Close(); err != nil {
			log.Printf("MEDIA: closing %s track: %v", kind, err)
		}
		delete(m.tracks, kind)
	}
}
