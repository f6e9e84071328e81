// Package media owns the local capture handles for a call: camera,
// microphone and screen. No other component touches devices directly;
// peer connections receive tracks from here and hand them back on release.
package media

import "errors"

var (
	ErrDeviceUnavailable = errors.New("media: capture device unavailable")
	ErrPermissionDenied  = errors.New("media: capture permission denied")
)

// Kind tags a track with its source.
type Kind string

const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindScreen Kind = "screen"
)

// Track is one local capture handle. Production tracks wrap a
// pion/mediadevices track; tests use in-memory fakes.
type Track interface {
	ID() string
	Kind() Kind
	// SetEnabled flips the active flag without touching the device or the
	// negotiation state. Mute/unmute goes through here.
	SetEnabled(bool)
	Enabled() bool
	// OnEnded fires when the underlying device stops the track on its own,
	// e.g. the user revokes screen capture from the OS picker.
	OnEnded(func())
	Close() error
}

// DeviceSource acquires capture devices. Capture is all-or-nothing: if any
// requested kind cannot be opened it must release what it already opened
// and return the error.
type DeviceSource interface {
	Capture(audio, video bool) ([]Track, error)
	CaptureScreen() (Track, error)
}
