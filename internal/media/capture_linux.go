//go:build linux && cgo

package media

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register V4L2 camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // register screen-capture driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceSource captures camera/microphone/screen via pion/mediadevices.
type deviceSource struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceSource builds a capture source with VP8 video and Opus audio.
func NewDeviceSource() (DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &deviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// CodecSelector exposes the selector so the webrtc API can register the
// matching codecs.
func (s *deviceSource) CodecSelector() *mediadevices.CodecSelector {
	return s.selector
}

func (s *deviceSource) Capture(audio, video bool) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: MJPEG camera nodes can emit malformed
			// frames that poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 1280}
			c.Height = prop.IntRanged{Max: 720}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, captureErr(err)
	}

	tracks := make([]Track, 0, 2)
	for _, t := range stream.GetTracks() {
		kind := KindAudio
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		tracks = append(tracks, newCaptureTrack(t, kind))
	}
	return tracks, nil
}

func (s *deviceSource) CaptureScreen() (Track, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	stream, err := mediadevices.GetDisplayMedia(constraints)
	if err != nil {
		return nil, captureErr(err)
	}
	vts := stream.GetVideoTracks()
	if len(vts) == 0 {
		return nil, ErrDeviceUnavailable
	}
	return newCaptureTrack(vts[0], KindScreen), nil
}

// captureErr sorts a driver failure into the manager's error taxonomy.
// Opening a V4L2 or ALSA node without access surfaces EACCES/EPERM through
// the driver's PathError.
func captureErr(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

// captureTrack adapts a mediadevices track to the manager's Track. The
// enabled flag is advertised to the room via media-state broadcasts; the
// device itself keeps running so unmute is instant.
type captureTrack struct {
	td   mediadevices.Track
	kind Kind

	mu      sync.Mutex
	enabled bool
	onEnded func()
}

func newCaptureTrack(td mediadevices.Track, kind Kind) *captureTrack {
	return &captureTrack{td: td, kind: kind, enabled: true}
}

func (t *captureTrack) ID() string { return t.td.ID() }
func (t *captureTrack) Kind() Kind { return t.kind }

func (t *captureTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *captureTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *captureTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
	t.td.OnEnded(func(error) {
		t.mu.Lock()
		cb := t.onEnded
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

func (t *captureTrack) Close() error { return t.td.Close() }

// Local exposes the underlying webrtc track for attaching to a peer
// connection and for in-place sender replacement.
func (t *captureTrack) Local() webrtc.TrackLocal { return t.td }
