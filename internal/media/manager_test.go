package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id      string
	kind    Kind
	enabled bool
	closed  int
	onEnded func()
}

func (t *fakeTrack) ID() string         { return t.id }
func (t *fakeTrack) Kind() Kind         { return t.kind }
func (t *fakeTrack) SetEnabled(on bool) { t.enabled = on }
func (t *fakeTrack) Enabled() bool      { return t.enabled }
func (t *fakeTrack) OnEnded(fn func())  { t.onEnded = fn }
func (t *fakeTrack) Close() error       { t.closed++; return nil }

type fakeSource struct {
	captureErr error
	screenErr  error
	screens    int
	last       map[Kind]*fakeTrack
}

func newFakeSource() *fakeSource {
	return &fakeSource{last: make(map[Kind]*fakeTrack)}
}

func (s *fakeSource) Capture(audio, video bool) ([]Track, error) {
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	var out []Track
	if audio {
		t := &fakeTrack{id: "mic", kind: KindAudio, enabled: true}
		s.last[KindAudio] = t
		out = append(out, t)
	}
	if video {
		t := &fakeTrack{id: "cam", kind: KindVideo, enabled: true}
		s.last[KindVideo] = t
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeSource) CaptureScreen() (Track, error) {
	if s.screenErr != nil {
		return nil, s.screenErr
	}
	s.screens++
	t := &fakeTrack{id: "screen", kind: KindScreen, enabled: true}
	s.last[KindScreen] = t
	return t, nil
}

func TestAcquireAndState(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src)

	require.NoError(t, m.Acquire(true, true))

	st := m.State()
	assert.True(t, st.AudioEnabled)
	assert.True(t, st.VideoEnabled)
	assert.False(t, st.ScreenSharing)
	assert.Len(t, m.Tracks(), 2)
}

func TestAcquireFailurePropagates(t *testing.T) {
	src := newFakeSource()
	src.captureErr = ErrDeviceUnavailable
	m := NewManager(src)

	err := m.Acquire(true, true)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Empty(t, m.Tracks())
}

func TestAcquirePermissionDeniedPropagates(t *testing.T) {
	src := newFakeSource()
	src.captureErr = ErrPermissionDenied
	m := NewManager(src)

	err := m.Acquire(true, true)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.NotErrorIs(t, err, ErrDeviceUnavailable)
	assert.Empty(t, m.Tracks())
}

func TestSetEnabledFlipsFlagOnly(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src)
	require.NoError(t, m.Acquire(true, true))

	m.SetEnabled(KindAudio, false)

	assert.False(t, m.State().AudioEnabled)
	assert.True(t, m.State().VideoEnabled)
	assert.Zero(t, src.last[KindAudio].closed, "mute must not touch the device")

	// Unknown kinds are ignored.
	m.SetEnabled(KindScreen, false)
}

func TestScreenShareLifecycle(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src)
	require.NoError(t, m.Acquire(true, true))

	screen, err := m.StartScreenShare()
	require.NoError(t, err)
	assert.Equal(t, KindScreen, screen.Kind())
	assert.True(t, m.State().ScreenSharing)
	assert.Same(t, screen, m.OutgoingVideo())

	// Starting again reuses the existing handle.
	again, err := m.StartScreenShare()
	require.NoError(t, err)
	assert.Same(t, screen, again)
	assert.Equal(t, 1, src.screens)

	camera := m.StopScreenShare()
	require.NotNil(t, camera)
	assert.Equal(t, KindVideo, camera.Kind())
	assert.False(t, m.State().ScreenSharing)
	assert.Equal(t, 1, src.last[KindScreen].closed)
	assert.Same(t, camera, m.OutgoingVideo())
}

func TestStopScreenShareWithoutShare(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src)
	require.NoError(t, m.Acquire(true, false))

	assert.Nil(t, m.StopScreenShare(), "audio-only call has no camera to restore")
}

func TestScreenShareEndedByOS(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src)
	require.NoError(t, m.Acquire(true, true))

	fired := 0
	m.OnScreenShareEnded(func() { fired++ })

	_, err := m.StartScreenShare()
	require.NoError(t, err)

	src.last[KindScreen].onEnded()
	assert.Equal(t, 1, fired)
}

func TestReleaseAllIsIdempotent(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src)
	require.NoError(t, m.Acquire(true, true))
	_, err := m.StartScreenShare()
	require.NoError(t, err)

	m.ReleaseAll()
	m.ReleaseAll()

	assert.Equal(t, 1, src.last[KindAudio].closed)
	assert.Equal(t, 1, src.last[KindVideo].closed)
	assert.Equal(t, 1, src.last[KindScreen].closed)
	assert.Empty(t, m.Tracks())
	assert.Nil(t, m.OutgoingVideo())
}
