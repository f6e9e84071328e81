//go:build !linux || !cgo

package media

// Camera/mic capture via pion/mediadevices needs platform drivers that are
// only wired up for Linux here (V4L2, malgo, X11 screen grab). Elsewhere
// acquisition reports the device as unavailable, which aborts starting or
// joining a call.
type deviceSource struct{}

func NewDeviceSource() (DeviceSource, error) {
	return &deviceSource{}, nil
}

func (s *deviceSource) Capture(audio, video bool) ([]Track, error) {
	return nil, ErrDeviceUnavailable
}

func (s *deviceSource) CaptureScreen() (Track, error) {
	return nil, ErrDeviceUnavailable
}
