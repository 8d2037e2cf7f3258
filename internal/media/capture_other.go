//go:build !linux

package media

import (
	"errors"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Device capture through pion/mediadevices needs V4L2 and malgo, which are
// only wired on Linux. Elsewhere the engine runs receive-only when allowed.
var errCaptureUnsupported = errors.New("media: device capture is not supported on this platform")

type deviceCapture struct{}

func newDeviceCapture(Options) (capturer, error) { return deviceCapture{}, nil }

func (deviceCapture) populate(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }

func (deviceCapture) open(proto.MediaKind, zerolog.Logger) (*localMedia, error) {
	return nil, errCaptureUnsupported
}

func (deviceCapture) nextCamera(string, zerolog.Logger) (*localMedia, error) {
	return nil, errCaptureUnsupported
}
