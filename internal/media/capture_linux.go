//go:build linux

package media

import (
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var errSingleCamera = errors.New("media: no other camera available")

// deviceCapture captures camera and microphone through V4L2 and malgo,
// encoding VP8 and Opus.
type deviceCapture struct {
	opts     Options
	selector *mediadevices.CodecSelector
}

func newDeviceCapture(opts Options) (capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if opts.VideoBitrate > 0 {
		vpxParams.BitRate = opts.VideoBitrate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &deviceCapture{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *deviceCapture) populate(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *deviceCapture) videoConstraints(deviceID string) mediadevices.MediaOption {
	return func(mc *mediadevices.MediaTrackConstraints) {
		// Raw formats only: some cameras expose an MJPEG node with malformed
		// frames that poison the VP8 encoder.
		mc.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		if c.opts.VideoMaxWidth > 0 {
			mc.Width = prop.IntRanged{Max: c.opts.VideoMaxWidth}
		}
		if c.opts.VideoMaxHeight > 0 {
			mc.Height = prop.IntRanged{Max: c.opts.VideoMaxHeight}
		}
		if deviceID != "" {
			mc.DeviceID = prop.String(deviceID)
		}
	}
}

func cameras() []string {
	var ids []string
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			ids = append(ids, d.DeviceID)
		}
	}
	return ids
}

// open captures the microphone, plus the first camera for video calls.
// A video call whose camera cannot be opened degrades to audio-only.
func (c *deviceCapture) open(kind proto.MediaKind, logger zerolog.Logger) (*localMedia, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		logger.Warn().Msg("no media devices found")
	}
	for _, d := range devices {
		logger.Debug().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}

	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if kind.HasVideo() {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{
			Codec: c.selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		}
		camera := ""
		if a.video {
			if ids := cameras(); len(ids) > 0 {
				camera = ids[0]
			}
			constraints.Video = c.videoConstraints(camera)
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			logger.Warn().Err(err).Str("attempt", a.label).Msg("getUserMedia failed")
			lastErr = err
			continue
		}

		lm, err := collectTracks(stream.GetTracks(), logger)
		if err != nil {
			logger.Warn().Err(err).Str("attempt", a.label).Msg("captured track unusable")
			lastErr = err
			continue
		}
		if lm.audio == nil {
			_ = lm.close()
			lastErr = errors.New("no microphone track")
			continue
		}
		lm.videoDevice = camera
		logger.Info().Str("attempt", a.label).Msg("local media captured")
		return lm, nil
	}
	return nil, lastErr
}

func collectTracks(tracks []mediadevices.Track, logger zerolog.Logger) (*localMedia, error) {
	lm := &localMedia{}
	for _, track := range tracks {
		track := track
		track.OnEnded(func(err error) {
			if err != nil {
				logger.Warn().Err(err).Str("track", track.ID()).Msg("local track ended")
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			lm.audio = track
			lm.closeAudio = track.Close
		case webrtc.RTPCodecTypeVideo:
			lm.closeVideo = track.Close
			// A camera that cannot feed the encoder would break negotiation later.
			r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				_ = lm.close()
				return nil, fmt.Errorf("video encoder: %w", err)
			}
			_ = r.Close()
			lm.video = track
		}
	}
	return lm, nil
}

// nextCamera opens the camera after current in device order.
func (c *deviceCapture) nextCamera(current string, logger zerolog.Logger) (*localMedia, error) {
	ids := cameras()
	if len(ids) < 2 {
		return nil, errSingleCamera
	}
	next := ids[0]
	for i, id := range ids {
		if id == current {
			next = ids[(i+1)%len(ids)]
			break
		}
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: c.videoConstraints(next),
	})
	if err != nil {
		return nil, fmt.Errorf("open camera %s: %w", next, err)
	}
	lm, err := collectTracks(stream.GetTracks(), logger)
	if err != nil {
		return nil, err
	}
	if lm.video == nil {
		_ = lm.close()
		return nil, fmt.Errorf("camera %s produced no video track", next)
	}
	lm.videoDevice = next
	return lm, nil
}
