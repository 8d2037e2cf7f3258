package media

import (
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

type Options struct {
	ICEServers       []string
	VideoMaxWidth    int
	VideoMaxHeight   int
	VideoBitrate     int
	QualityInterval  time.Duration
	AllowReceiveOnly bool

	// Loopback candidates are normally excluded; in-process peers need them.
	LoopbackCandidates bool
}

func OptionsFromConfig(m config.Media) Options {
	return Options{
		ICEServers:       m.ICEServers,
		VideoMaxWidth:    m.VideoMaxWidth,
		VideoMaxHeight:   m.VideoMaxHeight,
		VideoBitrate:     m.VideoBitrate,
		QualityInterval:  m.QualityInterval(),
		AllowReceiveOnly: m.AllowReceiveOnly,
	}
}

// localMedia holds the captured tracks of one connection.
type localMedia struct {
	audio       webrtc.TrackLocal
	video       webrtc.TrackLocal
	videoDevice string
	closeAudio  func() error
	closeVideo  func() error
}

func (l *localMedia) close() error {
	var err error
	if l.closeAudio != nil {
		err = multierr.Append(err, l.closeAudio())
		l.closeAudio = nil
	}
	if l.closeVideo != nil {
		err = multierr.Append(err, l.closeVideo())
		l.closeVideo = nil
	}
	return err
}

// capturer opens local devices. The codec set it registers must match the
// encoders its tracks produce.
type capturer interface {
	populate(me *webrtc.MediaEngine) error
	open(kind proto.MediaKind, logger zerolog.Logger) (*localMedia, error)
	nextCamera(current string, logger zerolog.Logger) (*localMedia, error)
}

// addRecvOnlyTransceivers adds recvonly transceivers so CreateOffer/CreateAnswer
// always produces m-lines with ICE credentials, even without local capture.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, kind proto.MediaKind, audio, video bool, logger zerolog.Logger) {
	if audio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			logger.Warn().Err(err).Msg("add recvonly audio transceiver")
		}
	}
	if video && kind.HasVideo() {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			logger.Warn().Err(err).Msg("add recvonly video transceiver")
		}
	}
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
