package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const eventBuffer = 128

// PionEngine is the Engine backed by pion/webrtc. One connection exists at
// a time.
type PionEngine struct {
	opts    Options
	logger  zerolog.Logger
	capture capturer
	events  chan Event

	mu      sync.Mutex
	conn    *connection
	route   AudioRoute
	quality QualitySnapshot
}

type connection struct {
	pc    *webrtc.PeerConnection
	kind  proto.MediaKind
	local *localMedia
	done  chan struct{}
	stats *qualityStats

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	micOn       bool
	camOn       bool

	// Remote candidates that arrived before the remote description.
	pending []webrtc.ICECandidateInit

	mu           sync.Mutex
	remoteVideo  []webrtc.SSRC
	disconnected bool
}

func NewPionEngine(opts Options, logger zerolog.Logger) (*PionEngine, error) {
	capture, err := newDeviceCapture(opts)
	if err != nil {
		return nil, err
	}
	return newPionEngine(opts, logger, capture), nil
}

func newPionEngine(opts Options, logger zerolog.Logger, capture capturer) *PionEngine {
	if opts.QualityInterval <= 0 {
		opts.QualityInterval = 2 * time.Second
	}
	return &PionEngine{
		opts:    opts,
		logger:  logger,
		capture: capture,
		events:  make(chan Event, eventBuffer),
		route:   RouteEarpiece,
	}
}

func (e *PionEngine) Events() <-chan Event { return e.events }

func (e *PionEngine) CreateConnection(kind proto.MediaKind) error {
	if !kind.Valid() {
		return &InitError{Kind: kind, Err: fmt.Errorf("unknown media kind %q", kind)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return &InitError{Kind: kind, Err: errors.New("connection already exists")}
	}

	pc, err := e.newPeerConnection()
	if err != nil {
		return &InitError{Kind: kind, Err: err}
	}

	c := &connection{
		pc:    pc,
		kind:  kind,
		done:  make(chan struct{}),
		stats: &qualityStats{},
		micOn: true,
		camOn: true,
	}

	local, err := e.capture.open(kind, e.logger)
	switch {
	case err != nil && !e.opts.AllowReceiveOnly:
		_ = pc.Close()
		return &InitError{Kind: kind, Err: err}
	case err != nil:
		e.logger.Warn().Err(err).Msg("capture failed, proceeding receive-only")
		addRecvOnlyTransceivers(pc, kind, true, true, e.logger)
	default:
		c.local = local
		if err := e.attachLocal(c); err != nil {
			_ = local.close()
			_ = pc.Close()
			return &InitError{Kind: kind, Err: err}
		}
		// A video call that degraded to audio-only still receives video.
		addRecvOnlyTransceivers(pc, kind, false, local.video == nil, e.logger)
	}

	e.wire(c)
	e.conn = c
	e.quality = QualitySnapshot{}
	go e.sampleLoop(c)

	e.logger.Info().Str("kind", string(kind)).Msg("peer connection ready")
	return nil
}

func (e *PionEngine) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := e.capture.populate(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Disconnected is reported quickly so the session can open its reconnect
	// window; ICE keeps trying until the failed timeout.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(5*time.Second, 30*time.Second, 2*time.Second)
	if e.opts.LoopbackCandidates {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(e.opts.ICEServers)})
}

func (e *PionEngine) attachLocal(c *connection) error {
	if c.local.audio != nil {
		sender, err := c.pc.AddTrack(c.local.audio)
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		c.audioSender = sender
		go c.readRTCP(sender)
	}
	if c.local.video != nil {
		sender, err := c.pc.AddTrack(c.local.video)
		if err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
		c.videoSender = sender
		go c.readRTCP(sender)
	}
	return nil
}

func (e *PionEngine) wire(c *connection) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := EncodeCandidate(cand.ToJSON())
		if err != nil {
			e.emit(c, EventError{Op: "local candidate", Err: err})
			return
		}
		e.emit(c, EventLocalCandidate{Candidate: payload})
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Debug().Str("state", s.String()).Msg("peer connection state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if c.recovered() {
				// Decoders lost sync while the path was down.
				c.requestKeyframes(e.logger)
			}
			e.emit(c, EventConnectionState{State: StateConnected})
		case webrtc.PeerConnectionStateDisconnected:
			c.markDisconnected()
			e.emit(c, EventConnectionState{State: StateDisconnected})
		case webrtc.PeerConnectionStateFailed:
			c.markDisconnected()
			e.emit(c, EventConnectionState{State: StateFailed})
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.logger.Info().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			c.mu.Lock()
			c.remoteVideo = append(c.remoteVideo, track.SSRC())
			c.mu.Unlock()
			c.requestKeyframes(e.logger)
		}
		go c.readRemote(track)
	})
}

// emit delivers ev unless the connection has been disposed meanwhile.
func (e *PionEngine) emit(c *connection, ev Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case e.events <- ev:
	case <-c.done:
	}
}

func (e *PionEngine) sampleLoop(c *connection) {
	ticker := time.NewTicker(e.opts.QualityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			snap := c.stats.sample(c.pc.GetStats(), now)
			e.mu.Lock()
			if e.conn == c {
				e.quality = snap
			}
			e.mu.Unlock()
			e.emit(c, EventQuality{Snapshot: snap})
		}
	}
}

func (c *connection) readRTCP(sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		c.stats.observeRTCP(pkts)
	}
}

func (c *connection) readRemote(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		c.stats.observeRTP(pkt)
	}
}

func (c *connection) markDisconnected() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *connection) recovered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.disconnected
	c.disconnected = false
	return was
}

// requestKeyframes sends a PLI for every remote video stream.
func (c *connection) requestKeyframes(logger zerolog.Logger) {
	c.mu.Lock()
	ssrcs := append([]webrtc.SSRC(nil), c.remoteVideo...)
	c.mu.Unlock()
	if len(ssrcs) == 0 {
		return
	}
	pkts := make([]rtcp.Packet, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)})
	}
	if err := c.pc.WriteRTCP(pkts); err != nil {
		logger.Debug().Err(err).Msg("send PLI")
	}
}

func (e *PionEngine) current() (*connection, error) {
	if e.conn == nil {
		return nil, ErrNoConnection
	}
	return e.conn, nil
}

func (e *PionEngine) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.current()
	if err != nil {
		return "", err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return EncodeDescription(*c.pc.LocalDescription())
}

func (e *PionEngine) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.current()
	if err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return EncodeDescription(*c.pc.LocalDescription())
}

func (e *PionEngine) SetRemoteDescription(ctx context.Context, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	desc, err := DecodeDescription(payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.current()
	if err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	pending := c.pending
	c.pending = nil
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			e.logger.Warn().Err(err).Msg("add queued remote candidate")
		}
	}
	return nil
}

func (e *PionEngine) AddRemoteICECandidate(ctx context.Context, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cand, err := DecodeCandidate(payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.current()
	if err != nil {
		return err
	}
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, cand)
		return nil
	}
	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

// SetMicrophoneEnabled detaches or reattaches the microphone track. The
// transceiver stays negotiated, so no renegotiation is needed.
func (e *PionEngine) SetMicrophoneEnabled(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conn
	if c == nil || c.audioSender == nil || c.micOn == on {
		return
	}
	var track webrtc.TrackLocal
	if on {
		track = c.local.audio
	}
	if err := c.audioSender.ReplaceTrack(track); err != nil {
		e.logger.Warn().Err(err).Bool("on", on).Msg("microphone toggle")
		return
	}
	c.micOn = on
}

func (e *PionEngine) SetCameraEnabled(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conn
	if c == nil || c.videoSender == nil || c.camOn == on {
		return
	}
	var track webrtc.TrackLocal
	if on {
		track = c.local.video
	}
	if err := c.videoSender.ReplaceTrack(track); err != nil {
		e.logger.Warn().Err(err).Bool("on", on).Msg("camera toggle")
		return
	}
	c.camOn = on
}

// SetAudioRoute records the preferred output. Playback of the remote track
// is owned by the host platform, which reads it through AudioRoute.
func (e *PionEngine) SetAudioRoute(route AudioRoute) {
	e.mu.Lock()
	e.route = route
	e.mu.Unlock()
	e.logger.Info().Str("route", string(route)).Msg("audio route")
}

func (e *PionEngine) AudioRoute() AudioRoute {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.route
}

// SwitchCamera replaces the outgoing video track with the next camera.
func (e *PionEngine) SwitchCamera() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.current()
	if err != nil {
		return err
	}
	if c.videoSender == nil {
		return errors.New("media: no outgoing video")
	}

	next, err := e.capture.nextCamera(c.local.videoDevice, e.logger)
	if err != nil {
		return err
	}
	if c.camOn {
		if err := c.videoSender.ReplaceTrack(next.video); err != nil {
			_ = next.close()
			return fmt.Errorf("replace video track: %w", err)
		}
	}

	closePrev := c.local.closeVideo
	c.local.video = next.video
	c.local.videoDevice = next.videoDevice
	c.local.closeVideo = next.closeVideo
	if closePrev != nil {
		if err := closePrev(); err != nil {
			e.logger.Debug().Err(err).Msg("close previous camera")
		}
	}
	e.logger.Info().Str("device", next.videoDevice).Msg("camera switched")
	return nil
}

func (e *PionEngine) Quality() QualitySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality
}

func (e *PionEngine) Dispose() error {
	e.mu.Lock()
	c := e.conn
	e.conn = nil
	e.mu.Unlock()
	if c == nil {
		return nil
	}

	close(c.done)
	var err error
	err = multierr.Append(err, c.pc.Close())
	if c.local != nil {
		err = multierr.Append(err, c.local.close())
	}
	e.logger.Info().Msg("peer connection disposed")
	return err
}

// pendingCandidates reports how many remote candidates wait for the remote
// description.
func (e *PionEngine) pendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return 0
	}
	return len(e.conn.pending)
}
