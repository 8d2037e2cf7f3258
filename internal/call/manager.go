// Package call runs one-to-one voice and video calls.
//
// Machine holds the session state and decides what happens next. Manager
// owns a Machine on a single goroutine and carries out its effects against
// the media engine, the relay and the history recorder. Coupling to the rest
// of the program is through the small interfaces below.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/history"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/rs/zerolog"
)

const (
	inboxSize     = 256
	subscriberBuf = 16
	sendTimeout   = 10 * time.Second
)

// Signaler delivers a message to its recipient. relay.Adapter satisfies it.
type Signaler interface {
	Send(ctx context.Context, m signal.Message) error
}

// Recorder stores the history entry of a finished call.
type Recorder interface {
	Record(e history.Entry) error
}

// PeerDirectory remembers who we talked to so names survive a missing
// caller_name on the wire.
type PeerDirectory interface {
	RememberPeer(ctx context.Context, p proto.Peer) error
	LookupPeer(ctx context.Context, id string) (proto.Peer, bool)
}

type Options struct {
	Self     proto.Peer
	Timeouts Timeouts
	Engine   media.Engine
	Relay    Signaler
	History  Recorder
	Peers    PeerDirectory // optional
	Clock    clock.Clock   // defaults to the wall clock
	Logger   zerolog.Logger
}

type command struct {
	ev     Event
	expect string // AnswerCall: the call id the caller saw ringing
	fn     func()
	reply  chan error
}

type mediaOp struct {
	effect Effect
	create proto.MediaKind
	reply  chan error
}

// Manager owns the call state machine and bridges it to the outside world.
type Manager struct {
	self    proto.Peer
	engine  media.Engine
	relay   Signaler
	history Recorder
	peers   PeerDirectory
	clock   clock.Clock
	logger  zerolog.Logger

	machine *Machine
	inbox   chan command
	outbox  *fifo[signal.Message]
	ops     *fifo[mediaOp]
	done    chan struct{}

	// Serialises StartCall and AnswerCall, which prepare media before
	// entering the loop.
	cmdMu sync.Mutex

	// Loop-owned.
	timer   *clock.Timer
	quality *media.QualitySnapshot
	lastErr string

	mu   sync.RWMutex
	snap Snapshot

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}
	m := &Manager{
		self:    opts.Self,
		engine:  opts.Engine,
		relay:   opts.Relay,
		history: opts.History,
		peers:   opts.Peers,
		clock:   opts.Clock,
		logger:  opts.Logger,
		machine: NewMachine(opts.Self, opts.Timeouts, opts.Logger),
		inbox:   make(chan command, inboxSize),
		outbox:  newFIFO[signal.Message](),
		ops:     newFIFO[mediaOp](),
		done:    make(chan struct{}),
		subs:    make(map[chan Snapshot]struct{}),
	}
	m.snap = m.machine.Snapshot(opts.Clock.Now())
	return m
}

// Run processes events until ctx is done. An active call is hung up and the
// media connection disposed before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.sendLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.mediaLoop(ctx)
	}()

	ticker := m.clock.Ticker(time.Second)
	defer ticker.Stop()

	m.logger.Info().Str("user", m.self.ID).Msg("call manager running")
	events := m.engine.Events()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			m.shutdown()
			return nil
		case c := <-m.inbox:
			m.dispatch(c)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.onMediaEvent(ev)
		case <-ticker.C:
			// Keeps the duration moving for observers.
			if m.machine.State() == StateConnected {
				m.publish()
			}
		}
	}
}

func (m *Manager) shutdown() {
	var hangup Event = EndCall{}
	if m.machine.State() == StateIncoming {
		hangup = DeclineCall{}
	}
	m.handle(hangup)
	m.stopTimer()

	// Best effort: deliver the goodbye the workers did not get to.
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	for m.outbox.len() > 0 {
		msg, _ := m.outbox.pop(ctx)
		if err := m.relay.Send(ctx, msg); err != nil {
			m.logger.Debug().Err(err).Str("type", string(msg.Kind)).Msg("signal dropped at shutdown")
		}
	}
	if err := m.engine.Dispose(); err != nil {
		m.logger.Warn().Err(err).Msg("dispose media at shutdown")
	}
	close(m.done)
	m.logger.Info().Msg("call manager stopped")
}

// StartCall places an outgoing call and returns its id. The media connection
// is created first; if that fails the error is a *media.InitError and no
// call is started.
func (m *Manager) StartCall(ctx context.Context, peer proto.Peer, kind proto.MediaKind) (string, error) {
	id, err := util.ValidateUserID(peer.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}
	if id == m.self.ID {
		return "", fmt.Errorf("%w: cannot call yourself", ErrInvalidCall)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown media kind %q", ErrInvalidCall, kind)
	}
	peer.ID = id

	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	if m.Snapshot().State != StateIdle {
		return "", ErrBusy
	}
	peer = m.completePeer(ctx, peer)

	if err := m.createConnection(ctx, kind); err != nil {
		return "", err
	}
	callID := uuid.NewString()
	if err := m.request(ctx, command{ev: StartCall{CallID: callID, Peer: peer, Media: kind}}); err != nil {
		m.ops.push(mediaOp{effect: DisposeMedia{}})
		return "", err
	}
	return callID, nil
}

// AnswerCall accepts the ringing incoming call. A media failure leaves the
// call ringing so the user can retry or decline.
func (m *Manager) AnswerCall(ctx context.Context) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	snap := m.Snapshot()
	if snap.State != StateIncoming || snap.Session == nil {
		return ErrNoIncomingCall
	}
	if err := m.createConnection(ctx, snap.Session.Media); err != nil {
		m.logger.Warn().Err(err).Str("call_id", snap.Session.CallID).Msg("answer failed")
		return err
	}
	if err := m.request(ctx, command{ev: AnswerCall{}, expect: snap.Session.CallID}); err != nil {
		m.ops.push(mediaOp{effect: DisposeMedia{}})
		return err
	}
	return nil
}

func (m *Manager) DeclineCall(ctx context.Context) error {
	return m.request(ctx, command{ev: DeclineCall{}})
}

func (m *Manager) CancelCall(ctx context.Context) error {
	return m.request(ctx, command{ev: CancelCall{}})
}

// EndCall hangs up. Calling it with no call in progress does nothing.
func (m *Manager) EndCall(ctx context.Context) error {
	return m.request(ctx, command{ev: EndCall{}})
}

func (m *Manager) SetMuted(ctx context.Context, muted bool) error {
	return m.request(ctx, command{ev: SetMuted{Muted: muted}})
}

func (m *Manager) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return m.request(ctx, command{ev: SetCameraEnabled{Enabled: enabled}})
}

func (m *Manager) SetSpeaker(ctx context.Context, enabled bool) error {
	return m.request(ctx, command{ev: SetSpeaker{Enabled: enabled}})
}

func (m *Manager) SwitchCamera(ctx context.Context) error {
	return m.request(ctx, command{ev: SwitchCamera{}})
}

// HandleSignal feeds a message received from the relay into the loop.
// It is the relay adapter's sink and may block until the loop has room.
func (m *Manager) HandleSignal(msg signal.Message) {
	if msg.Kind == signal.KindCallRequest && msg.CallerName == "" && m.peers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
		if p, ok := m.peers.LookupPeer(ctx, msg.From); ok {
			msg = msg.WithCaller(p.DisplayName, p.AvatarRef)
		}
		cancel()
	}
	if err := m.post(context.Background(), command{ev: RemoteSignal{Msg: msg}}); err != nil {
		m.logger.Debug().Err(err).Str("call_id", msg.CallID).Msg("signal dropped")
	}
}

// SetTimeouts applies to calls started after the change.
func (m *Manager) SetTimeouts(t Timeouts) {
	_ = m.post(context.Background(), command{fn: func() { m.machine.SetTimeouts(t) }})
}

// Snapshot returns the latest published state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Subscribe returns a channel that receives every published snapshot,
// starting with the current one. Slow readers lose intermediate snapshots,
// never the latest. cancel must be called to release the subscription.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuf)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	ch <- m.Snapshot()
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) post(ctx context.Context, c command) error {
	select {
	case m.inbox <- c:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// request posts c and waits until the loop has handled it.
func (m *Manager) request(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	if err := m.post(ctx, c); err != nil {
		return err
	}
	select {
	case err := <-c.reply:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// createConnection runs on the media goroutine so it is ordered after any
// pending dispose of the previous call.
func (m *Manager) createConnection(ctx context.Context, kind proto.MediaKind) error {
	reply := make(chan error, 1)
	m.ops.push(mediaOp{create: kind, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		m.ops.push(mediaOp{effect: DisposeMedia{}})
		return ctx.Err()
	}
}

func (m *Manager) completePeer(ctx context.Context, p proto.Peer) proto.Peer {
	if m.peers == nil || (p.DisplayName != "" && p.AvatarRef != "") {
		return p
	}
	known, ok := m.peers.LookupPeer(ctx, p.ID)
	if !ok {
		return p
	}
	if p.DisplayName == "" {
		p.DisplayName = known.DisplayName
	}
	if p.AvatarRef == "" {
		p.AvatarRef = known.AvatarRef
	}
	return p
}

func (m *Manager) dispatch(c command) {
	if c.fn != nil {
		c.fn()
		m.publish()
		m.reply(c, nil)
		return
	}
	switch c.ev.(type) {
	case StartCall:
		if m.machine.State() != StateIdle {
			m.reply(c, ErrBusy)
			return
		}
	case AnswerCall:
		s := m.machine.Session()
		if m.machine.State() != StateIncoming || (c.expect != "" && s.CallID != c.expect) {
			m.reply(c, ErrNoIncomingCall)
			return
		}
	}
	m.handle(c.ev)
	m.reply(c, nil)
}

func (m *Manager) reply(c command, err error) {
	if c.reply != nil {
		c.reply <- err
	}
}

func (m *Manager) onMediaEvent(ev media.Event) {
	switch ev := ev.(type) {
	case media.EventConnectionState:
		m.handle(MediaState{State: ev.State})
	case media.EventLocalCandidate:
		m.handle(LocalCandidate{Candidate: ev.Candidate})
	case media.EventError:
		m.lastErr = fmt.Sprintf("%s: %v", ev.Op, ev.Err)
		m.handle(MediaError{Err: fmt.Errorf("%s: %w", ev.Op, ev.Err)})
	case media.EventQuality:
		q := ev.Snapshot
		m.quality = &q
		m.publish()
	}
}

func (m *Manager) handle(ev Event) {
	wasIdle := m.machine.State() == StateIdle
	effects := m.machine.Handle(ev, m.clock.Now())
	if wasIdle && m.machine.State() != StateIdle {
		m.quality = nil
		m.lastErr = ""
	}
	m.execute(effects)
	m.publish()
}

// execute runs effects in order. Nothing here waits on the network or the
// media engine.
func (m *Manager) execute(effects []Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case SendSignal:
			m.outbox.push(e.Msg)
		case CreateOffer, CreateAnswer, ApplyRemoteDescription, AddRemoteCandidate, ControlMedia, DisposeMedia:
			m.ops.push(mediaOp{effect: eff})
		case ArmTimer:
			m.armTimer(e)
		case DisarmTimers:
			m.stopTimer()
		case RecordHistory:
			m.record(e.Entry)
		}
	}
}

func (m *Manager) armTimer(e ArmTimer) {
	m.stopTimer()
	fired := TimerFired{Kind: e.Kind, Gen: e.Gen}
	m.timer = m.clock.AfterFunc(e.After, func() {
		_ = m.post(context.Background(), command{ev: fired})
	})
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) record(e history.Entry) {
	if err := m.history.Record(e); err != nil {
		m.logger.Error().Err(err).Str("call_id", e.CallID).Msg("record call history")
	}
	if m.peers == nil {
		return
	}
	p := proto.Peer{ID: e.PeerID, DisplayName: e.PeerName, AvatarRef: e.PeerAvatar}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
		defer cancel()
		if err := m.peers.RememberPeer(ctx, p); err != nil {
			m.logger.Warn().Err(err).Str("peer", p.ID).Msg("remember peer")
		}
	}()
}

func (m *Manager) publish() {
	snap := m.machine.Snapshot(m.clock.Now())
	if snap.State != StateIdle && m.quality != nil {
		q := *m.quality
		snap.Quality = &q
	}
	snap.LastError = m.lastErr

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Full: drop the oldest so the newest always lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Manager) sendLoop(ctx context.Context) {
	for {
		msg, ok := m.outbox.pop(ctx)
		if !ok {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := m.relay.Send(sctx, msg)
		cancel()
		if err == nil {
			continue
		}
		// A lost signal never ends the call by itself; timeouts cover it.
		m.logger.Warn().Err(err).Str("call_id", msg.CallID).Str("type", string(msg.Kind)).Msg("signal not delivered")
		text := err.Error()
		_ = m.post(ctx, command{fn: func() { m.lastErr = text }})
	}
}

func (m *Manager) mediaLoop(ctx context.Context) {
	for {
		op, ok := m.ops.pop(ctx)
		if !ok {
			return
		}
		if op.reply != nil {
			op.reply <- m.engine.CreateConnection(op.create)
			continue
		}
		m.runMediaOp(ctx, op.effect)
	}
}

func (m *Manager) runMediaOp(ctx context.Context, eff Effect) {
	switch e := eff.(type) {
	case CreateOffer:
		sdp, err := m.engine.CreateOffer(ctx)
		if err != nil {
			m.completed(ctx, MediaOpFailed{CallID: e.CallID, Op: "create offer", Err: err})
			return
		}
		m.completed(ctx, OfferCreated{CallID: e.CallID, SDP: sdp})
	case CreateAnswer:
		sdp, err := m.engine.CreateAnswer(ctx)
		if err != nil {
			m.completed(ctx, MediaOpFailed{CallID: e.CallID, Op: "create answer", Err: err})
			return
		}
		m.completed(ctx, AnswerCreated{CallID: e.CallID, SDP: sdp})
	case ApplyRemoteDescription:
		if err := m.engine.SetRemoteDescription(ctx, e.SDP); err != nil {
			m.completed(ctx, MediaOpFailed{CallID: e.CallID, Op: "apply remote description", Err: err})
		}
	case AddRemoteCandidate:
		if err := m.engine.AddRemoteICECandidate(ctx, e.Candidate); err != nil {
			m.logger.Warn().Err(err).Str("call_id", e.CallID).Msg("remote candidate rejected")
		}
	case ControlMedia:
		switch e.Control {
		case ControlMicrophone:
			m.engine.SetMicrophoneEnabled(e.On)
		case ControlCamera:
			m.engine.SetCameraEnabled(e.On)
		case ControlAudioRoute:
			m.engine.SetAudioRoute(e.Route)
		case ControlSwitchCamera:
			if err := m.engine.SwitchCamera(); err != nil {
				m.logger.Warn().Err(err).Msg("switch camera")
			}
		}
	case DisposeMedia:
		if err := m.engine.Dispose(); err != nil {
			m.logger.Warn().Err(err).Msg("dispose media")
		}
	}
}

func (m *Manager) completed(ctx context.Context, ev Event) {
	if err := m.post(ctx, command{ev: ev}); err != nil {
		m.logger.Debug().Err(err).Msg("media completion dropped")
	}
}
