package call

import (
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/history"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/rs/zerolog"
)

// Machine is the call state machine. It performs no I/O and starts no
// goroutines: Handle returns the effects the caller must execute, in order.
// It is not safe for concurrent use; the Manager owns it on one goroutine.
type Machine struct {
	self   proto.Peer
	logger zerolog.Logger

	timeouts Timeouts // for the active call
	next     Timeouts // picked up by the next call

	state   State
	session *Session

	outcome      history.Outcome
	failure      string
	finalSeconds int64

	timerKind TimerKind
	timerGen  uint64

	accrued        time.Duration
	connectedSince time.Time
	clockRunning   bool

	stashedOffer  string
	stashedAnswer string
	stashedICE    []string

	muted     bool
	cameraOn  bool
	speakerOn bool
}

func NewMachine(self proto.Peer, t Timeouts, logger zerolog.Logger) *Machine {
	return &Machine{
		self:     self,
		logger:   logger,
		timeouts: t,
		next:     t,
		state:    StateIdle,
	}
}

func (m *Machine) State() State { return m.state }

// Session returns a copy of the active session, or nil while Idle.
func (m *Machine) Session() *Session {
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// SetTimeouts takes effect from the next call on.
func (m *Machine) SetTimeouts(t Timeouts) { m.next = t }

func (m *Machine) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		State:     m.state,
		Session:   m.Session(),
		Muted:     m.muted,
		CameraOn:  m.cameraOn,
		SpeakerOn: m.speakerOn,
	}
	switch m.state {
	case StateEnded:
		snap.Outcome = m.outcome
		snap.FailureReason = m.failure
		snap.DurationSec = m.finalSeconds
	case StateConnected, StateReconnecting:
		snap.DurationSec = int64(m.elapsed(now) / time.Second)
	}
	return snap
}

func (m *Machine) elapsed(now time.Time) time.Duration {
	d := m.accrued
	if m.clockRunning {
		d += now.Sub(m.connectedSince)
	}
	return d
}

// Handle applies ev at time now and returns the resulting effects.
func (m *Machine) Handle(ev Event, now time.Time) []Effect {
	switch ev := ev.(type) {
	case StartCall:
		return m.onStart(ev, now)
	case AnswerCall:
		return m.onAnswer(now)
	case DeclineCall:
		if m.state == StateIncoming {
			return m.end(history.Declined, "", signal.KindCallDecline, now)
		}
	case CancelCall, EndCall:
		return m.onHangup(now)
	case SetMuted:
		if m.session != nil {
			m.muted = ev.Muted
			return []Effect{ControlMedia{Control: ControlMicrophone, On: !ev.Muted}}
		}
	case SetCameraEnabled:
		if m.session != nil {
			m.cameraOn = ev.Enabled
			return []Effect{ControlMedia{Control: ControlCamera, On: ev.Enabled}}
		}
	case SetSpeaker:
		if m.session != nil {
			m.speakerOn = ev.Enabled
			return []Effect{ControlMedia{Control: ControlAudioRoute, Route: m.route()}}
		}
	case SwitchCamera:
		if m.session != nil {
			return []Effect{ControlMedia{Control: ControlSwitchCamera}}
		}
	case RemoteSignal:
		return m.onSignal(ev.Msg, now)
	case MediaState:
		return m.onMediaState(ev.State, now)
	case MediaError:
		return m.onMediaFailure(fmt.Sprintf("media error: %v", ev.Err), now)
	case MediaOpFailed:
		if m.active(ev.CallID) {
			return m.onMediaFailure(fmt.Sprintf("%s: %v", ev.Op, ev.Err), now)
		}
	case LocalCandidate:
		switch m.state {
		case StateRinging, StateConnecting, StateConnected, StateReconnecting:
			return []Effect{SendSignal{m.message(signal.KindICECandidate, now).WithPayload(ev.Candidate)}}
		}
	case OfferCreated:
		if m.active(ev.CallID) && (m.state == StateRinging || m.state == StateConnecting) {
			return []Effect{SendSignal{m.message(signal.KindOffer, now).WithPayload(ev.SDP)}}
		}
	case AnswerCreated:
		if m.active(ev.CallID) && m.state == StateConnecting {
			return []Effect{SendSignal{m.message(signal.KindAnswer, now).WithPayload(ev.SDP)}}
		}
	case TimerFired:
		return m.onTimer(ev, now)
	}
	m.ignored(ev)
	return nil
}

func (m *Machine) ignored(ev Event) {
	m.logger.Debug().Str("state", string(m.state)).Str("event", fmt.Sprintf("%T", ev)).Msg("event ignored")
}

func (m *Machine) active(callID string) bool {
	return m.session != nil && m.session.CallID == callID
}

func (m *Machine) route() media.AudioRoute {
	if m.speakerOn {
		return media.RouteSpeaker
	}
	return media.RouteEarpiece
}

func (m *Machine) onStart(ev StartCall, now time.Time) []Effect {
	if m.state != StateIdle {
		m.ignored(ev)
		return nil
	}
	m.begin(Session{
		CallID:    ev.CallID,
		Peer:      ev.Peer,
		Media:     ev.Media,
		Direction: proto.Outgoing,
		StartedAt: now,
	})
	m.state = StateRinging
	req := m.message(signal.KindCallRequest, now).WithCaller(m.self.DisplayName, m.self.AvatarRef)
	return []Effect{
		SendSignal{req},
		CreateOffer{CallID: ev.CallID},
		m.arm(TimerRing, m.timeouts.Ring),
	}
}

func (m *Machine) onAnswer(now time.Time) []Effect {
	if m.state != StateIncoming {
		m.ignored(AnswerCall{})
		return nil
	}
	m.state = StateConnecting
	id := m.session.CallID
	effects := []Effect{SendSignal{m.message(signal.KindCallAccept, now)}}
	if m.stashedOffer != "" {
		effects = append(effects,
			ApplyRemoteDescription{CallID: id, SDP: m.stashedOffer},
			CreateAnswer{CallID: id})
		m.stashedOffer = ""
	}
	for _, c := range m.stashedICE {
		effects = append(effects, AddRemoteCandidate{CallID: id, Candidate: c})
	}
	m.stashedICE = nil

	// Controls set while ringing apply to the connection created on answer.
	if m.muted {
		effects = append(effects, ControlMedia{Control: ControlMicrophone, On: false})
	}
	if m.session.Media.HasVideo() && !m.cameraOn {
		effects = append(effects, ControlMedia{Control: ControlCamera, On: false})
	}
	if m.speakerOn {
		effects = append(effects, ControlMedia{Control: ControlAudioRoute, Route: media.RouteSpeaker})
	}
	return append(effects, m.arm(TimerConnect, m.timeouts.Connect))
}

func (m *Machine) onHangup(now time.Time) []Effect {
	switch m.state {
	case StateRinging, StateConnecting:
		return m.end(history.Cancelled, "", signal.KindCallEnd, now)
	case StateConnected, StateReconnecting:
		return m.end(history.Completed, "", signal.KindCallEnd, now)
	}
	m.ignored(EndCall{})
	return nil
}

func (m *Machine) onSignal(msg signal.Message, now time.Time) []Effect {
	if msg.Kind == signal.KindCallRequest {
		return m.onCallRequest(msg, now)
	}
	if !m.active(msg.CallID) {
		m.logger.Debug().Str("call_id", msg.CallID).Str("type", string(msg.Kind)).Msg("signal for unknown call ignored")
		return nil
	}
	if msg.From != m.session.Peer.ID {
		m.logger.Warn().Str("call_id", msg.CallID).Str("from", msg.From).Msg("signal from unexpected peer ignored")
		return nil
	}
	id := m.session.CallID

	switch m.state {
	case StateRinging:
		switch msg.Kind {
		case signal.KindCallAccept:
			m.state = StateConnecting
			effects := []Effect{m.arm(TimerConnect, m.timeouts.Connect)}
			if m.stashedAnswer != "" {
				effects = append(effects, ApplyRemoteDescription{CallID: id, SDP: m.stashedAnswer})
				m.stashedAnswer = ""
			}
			return effects
		case signal.KindAnswer:
			m.stashedAnswer = msg.Payload
			return nil
		case signal.KindCallDecline:
			return m.end(history.Declined, "", "", now)
		}

	case StateIncoming:
		switch msg.Kind {
		case signal.KindOffer:
			m.stashedOffer = msg.Payload
			return nil
		case signal.KindICECandidate:
			m.stashedICE = append(m.stashedICE, msg.Payload)
			return nil
		case signal.KindCallEnd:
			return m.end(history.Missed, "", "", now)
		}

	case StateConnecting:
		switch msg.Kind {
		case signal.KindOffer:
			if m.session.Direction == proto.Incoming {
				return []Effect{ApplyRemoteDescription{CallID: id, SDP: msg.Payload}, CreateAnswer{CallID: id}}
			}
		case signal.KindAnswer:
			if m.session.Direction == proto.Outgoing {
				return []Effect{ApplyRemoteDescription{CallID: id, SDP: msg.Payload}}
			}
		case signal.KindICECandidate:
			return []Effect{AddRemoteCandidate{CallID: id, Candidate: msg.Payload}}
		case signal.KindCallEnd:
			return m.end(history.Cancelled, "", "", now)
		}

	case StateConnected, StateReconnecting:
		switch msg.Kind {
		case signal.KindICECandidate:
			return []Effect{AddRemoteCandidate{CallID: id, Candidate: msg.Payload}}
		case signal.KindCallEnd:
			return m.end(history.Completed, "", "", now)
		}
	}
	m.ignored(RemoteSignal{msg})
	return nil
}

func (m *Machine) onCallRequest(msg signal.Message, now time.Time) []Effect {
	if m.state == StateIdle {
		kind := msg.Media
		if !kind.Valid() {
			kind = proto.MediaAudio
		}
		m.begin(Session{
			CallID:    msg.CallID,
			Peer:      proto.Peer{ID: msg.From, DisplayName: msg.CallerName, AvatarRef: msg.CallerAvatar},
			Media:     kind,
			Direction: proto.Incoming,
			StartedAt: now,
		})
		m.state = StateIncoming
		return []Effect{m.arm(TimerIncoming, m.timeouts.Incoming)}
	}
	if m.active(msg.CallID) {
		m.logger.Debug().Str("call_id", msg.CallID).Msg("duplicate call request ignored")
		return nil
	}
	m.logger.Info().Str("call_id", msg.CallID).Str("from", msg.From).Msg("busy, declining call")
	busy := signal.New(signal.KindCallDecline, msg.CallID, m.self.ID, msg.From, msg.Media, now)
	return []Effect{SendSignal{busy}}
}

func (m *Machine) onMediaState(s media.ConnectionState, now time.Time) []Effect {
	switch {
	case s == media.StateConnected && m.state == StateConnecting:
		m.state = StateConnected
		m.accrued = 0
		m.connectedSince = now
		m.clockRunning = true
		return []Effect{m.disarm()}
	case s == media.StateConnected && m.state == StateReconnecting:
		m.state = StateConnected
		m.connectedSince = now
		m.clockRunning = true
		return []Effect{m.disarm()}
	case s == media.StateFailed && m.state == StateConnecting:
		return m.end(history.Failed, "media connection failed", signal.KindCallEnd, now)
	case (s == media.StateDisconnected || s == media.StateFailed) && m.state == StateConnected:
		m.state = StateReconnecting
		m.accrued += now.Sub(m.connectedSince)
		m.clockRunning = false
		return []Effect{m.arm(TimerReconnect, m.timeouts.Reconnect)}
	}
	m.ignored(MediaState{s})
	return nil
}

func (m *Machine) onMediaFailure(reason string, now time.Time) []Effect {
	switch m.state {
	case StateRinging, StateConnecting:
		return m.end(history.Failed, reason, signal.KindCallEnd, now)
	}
	m.logger.Warn().Str("state", string(m.state)).Str("reason", reason).Msg("media error")
	return nil
}

func (m *Machine) onTimer(ev TimerFired, now time.Time) []Effect {
	if ev.Kind != m.timerKind || ev.Gen != m.timerGen {
		m.logger.Debug().Stringer("timer", ev.Kind).Uint64("gen", ev.Gen).Msg("stale timer ignored")
		return nil
	}
	m.timerKind = timerNone

	switch {
	case ev.Kind == TimerRing && m.state == StateRinging:
		return m.end(history.NoAnswer, "", signal.KindCallEnd, now)
	case ev.Kind == TimerIncoming && m.state == StateIncoming:
		return m.end(history.Missed, "", signal.KindCallDecline, now)
	case ev.Kind == TimerConnect && m.state == StateConnecting:
		return m.end(history.Failed, "connect timeout", signal.KindCallEnd, now)
	case ev.Kind == TimerReconnect && m.state == StateReconnecting:
		return m.end(history.Failed, "reconnect timeout", signal.KindCallEnd, now)
	case ev.Kind == TimerTeardown && m.state == StateEnded:
		m.reset()
		return []Effect{DisposeMedia{}}
	}
	m.ignored(ev)
	return nil
}

// end moves to Ended, notifying the peer with notify unless it is empty,
// records the call and arms the teardown timer.
func (m *Machine) end(outcome history.Outcome, reason string, notify signal.Kind, now time.Time) []Effect {
	var seconds int64
	if outcome == history.Completed {
		seconds = int64(m.elapsed(now) / time.Second)
	}
	m.clockRunning = false

	effects := []Effect{m.disarm()}
	if notify != "" {
		effects = append(effects, SendSignal{m.message(notify, now)})
	}
	s := m.session
	effects = append(effects, RecordHistory{history.Entry{
		CallID:        s.CallID,
		PeerID:        s.Peer.ID,
		PeerName:      s.Peer.DisplayName,
		PeerAvatar:    s.Peer.AvatarRef,
		Media:         s.Media,
		Direction:     s.Direction,
		Outcome:       outcome,
		DurationSec:   seconds,
		FailureReason: reason,
		StartedAt:     s.StartedAt,
		EndedAt:       now,
	}})

	m.state = StateEnded
	m.outcome = outcome
	m.failure = reason
	m.finalSeconds = seconds
	m.stashedOffer, m.stashedAnswer, m.stashedICE = "", "", nil

	m.logger.Info().Str("call_id", s.CallID).Str("outcome", string(outcome)).Int64("duration_s", seconds).Msg("call ended")
	return append(effects, m.arm(TimerTeardown, m.timeouts.Teardown))
}

func (m *Machine) begin(s Session) {
	m.timeouts = m.next
	m.session = &s
	m.outcome, m.failure, m.finalSeconds = "", "", 0
	m.accrued, m.clockRunning = 0, false
	m.muted = false
	m.cameraOn = s.Media.HasVideo()
	m.speakerOn = false
	m.logger.Info().Str("call_id", s.CallID).Str("peer", s.Peer.ID).Str("direction", string(s.Direction)).
		Str("media", string(s.Media)).Msg("call started")
}

func (m *Machine) reset() {
	m.state = StateIdle
	m.session = nil
	m.outcome, m.failure, m.finalSeconds = "", "", 0
	m.accrued, m.clockRunning = 0, false
	m.muted, m.cameraOn, m.speakerOn = false, false, false
}

// arm supersedes whatever timer was armed before.
func (m *Machine) arm(kind TimerKind, d time.Duration) Effect {
	m.timerGen++
	m.timerKind = kind
	return ArmTimer{Kind: kind, Gen: m.timerGen, After: d}
}

func (m *Machine) disarm() Effect {
	m.timerKind = timerNone
	return DisarmTimers{}
}

func (m *Machine) message(kind signal.Kind, now time.Time) signal.Message {
	s := m.session
	return signal.New(kind, s.CallID, m.self.ID, s.Peer.ID, s.Media, now)
}
