package call

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/history"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alice = proto.Peer{ID: "alice", DisplayName: "Alice", AvatarRef: "alice.png"}
	bob   = proto.Peer{ID: "bob", DisplayName: "Bob"}
)

func newTestMachine() *Machine {
	return NewMachine(alice, DefaultTimeouts(), zerolog.Nop())
}

func remote(kind signal.Kind, callID, from string) RemoteSignal {
	return RemoteSignal{Msg: signal.New(kind, callID, from, alice.ID, proto.MediaAudio, t0)}
}

func sentKinds(effects []Effect) []signal.Kind {
	var kinds []signal.Kind
	for _, e := range effects {
		if s, ok := e.(SendSignal); ok {
			kinds = append(kinds, s.Msg.Kind)
		}
	}
	return kinds
}

func findEffect[T Effect](t *testing.T, effects []Effect) T {
	t.Helper()
	for _, e := range effects {
		if v, ok := e.(T); ok {
			return v
		}
	}
	var zero T
	t.Fatalf("no %T in %#v", zero, effects)
	return zero
}

func hasEffect[T Effect](effects []Effect) bool {
	for _, e := range effects {
		if _, ok := e.(T); ok {
			return true
		}
	}
	return false
}

// outgoingConnected drives an outgoing call to Connected at t0+1s.
func outgoingConnected(t *testing.T, m *Machine) {
	t.Helper()
	m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudio}, t0)
	m.Handle(remote(signal.KindCallAccept, "c1", bob.ID), t0)
	m.Handle(MediaState{State: media.StateConnected}, t0.Add(time.Second))
	require.Equal(t, StateConnected, m.State())
}

func TestOutgoingCallLifecycle(t *testing.T) {
	m := newTestMachine()

	effects := m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudioVideo}, t0)
	assert.Equal(t, StateRinging, m.State())
	req := findEffect[SendSignal](t, effects).Msg
	assert.Equal(t, signal.KindCallRequest, req.Kind)
	assert.Equal(t, "Alice", req.CallerName)
	assert.Equal(t, "alice.png", req.CallerAvatar)
	assert.Equal(t, bob.ID, req.To)
	assert.Equal(t, "c1", findEffect[CreateOffer](t, effects).CallID)
	ring := findEffect[ArmTimer](t, effects)
	assert.Equal(t, TimerRing, ring.Kind)
	assert.Equal(t, 60*time.Second, ring.After)

	effects = m.Handle(OfferCreated{CallID: "c1", SDP: "offer-sdp"}, t0)
	offer := findEffect[SendSignal](t, effects).Msg
	assert.Equal(t, signal.KindOffer, offer.Kind)
	assert.Equal(t, "offer-sdp", offer.Payload)

	effects = m.Handle(remote(signal.KindCallAccept, "c1", bob.ID), t0.Add(3*time.Second))
	assert.Equal(t, StateConnecting, m.State())
	assert.Equal(t, TimerConnect, findEffect[ArmTimer](t, effects).Kind)

	answer := remote(signal.KindAnswer, "c1", bob.ID)
	answer.Msg.Payload = "answer-sdp"
	effects = m.Handle(answer, t0.Add(3*time.Second))
	assert.Equal(t, "answer-sdp", findEffect[ApplyRemoteDescription](t, effects).SDP)

	m.Handle(MediaState{State: media.StateConnected}, t0.Add(4*time.Second))
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, int64(10), m.Snapshot(t0.Add(14*time.Second+900*time.Millisecond)).DurationSec)

	effects = m.Handle(EndCall{}, t0.Add(69*time.Second+700*time.Millisecond))
	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, []signal.Kind{signal.KindCallEnd}, sentKinds(effects))
	entry := findEffect[RecordHistory](t, effects).Entry
	assert.Equal(t, history.Completed, entry.Outcome)
	assert.Equal(t, int64(65), entry.DurationSec)
	assert.Equal(t, proto.Outgoing, entry.Direction)
	assert.Equal(t, proto.MediaAudioVideo, entry.Media)
	assert.Equal(t, "Bob", entry.PeerName)
	assert.True(t, entry.StartedAt.Equal(t0))

	teardown := findEffect[ArmTimer](t, effects)
	assert.Equal(t, TimerTeardown, teardown.Kind)
	assert.Equal(t, 2*time.Second, teardown.After)

	snap := m.Snapshot(t0.Add(70 * time.Second))
	assert.Equal(t, history.Completed, snap.Outcome)
	assert.Equal(t, int64(65), snap.DurationSec)
	require.NotNil(t, snap.Session)

	effects = m.Handle(TimerFired{Kind: teardown.Kind, Gen: teardown.Gen}, t0.Add(72*time.Second))
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Session())
	assert.True(t, hasEffect[DisposeMedia](effects))
}

func TestIncomingCallAnsweredWithStashedSignals(t *testing.T) {
	m := newTestMachine()

	req := remote(signal.KindCallRequest, "c7", bob.ID)
	req.Msg.Media = proto.MediaAudioVideo
	req.Msg = req.Msg.WithCaller("Bob", "bob.png")
	effects := m.Handle(req, t0)
	assert.Equal(t, StateIncoming, m.State())
	assert.Equal(t, TimerIncoming, findEffect[ArmTimer](t, effects).Kind)
	s := m.Session()
	require.NotNil(t, s)
	assert.Equal(t, proto.Incoming, s.Direction)
	assert.Equal(t, "Bob", s.Peer.DisplayName)
	assert.Equal(t, "bob.png", s.Peer.AvatarRef)
	assert.True(t, m.Snapshot(t0).CameraOn)

	offer := remote(signal.KindOffer, "c7", bob.ID)
	offer.Msg.Payload = "offer-sdp"
	assert.Empty(t, m.Handle(offer, t0))
	for _, c := range []string{"cand-1", "cand-2"} {
		ice := remote(signal.KindICECandidate, "c7", bob.ID)
		ice.Msg.Payload = c
		assert.Empty(t, m.Handle(ice, t0))
	}
	m.Handle(SetMuted{Muted: true}, t0)

	effects = m.Handle(AnswerCall{}, t0.Add(2*time.Second))
	assert.Equal(t, StateConnecting, m.State())
	require.Len(t, effects, 7)
	assert.Equal(t, signal.KindCallAccept, effects[0].(SendSignal).Msg.Kind)
	assert.Equal(t, ApplyRemoteDescription{CallID: "c7", SDP: "offer-sdp"}, effects[1])
	assert.Equal(t, CreateAnswer{CallID: "c7"}, effects[2])
	assert.Equal(t, AddRemoteCandidate{CallID: "c7", Candidate: "cand-1"}, effects[3])
	assert.Equal(t, AddRemoteCandidate{CallID: "c7", Candidate: "cand-2"}, effects[4])
	assert.Equal(t, ControlMedia{Control: ControlMicrophone, On: false}, effects[5])
	assert.Equal(t, TimerConnect, effects[6].(ArmTimer).Kind)

	effects = m.Handle(AnswerCreated{CallID: "c7", SDP: "answer-sdp"}, t0.Add(2*time.Second))
	ans := findEffect[SendSignal](t, effects).Msg
	assert.Equal(t, signal.KindAnswer, ans.Kind)
	assert.Equal(t, "answer-sdp", ans.Payload)
	assert.Equal(t, bob.ID, ans.To)
}

func TestEarlyAnswerAppliedOnAccept(t *testing.T) {
	m := newTestMachine()
	m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudio}, t0)

	answer := remote(signal.KindAnswer, "c1", bob.ID)
	answer.Msg.Payload = "early"
	assert.Empty(t, m.Handle(answer, t0))
	assert.Equal(t, StateRinging, m.State())

	effects := m.Handle(remote(signal.KindCallAccept, "c1", bob.ID), t0)
	assert.Equal(t, "early", findEffect[ApplyRemoteDescription](t, effects).SDP)
}

func TestBusyAutoDecline(t *testing.T) {
	m := newTestMachine()
	outgoingConnected(t, m)

	effects := m.Handle(remote(signal.KindCallRequest, "other", "carol"), t0.Add(5*time.Second))
	require.Len(t, effects, 1)
	decline := effects[0].(SendSignal).Msg
	assert.Equal(t, signal.KindCallDecline, decline.Kind)
	assert.Equal(t, "other", decline.CallID)
	assert.Equal(t, "carol", decline.To)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, "c1", m.Session().CallID)

	// The active call's own request again is just a duplicate.
	assert.Empty(t, m.Handle(remote(signal.KindCallRequest, "c1", bob.ID), t0))
}

func TestSignalsForOtherCallsOrPeersIgnored(t *testing.T) {
	m := newTestMachine()
	outgoingConnected(t, m)

	assert.Empty(t, m.Handle(remote(signal.KindCallEnd, "stale", bob.ID), t0.Add(2*time.Second)))
	assert.Empty(t, m.Handle(remote(signal.KindCallEnd, "c1", "mallory"), t0.Add(2*time.Second)))
	assert.Equal(t, StateConnected, m.State())

	effects := m.Handle(remote(signal.KindCallEnd, "c1", bob.ID), t0.Add(3*time.Second))
	assert.Equal(t, StateEnded, m.State())
	assert.Empty(t, sentKinds(effects), "remote hangup is not echoed")
	assert.Equal(t, history.Completed, findEffect[RecordHistory](t, effects).Entry.Outcome)
}

func TestTimeoutOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(m *Machine)
		outcome history.Outcome
		reason  string
		notify  signal.Kind
	}{
		{
			name:    "ring timeout",
			setup:   func(m *Machine) { m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudio}, t0) },
			outcome: history.NoAnswer,
			notify:  signal.KindCallEnd,
		},
		{
			name:    "incoming timeout",
			setup:   func(m *Machine) { m.Handle(remote(signal.KindCallRequest, "c1", bob.ID), t0) },
			outcome: history.Missed,
			notify:  signal.KindCallDecline,
		},
		{
			name: "connect timeout",
			setup: func(m *Machine) {
				m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudio}, t0)
				m.Handle(remote(signal.KindCallAccept, "c1", bob.ID), t0)
			},
			outcome: history.Failed,
			reason:  "connect timeout",
			notify:  signal.KindCallEnd,
		},
		{
			name: "reconnect timeout",
			setup: func(m *Machine) {
				m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudio}, t0)
				m.Handle(remote(signal.KindCallAccept, "c1", bob.ID), t0)
				m.Handle(MediaState{State: media.StateConnected}, t0)
				m.Handle(MediaState{State: media.StateDisconnected}, t0.Add(30*time.Second))
			},
			outcome: history.Failed,
			reason:  "reconnect timeout",
			notify:  signal.KindCallEnd,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine()
			tt.setup(m)
			fire := TimerFired{Kind: m.timerKind, Gen: m.timerGen}

			effects := m.Handle(fire, t0.Add(time.Hour))
			assert.Equal(t, StateEnded, m.State())
			entry := findEffect[RecordHistory](t, effects).Entry
			assert.Equal(t, tt.outcome, entry.Outcome)
			assert.Equal(t, tt.reason, entry.FailureReason)
			assert.Zero(t, entry.DurationSec)
			assert.Equal(t, []signal.Kind{tt.notify}, sentKinds(effects))

			// Firing the same timer again is stale.
			assert.Empty(t, m.Handle(fire, t0.Add(time.Hour)))
		})
	}
}

func TestStaleTimerIgnored(t *testing.T) {
	m := newTestMachine()
	effects := m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudio}, t0)
	ring := findEffect[ArmTimer](t, effects)

	m.Handle(remote(signal.KindCallAccept, "c1", bob.ID), t0)
	assert.Empty(t, m.Handle(TimerFired{Kind: ring.Kind, Gen: ring.Gen}, t0.Add(time.Minute)))
	assert.Equal(t, StateConnecting, m.State())
}

func TestDurationPausesWhileReconnecting(t *testing.T) {
	m := newTestMachine()
	outgoingConnected(t, m) // connected at t0+1s

	m.Handle(MediaState{State: media.StateDisconnected}, t0.Add(11*time.Second))
	assert.Equal(t, StateReconnecting, m.State())
	assert.Equal(t, int64(10), m.Snapshot(t0.Add(25*time.Second)).DurationSec)

	m.Handle(MediaState{State: media.StateConnected}, t0.Add(26*time.Second))
	assert.Equal(t, StateConnected, m.State())

	effects := m.Handle(EndCall{}, t0.Add(31*time.Second+500*time.Millisecond))
	assert.Equal(t, int64(15), findEffect[RecordHistory](t, effects).Entry.DurationSec)
}

func TestReconnectingResumesClockAndTimesOut(t *testing.T) {
	m := newTestMachine()
	outgoingConnected(t, m) // connected at t0+1s

	effects := m.Handle(MediaState{State: media.StateDisconnected}, t0.Add(11*time.Second))
	require.Equal(t, StateReconnecting, m.State())
	stale := findEffect[ArmTimer](t, effects)
	assert.Equal(t, TimerReconnect, stale.Kind)

	m.Handle(MediaState{State: media.StateConnected}, t0.Add(12*time.Second))
	require.Equal(t, StateConnected, m.State())
	assert.Equal(t, int64(98), m.Snapshot(t0.Add(100*time.Second)).DurationSec)

	// The timer armed for the first outage no longer applies.
	assert.Empty(t, m.Handle(TimerFired{Kind: stale.Kind, Gen: stale.Gen}, t0.Add(40*time.Second)))
	assert.Equal(t, StateConnected, m.State())

	effects = m.Handle(MediaState{State: media.StateFailed}, t0.Add(50*time.Second))
	require.Equal(t, StateReconnecting, m.State())
	timer := findEffect[ArmTimer](t, effects)

	effects = m.Handle(TimerFired{Kind: timer.Kind, Gen: timer.Gen}, t0.Add(70*time.Second))
	assert.Equal(t, StateEnded, m.State())
	entry := findEffect[RecordHistory](t, effects).Entry
	assert.Equal(t, history.Failed, entry.Outcome)
	assert.Equal(t, "reconnect timeout", entry.FailureReason)
	assert.Zero(t, entry.DurationSec)
}

func TestMediaFailureWhileConnecting(t *testing.T) {
	m := newTestMachine()
	m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudio}, t0)
	m.Handle(remote(signal.KindCallAccept, "c1", bob.ID), t0)

	effects := m.Handle(MediaOpFailed{CallID: "c1", Op: "apply remote description", Err: fmt.Errorf("bad sdp")}, t0)
	entry := findEffect[RecordHistory](t, effects).Entry
	assert.Equal(t, history.Failed, entry.Outcome)
	assert.Equal(t, "apply remote description: bad sdp", entry.FailureReason)
}

func TestLocalHangupIsIdempotent(t *testing.T) {
	m := newTestMachine()
	outgoingConnected(t, m)

	first := m.Handle(EndCall{}, t0.Add(5*time.Second))
	require.True(t, hasEffect[RecordHistory](first))
	assert.Empty(t, m.Handle(EndCall{}, t0.Add(5*time.Second)))
	assert.Empty(t, m.Handle(CancelCall{}, t0.Add(5*time.Second)))
	assert.Empty(t, m.Handle(DeclineCall{}, t0.Add(5*time.Second)))
}

func TestCancelBeforeAnswer(t *testing.T) {
	m := newTestMachine()
	m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudio}, t0)

	effects := m.Handle(CancelCall{}, t0.Add(time.Second))
	assert.Equal(t, history.Cancelled, findEffect[RecordHistory](t, effects).Entry.Outcome)
	assert.Equal(t, []signal.Kind{signal.KindCallEnd}, sentKinds(effects))
}

func TestControlsNeedASession(t *testing.T) {
	m := newTestMachine()
	assert.Empty(t, m.Handle(SetMuted{Muted: true}, t0))
	assert.Empty(t, m.Handle(SwitchCamera{}, t0))
	assert.False(t, m.Snapshot(t0).Muted)

	m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudioVideo}, t0)
	assert.Equal(t, []Effect{ControlMedia{Control: ControlMicrophone, On: false}}, m.Handle(SetMuted{Muted: true}, t0))
	assert.Equal(t, []Effect{ControlMedia{Control: ControlCamera, On: false}}, m.Handle(SetCameraEnabled{Enabled: false}, t0))
	assert.Equal(t, []Effect{ControlMedia{Control: ControlAudioRoute, Route: media.RouteSpeaker}},
		m.Handle(SetSpeaker{Enabled: true}, t0))
	assert.Equal(t, []Effect{ControlMedia{Control: ControlSwitchCamera}}, m.Handle(SwitchCamera{}, t0))

	snap := m.Snapshot(t0)
	assert.True(t, snap.Muted)
	assert.False(t, snap.CameraOn)
	assert.True(t, snap.SpeakerOn)
}

func TestSetTimeoutsAppliesToNextCall(t *testing.T) {
	m := newTestMachine()
	m.Handle(StartCall{CallID: "c1", Peer: bob, Media: proto.MediaAudio}, t0)

	short := DefaultTimeouts()
	short.Connect = 5 * time.Second
	m.SetTimeouts(short)

	effects := m.Handle(remote(signal.KindCallAccept, "c1", bob.ID), t0)
	assert.Equal(t, 30*time.Second, findEffect[ArmTimer](t, effects).After)

	effects = m.Handle(EndCall{}, t0)
	teardown := findEffect[ArmTimer](t, effects)
	m.Handle(TimerFired{Kind: teardown.Kind, Gen: teardown.Gen}, t0)

	m.Handle(StartCall{CallID: "c2", Peer: bob, Media: proto.MediaAudio}, t0)
	effects = m.Handle(remote(signal.KindCallAccept, "c2", bob.ID), t0)
	assert.Equal(t, 5*time.Second, findEffect[ArmTimer](t, effects).After)
}

// randomEvent mixes valid, stale and foreign inputs.
func randomEvent(rng *rand.Rand, m *Machine, lastArm ArmTimer, step int) Event {
	current := fmt.Sprintf("gone-%d", step)
	peer := bob.ID
	if s := m.Session(); s != nil {
		current = s.CallID
		peer = s.Peer.ID
	}
	callID := current
	if rng.Intn(5) == 0 {
		callID = fmt.Sprintf("other-%d", step)
	}
	from := peer
	if rng.Intn(6) == 0 {
		from = "mallory"
	}
	kinds := []signal.Kind{
		signal.KindCallAccept, signal.KindCallDecline, signal.KindCallEnd,
		signal.KindOffer, signal.KindAnswer, signal.KindICECandidate,
	}
	states := []media.ConnectionState{media.StateConnected, media.StateDisconnected, media.StateFailed}

	switch rng.Intn(14) {
	case 0:
		return StartCall{CallID: fmt.Sprintf("out-%d", step), Peer: bob, Media: proto.MediaAudio}
	case 1:
		return RemoteSignal{Msg: signal.New(signal.KindCallRequest, fmt.Sprintf("in-%d", step), "bob", alice.ID, proto.MediaAudioVideo, t0)}
	case 2:
		return AnswerCall{}
	case 3:
		return DeclineCall{}
	case 4:
		return CancelCall{}
	case 5:
		return EndCall{}
	case 6, 7:
		msg := signal.New(kinds[rng.Intn(len(kinds))], callID, from, alice.ID, proto.MediaAudio, t0)
		return RemoteSignal{Msg: msg.WithPayload("p")}
	case 8, 9:
		return MediaState{State: states[rng.Intn(len(states))]}
	case 10:
		return MediaError{Err: fmt.Errorf("boom")}
	case 11:
		return OfferCreated{CallID: callID, SDP: "sdp"}
	case 12:
		return SetMuted{Muted: rng.Intn(2) == 0}
	default:
		gen := lastArm.Gen
		if rng.Intn(4) == 0 {
			gen--
		}
		return TimerFired{Kind: lastArm.Kind, Gen: gen}
	}
}

func sessionID(m *Machine) string {
	if s := m.Session(); s != nil {
		return s.CallID
	}
	return ""
}

func TestMachineInvariantsUnderRandomEvents(t *testing.T) {
	visited := map[State]bool{}
	for seed := int64(1); seed <= 200; seed++ {
		rng := rand.New(rand.NewSource(seed))
		m := newTestMachine()
		now := t0
		recorded := map[string]int{}
		var lastArm ArmTimer
		prevState, prevDur := m.State(), int64(0)

		for step := 0; step < 300; step++ {
			now = now.Add(time.Duration(rng.Intn(20_000)) * time.Millisecond)

			// Time passing alone moves the duration only while connected.
			durBefore := m.Snapshot(now).DurationSec
			require.GreaterOrEqual(t, durBefore, prevDur, "seed %d step %d", seed, step)
			if prevState != StateConnected {
				require.Equal(t, prevDur, durBefore, "seed %d step %d: clock ran in %s", seed, step, prevState)
			}

			ev := randomEvent(rng, m, lastArm, step)
			before, beforeID := m.State(), sessionID(m)
			effects := m.Handle(ev, now)
			visited[m.State()] = true

			if ms, ok := ev.(MediaState); ok && before == StateConnected &&
				(ms.State == media.StateDisconnected || ms.State == media.StateFailed) {
				require.Equal(t, StateReconnecting, m.State(), "seed %d step %d", seed, step)
			}

			after := m.Snapshot(now)
			// Only completed calls keep their duration; other endings report zero.
			keeps := after.State != StateEnded || after.Outcome == history.Completed
			if beforeID != "" && beforeID == sessionID(m) && keeps {
				require.Equal(t, durBefore, after.DurationSec, "seed %d step %d: %T changed the duration", seed, step, ev)
			}
			prevState, prevDur = m.State(), after.DurationSec

			records := 0
			for _, e := range effects {
				switch e := e.(type) {
				case RecordHistory:
					records++
					recorded[e.Entry.CallID]++
					require.True(t, e.Entry.Outcome.Valid())
					if e.Entry.Outcome != history.Completed {
						require.Zero(t, e.Entry.DurationSec, "seed %d step %d", seed, step)
					}
					require.GreaterOrEqual(t, e.Entry.DurationSec, int64(0))
				case ArmTimer:
					lastArm = e
				}
			}

			require.Equal(t, m.State() != StateIdle, m.Session() != nil, "seed %d step %d: session iff not idle", seed, step)
			if m.State() == StateEnded && before != StateEnded {
				require.Equal(t, 1, records, "seed %d step %d", seed, step)
				require.Equal(t, 1, recorded[m.Session().CallID])
			} else {
				require.Zero(t, records, "seed %d step %d: history only on entering Ended", seed, step)
			}
		}
		for id, n := range recorded {
			require.Equal(t, 1, n, "seed %d call %s recorded %d times", seed, id, n)
		}
	}
	for _, st := range []State{StateIdle, StateRinging, StateIncoming, StateConnecting, StateConnected, StateReconnecting, StateEnded} {
		assert.True(t, visited[st], "state %s never reached", st)
	}
}
