package call

import (
	"time"

	"github.com/petervdpas/goopcall/internal/history"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
)

// Event is an input to the Machine: a local command, a remote signal, a
// media callback or a timer firing.
type Event interface{ callEvent() }

// Local commands.
type (
	// StartCall carries the call id so Handle stays deterministic.
	StartCall struct {
		CallID string
		Peer   proto.Peer
		Media  proto.MediaKind
	}
	AnswerCall  struct{}
	DeclineCall struct{}
	CancelCall  struct{}
	EndCall     struct{}

	SetMuted         struct{ Muted bool }
	SetCameraEnabled struct{ Enabled bool }
	SetSpeaker       struct{ Enabled bool }
	SwitchCamera     struct{}
)

type RemoteSignal struct{ Msg signal.Message }

// Media callbacks and completions of work done off the loop.
type (
	MediaState     struct{ State media.ConnectionState }
	MediaError     struct{ Err error }
	LocalCandidate struct{ Candidate string }

	OfferCreated struct {
		CallID string
		SDP    string
	}
	AnswerCreated struct {
		CallID string
		SDP    string
	}
	// MediaOpFailed reports a failed offer, answer or remote description.
	MediaOpFailed struct {
		CallID string
		Op     string
		Err    error
	}
)

type TimerFired struct {
	Kind TimerKind
	Gen  uint64
}

func (StartCall) callEvent()        {}
func (AnswerCall) callEvent()       {}
func (DeclineCall) callEvent()      {}
func (CancelCall) callEvent()       {}
func (EndCall) callEvent()          {}
func (SetMuted) callEvent()         {}
func (SetCameraEnabled) callEvent() {}
func (SetSpeaker) callEvent()       {}
func (SwitchCamera) callEvent()     {}
func (RemoteSignal) callEvent()     {}
func (MediaState) callEvent()       {}
func (MediaError) callEvent()       {}
func (LocalCandidate) callEvent()   {}
func (OfferCreated) callEvent()     {}
func (AnswerCreated) callEvent()    {}
func (MediaOpFailed) callEvent()    {}
func (TimerFired) callEvent()       {}

// Effect is an instruction from the Machine to the Manager.
type Effect interface{ callEffect() }

type (
	SendSignal   struct{ Msg signal.Message }
	CreateOffer  struct{ CallID string }
	CreateAnswer struct{ CallID string }

	ApplyRemoteDescription struct {
		CallID string
		SDP    string
	}
	AddRemoteCandidate struct {
		CallID    string
		Candidate string
	}

	ArmTimer struct {
		Kind  TimerKind
		Gen   uint64
		After time.Duration
	}
	DisarmTimers struct{}

	RecordHistory struct{ Entry history.Entry }
	DisposeMedia  struct{}

	// ControlMedia forwards a local control to the engine.
	ControlMedia struct {
		Control Control
		On      bool
		Route   media.AudioRoute
	}
)

type Control int

const (
	ControlMicrophone Control = iota + 1
	ControlCamera
	ControlAudioRoute
	ControlSwitchCamera
)

func (SendSignal) callEffect()             {}
func (CreateOffer) callEffect()            {}
func (CreateAnswer) callEffect()           {}
func (ApplyRemoteDescription) callEffect() {}
func (AddRemoteCandidate) callEffect()     {}
func (ArmTimer) callEffect()               {}
func (DisarmTimers) callEffect()           {}
func (RecordHistory) callEffect()          {}
func (DisposeMedia) callEffect()           {}
func (ControlMedia) callEffect()           {}
