package call

import (
	"errors"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/history"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
)

var (
	// ErrBusy is returned by StartCall while another call is in progress.
	ErrBusy = errors.New("call: another call is in progress")
	// ErrNoIncomingCall is returned by AnswerCall when nothing is ringing.
	ErrNoIncomingCall = errors.New("call: no incoming call")
	// ErrInvalidCall wraps bad StartCall arguments.
	ErrInvalidCall = errors.New("call: invalid call")
	// ErrStopped is returned once the manager's Run has returned.
	ErrStopped = errors.New("call: manager stopped")
)

type State string

const (
	StateIdle         State = "idle"
	StateRinging      State = "ringing"
	StateIncoming     State = "incoming"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateEnded        State = "ended"
)

// Session is the active call. It exists exactly while the state is not Idle.
type Session struct {
	CallID    string          `json:"call_id"`
	Peer      proto.Peer      `json:"peer"`
	Media     proto.MediaKind `json:"media_kind"`
	Direction proto.Direction `json:"direction"`
	StartedAt time.Time       `json:"started_at"`
}

type Timeouts struct {
	Ring      time.Duration
	Incoming  time.Duration
	Connect   time.Duration
	Reconnect time.Duration
	Teardown  time.Duration
}

// DefaultTimeouts matches config.Default().
func DefaultTimeouts() Timeouts {
	return TimeoutsFromConfig(config.Default().Call)
}

func TimeoutsFromConfig(c config.Call) Timeouts {
	return Timeouts{
		Ring:      c.RingTimeout(),
		Incoming:  c.IncomingTimeout(),
		Connect:   c.ConnectTimeout(),
		Reconnect: c.ReconnectTimeout(),
		Teardown:  c.TeardownDelay(),
	}
}

type TimerKind int

const (
	timerNone TimerKind = iota
	TimerRing
	TimerIncoming
	TimerConnect
	TimerReconnect
	TimerTeardown
)

func (k TimerKind) String() string {
	switch k {
	case TimerRing:
		return "ring"
	case TimerIncoming:
		return "incoming"
	case TimerConnect:
		return "connect"
	case TimerReconnect:
		return "reconnect"
	case TimerTeardown:
		return "teardown"
	}
	return "none"
}

// Snapshot is what observers see. Session is nil while Idle.
type Snapshot struct {
	State         State                  `json:"state"`
	Session       *Session               `json:"session,omitempty"`
	Outcome       history.Outcome        `json:"outcome,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	DurationSec   int64                  `json:"duration_seconds"`
	Quality       *media.QualitySnapshot `json:"quality,omitempty"`
	Muted         bool                   `json:"muted"`
	CameraOn      bool                   `json:"camera_on"`
	SpeakerOn     bool                   `json:"speaker_on"`
	LastError     string                 `json:"last_error,omitempty"`
}
