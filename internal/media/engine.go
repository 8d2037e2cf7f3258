// Package media adapts a WebRTC peer connection to the call session.
//
// The Engine port hides the platform media stack. The session never touches
// pion types: descriptions and candidates cross the boundary as opaque JSON
// strings, and everything the connection reports comes back on Events.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
)

// Engine is the media port used by the call manager.
//
// CreateConnection must be called before any other operation of a call.
// Dispose releases the connection and capture devices; it is idempotent and
// a later CreateConnection starts a fresh connection.
type Engine interface {
	CreateConnection(kind proto.MediaKind) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, payload string) error
	AddRemoteICECandidate(ctx context.Context, payload string) error

	SetMicrophoneEnabled(on bool)
	SetCameraEnabled(on bool)
	SetAudioRoute(route AudioRoute)
	SwitchCamera() error

	Quality() QualitySnapshot
	Events() <-chan Event
	Dispose() error
}

// ErrMediaInit matches every *InitError.
var ErrMediaInit = errors.New("media: init failed")

// ErrNoConnection is returned by operations issued before CreateConnection
// or after Dispose.
var ErrNoConnection = errors.New("media: no connection")

// InitError reports that a connection could not be created, typically
// because capture devices were denied or missing.
type InitError struct {
	Kind proto.MediaKind
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("media init (%s): %v", e.Kind, e.Err)
}

func (e *InitError) Unwrap() []error { return []error{ErrMediaInit, e.Err} }

type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
)

type AudioRoute string

const (
	RouteEarpiece  AudioRoute = "earpiece"
	RouteSpeaker   AudioRoute = "speaker"
	RouteBluetooth AudioRoute = "bluetooth"
)

func (r AudioRoute) Valid() bool {
	switch r {
	case RouteEarpiece, RouteSpeaker, RouteBluetooth:
		return true
	}
	return false
}

// Event is one of EventConnectionState, EventLocalCandidate, EventError or
// EventQuality.
type Event interface{ mediaEvent() }

type EventConnectionState struct{ State ConnectionState }

// EventLocalCandidate carries a gathered local candidate, already encoded for
// the ice_candidate signal payload.
type EventLocalCandidate struct{ Candidate string }

type EventError struct {
	Op  string
	Err error
}

type EventQuality struct{ Snapshot QualitySnapshot }

func (EventConnectionState) mediaEvent() {}
func (EventLocalCandidate) mediaEvent()  {}
func (EventError) mediaEvent()           {}
func (EventQuality) mediaEvent()         {}

// QualitySnapshot is the latest connection quality sample.
type QualitySnapshot struct {
	RTTMillis       float64   `json:"rtt_ms"`
	PacketsLost     int64     `json:"packets_lost"`
	FractionLost    float64   `json:"fraction_lost"`
	Jitter          uint32    `json:"jitter"`
	PacketsReceived uint64    `json:"packets_received"`
	InboundKbps     float64   `json:"inbound_kbps"`
	OutboundKbps    float64   `json:"outbound_kbps"`
	SampledAt       time.Time `json:"sampled_at"`
}
