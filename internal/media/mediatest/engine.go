// Package mediatest provides an in-memory media.Engine for tests.
package mediatest

import (
	"context"
	"errors"
	"sync"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
)

// Engine records every call and lets the test drive connection events.
// Remote candidates received before a remote description are held back
// the way the pion engine does.
type Engine struct {
	// FailCreate, when set, makes CreateConnection fail with an InitError.
	FailCreate error
	// FailOffer, when set, makes CreateOffer and CreateAnswer fail.
	FailOffer error

	events chan media.Event

	mu            sync.Mutex
	open          bool
	kinds         []proto.MediaKind
	remoteDescs   []string
	candidates    []string
	pending       []string
	offers        int
	answers       int
	disposed      int
	mic           bool
	camera        bool
	route         media.AudioRoute
	switches      int
	hasRemoteDesc bool
}

func New() *Engine {
	return &Engine{
		events: make(chan media.Event, 64),
		mic:    true,
		camera: true,
		route:  media.RouteEarpiece,
	}
}

func (e *Engine) Events() <-chan media.Event { return e.events }

// Emit queues a media event as if the connection had produced it.
func (e *Engine) Emit(ev media.Event) { e.events <- ev }

func (e *Engine) CreateConnection(kind proto.MediaKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailCreate != nil {
		return &media.InitError{Kind: kind, Err: e.FailCreate}
	}
	if e.open {
		return &media.InitError{Kind: kind, Err: errors.New("connection already exists")}
	}
	e.open = true
	e.hasRemoteDesc = false
	e.pending = nil
	e.mic, e.camera = true, true
	e.kinds = append(e.kinds, kind)
	return nil
}

func (e *Engine) CreateOffer(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return "", media.ErrNoConnection
	}
	if e.FailOffer != nil {
		return "", e.FailOffer
	}
	e.offers++
	return `{"type":"offer","sdp":"v=0 fake-offer"}`, nil
}

func (e *Engine) CreateAnswer(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return "", media.ErrNoConnection
	}
	if e.FailOffer != nil {
		return "", e.FailOffer
	}
	e.answers++
	return `{"type":"answer","sdp":"v=0 fake-answer"}`, nil
}

func (e *Engine) SetRemoteDescription(_ context.Context, payload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return media.ErrNoConnection
	}
	e.remoteDescs = append(e.remoteDescs, payload)
	e.hasRemoteDesc = true
	e.candidates = append(e.candidates, e.pending...)
	e.pending = nil
	return nil
}

func (e *Engine) AddRemoteICECandidate(_ context.Context, payload string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return media.ErrNoConnection
	}
	if !e.hasRemoteDesc {
		e.pending = append(e.pending, payload)
		return nil
	}
	e.candidates = append(e.candidates, payload)
	return nil
}

func (e *Engine) SetMicrophoneEnabled(on bool) {
	e.mu.Lock()
	e.mic = on
	e.mu.Unlock()
}

func (e *Engine) SetCameraEnabled(on bool) {
	e.mu.Lock()
	e.camera = on
	e.mu.Unlock()
}

func (e *Engine) SetAudioRoute(route media.AudioRoute) {
	e.mu.Lock()
	e.route = route
	e.mu.Unlock()
}

func (e *Engine) SwitchCamera() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return media.ErrNoConnection
	}
	e.switches++
	return nil
}

func (e *Engine) Quality() media.QualitySnapshot { return media.QualitySnapshot{} }

func (e *Engine) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		e.open = false
		e.disposed++
	}
	return nil
}

// Snapshot is a copy of what the engine has seen so far.
type Snapshot struct {
	Open               bool
	Kinds              []proto.MediaKind
	Offers             int
	Answers            int
	RemoteDescriptions []string
	Candidates         []string
	PendingCandidates  int
	Disposed           int
	Microphone         bool
	Camera             bool
	Route              media.AudioRoute
	CameraSwitches     int
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Open:               e.open,
		Kinds:              append([]proto.MediaKind(nil), e.kinds...),
		Offers:             e.offers,
		Answers:            e.answers,
		RemoteDescriptions: append([]string(nil), e.remoteDescs...),
		Candidates:         append([]string(nil), e.candidates...),
		PendingCandidates:  len(e.pending),
		Disposed:           e.disposed,
		Microphone:         e.mic,
		Camera:             e.camera,
		Route:              e.route,
		CameraSwitches:     e.switches,
	}
}

var _ media.Engine = (*Engine)(nil)
