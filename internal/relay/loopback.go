package relay

import (
	"context"
	"sync"
)

const loopbackBuffer = 256

// Bus is an in-process pub/sub used by the loopback transport. It is a
// development and test simulation; nothing leaves the process.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*loopbackSub]struct{}
}

type loopbackSub struct {
	ch   chan []byte
	done chan struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*loopbackSub]struct{})}
}

var (
	sharedOnce sync.Once
	shared     *Bus
)

// SharedBus returns the process-wide bus used when several peers run in one
// process.
func SharedBus() *Bus {
	sharedOnce.Do(func() { shared = NewBus() })
	return shared
}

func (b *Bus) publish(ctx context.Context, to string, rec []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[to] {
		// Each subscriber gets its own copy.
		cp := append([]byte(nil), rec...)
		select {
		case s.ch <- cp:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) subscribe(ctx context.Context, user string) <-chan []byte {
	s := &loopbackSub{
		ch:   make(chan []byte, loopbackBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs[user] == nil {
		b.subs[user] = make(map[*loopbackSub]struct{})
	}
	b.subs[user][s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		close(s.done)
		b.mu.Lock()
		delete(b.subs[user], s)
		if len(b.subs[user]) == 0 {
			delete(b.subs, user)
		}
		b.mu.Unlock()
		close(s.ch)
	}()
	return s.ch
}

// LoopbackTransport publishes onto a Bus.
type LoopbackTransport struct {
	bus *Bus
}

// NewLoopback refuses to build a simulated transport for a release config.
func NewLoopback(bus *Bus, release bool) (*LoopbackTransport, error) {
	if release {
		return nil, ErrLoopbackInRelease
	}
	return &LoopbackTransport{bus: bus}, nil
}

func (t *LoopbackTransport) Publish(ctx context.Context, toUserID string, record []byte) error {
	return t.bus.publish(ctx, toUserID, record)
}

func (t *LoopbackTransport) Subscribe(ctx context.Context, userID string) (<-chan []byte, error) {
	return t.bus.subscribe(ctx, userID), nil
}

func (t *LoopbackTransport) Close() error { return nil }
