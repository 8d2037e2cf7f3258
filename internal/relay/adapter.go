package relay

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/rs/zerolog"
)

// seenSize bounds the de-duplication window.
const seenSize = 1024

// Adapter turns transport records into signal messages for one local user.
type Adapter struct {
	self      string
	transport Transport
	logger    zerolog.Logger
	seen      *lru.Cache[string, struct{}]
}

func NewAdapter(self string, t Transport, logger zerolog.Logger) (*Adapter, error) {
	seen, err := lru.New[string, struct{}](seenSize)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		self:      self,
		transport: t,
		logger:    logger,
		seen:      seen,
	}, nil
}

// Start opens the standing subscription for the local user and forwards
// every accepted message to sink until ctx is done. sink runs on the
// subscription goroutine.
func (a *Adapter) Start(ctx context.Context, sink func(signal.Message)) error {
	ch, err := a.transport.Subscribe(ctx, a.self)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.self, err)
	}
	a.logger.Info().Str("user_id", a.self).Msg("listening for signals")

	go func() {
		for rec := range ch {
			if m, ok := a.accept(rec); ok {
				sink(m)
			}
		}
		a.logger.Debug().Msg("signal subscription closed")
	}()
	return nil
}

// accept decodes rec and applies the recipient and duplicate filters.
func (a *Adapter) accept(rec []byte) (signal.Message, bool) {
	m, err := signal.Decode(rec)
	if err != nil {
		var de *signal.DecodeError
		if errors.As(err, &de) && errors.Is(err, signal.ErrUnknownKind) {
			a.logger.Debug().Str("kind", de.Kind).Msg("dropping signal of unknown kind")
		} else {
			a.logger.Warn().Err(err).Msg("dropping undecodable signal")
		}
		return signal.Message{}, false
	}
	if m.To != a.self {
		return signal.Message{}, false
	}
	if m.ID != "" {
		if ok, _ := a.seen.ContainsOrAdd(m.ID, struct{}{}); ok {
			a.logger.Debug().Str("message_id", m.ID).Str("call_id", m.CallID).Msg("duplicate signal")
			return signal.Message{}, false
		}
	}
	return m, true
}

// Send publishes m to its recipient. Failures come back as *SendError.
func (a *Adapter) Send(ctx context.Context, m signal.Message) error {
	rec, err := signal.Encode(m)
	if err != nil {
		return &SendError{To: m.To, CallID: m.CallID, Kind: m.Kind, Err: err}
	}
	if err := a.transport.Publish(ctx, m.To, rec); err != nil {
		return &SendError{To: m.To, CallID: m.CallID, Kind: m.Kind, Err: err}
	}
	return nil
}

func (a *Adapter) Close() error { return a.transport.Close() }
