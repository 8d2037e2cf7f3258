// Package relay carries signaling records between users over a pub/sub
// transport. Every user listens on a channel named after its user id;
// senders publish to the recipient's channel.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/signal"
)

// Transport is the pub/sub collaborator behind the adapter.
// Subscribe delivers raw records until ctx is done, then closes the channel.
type Transport interface {
	Publish(ctx context.Context, toUserID string, record []byte) error
	Subscribe(ctx context.Context, userID string) (<-chan []byte, error)
	Close() error
}

var ErrLoopbackInRelease = errors.New("relay: loopback transport is a simulation and is refused in release mode")

// SendError reports a failed publish. It never ends a call on its own.
type SendError struct {
	To     string
	CallID string
	Kind   signal.Kind
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("relay send %s to %s (call %s): %v", e.Kind, e.To, e.CallID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
