// Package history keeps the call log: a bounded in-memory list, newest
// first, mirrored best-effort into a durable store.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
)

type Outcome string

const (
	Completed Outcome = "completed"
	Missed    Outcome = "missed"
	Declined  Outcome = "declined"
	NoAnswer  Outcome = "no_answer"
	Cancelled Outcome = "cancelled"
	Failed    Outcome = "failed"
)

func (o Outcome) Valid() bool {
	switch o {
	case Completed, Missed, Declined, NoAnswer, Cancelled, Failed:
		return true
	}
	return false
}

// Entry is written exactly once per call, when the call ends.
// DurationSec is zero unless the outcome is Completed.
type Entry struct {
	CallID        string          `json:"call_id"`
	PeerID        string          `json:"peer_id"`
	PeerName      string          `json:"peer_name,omitempty"`
	PeerAvatar    string          `json:"peer_avatar,omitempty"`
	Media         proto.MediaKind `json:"media_kind"`
	Direction     proto.Direction `json:"direction"`
	Outcome       Outcome         `json:"outcome"`
	DurationSec   int64           `json:"duration_seconds"`
	FailureReason string          `json:"failure_reason,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       time.Time       `json:"ended_at"`
}

// Store persists entries per owner (the local user).
type Store interface {
	InsertCall(ctx context.Context, owner string, e Entry) error
	ListCalls(ctx context.Context, owner string, limit int) ([]Entry, error)
	DeleteCalls(ctx context.Context, owner string) error
}

var errInvalidEntry = errors.New("history: entry needs a call id and a known outcome")

func (e Entry) validate() error {
	if e.CallID == "" || !e.Outcome.Valid() {
		return errInvalidEntry
	}
	return nil
}
