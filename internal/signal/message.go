// Package signal implements the session-control messages exchanged between
// call peers over the relay channel.
//
// Wire format: one JSON object per relay record, using the relay table's
// column names (call_id, from_user_id, to_user_id, type, payload, ...).
//
// Call signaling sequence:
//
//	caller                          callee
//	──────────────────────────────────────────────────────────
//	call_request  ────────────────► (incoming call)
//	offer         ────────────────► (stashed until answered)
//	              ◄──────────────── call_accept (on answer)
//	              ◄──────────────── answer
//	ice_candidate ◄───────────────► ice_candidate (trickle, both ways)
//	call_end      ────────────────► (or either side, any time)
package signal

import (
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/proto"
)

// Kind is the value of the "type" field of a relay record.
type Kind string

const (
	KindCallRequest  Kind = "call_request"  // caller → callee: initiate a call
	KindCallAccept   Kind = "call_accept"   // callee → caller: call answered
	KindCallDecline  Kind = "call_decline"  // callee → caller: declined, busy or missed
	KindCallEnd      Kind = "call_end"      // either side: hang up / cancel
	KindOffer        Kind = "offer"         // caller → callee: session description
	KindAnswer       Kind = "answer"        // callee → caller: session description
	KindICECandidate Kind = "ice_candidate" // either → other: trickle ICE candidate
)

var knownKinds = map[Kind]struct{}{
	KindCallRequest:  {},
	KindCallAccept:   {},
	KindCallDecline:  {},
	KindCallEnd:      {},
	KindOffer:        {},
	KindAnswer:       {},
	KindICECandidate: {},
}

// Known reports whether k is a kind this version understands.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Message is an immutable signaling message.
type Message struct {
	ID     string // for idempotent de-duplication
	CallID string
	From   string
	To     string
	Kind   Kind

	// Payload is an encoded session description or ICE candidate; opaque here.
	Payload string
	Media   proto.MediaKind

	// Caller identity, only meaningful on call_request.
	CallerName   string
	CallerAvatar string

	SentAt time.Time
}

// New builds a message with a fresh message ID stamped at now.
func New(kind Kind, callID, from, to string, media proto.MediaKind, now time.Time) Message {
	return Message{
		ID:     uuid.NewString(),
		CallID: callID,
		From:   from,
		To:     to,
		Kind:   kind,
		Media:  media,
		SentAt: now,
	}
}

// WithPayload returns a copy of m carrying payload.
func (m Message) WithPayload(payload string) Message {
	m.Payload = payload
	return m
}

// WithCaller returns a copy of m carrying the caller's display identity.
func (m Message) WithCaller(name, avatar string) Message {
	m.CallerName = name
	m.CallerAvatar = avatar
	return m
}

// record is the relay wire shape.
type record struct {
	MessageID    string `json:"message_id,omitempty"`
	CallID       string `json:"call_id"`
	FromUserID   string `json:"from_user_id"`
	ToUserID     string `json:"to_user_id"`
	Type         string `json:"type"`
	Payload      string `json:"payload,omitempty"`
	CallType     string `json:"call_type,omitempty"`
	CallerName   string `json:"caller_name,omitempty"`
	CallerAvatar string `json:"caller_avatar,omitempty"`
	SentAt       int64  `json:"sent_at,omitempty"` // unix millis
}
