package signal

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "goopcall/signal.json"

var (
	ErrMalformed    = errors.New("signal: malformed message")
	ErrMissingField = errors.New("signal: missing required field")
	ErrUnknownKind  = errors.New("signal: unknown message kind")
)

// DecodeError describes why an inbound record was rejected.
// Reason is one of ErrMalformed, ErrMissingField or ErrUnknownKind.
type DecodeError struct {
	Reason error
	Field  string // set for ErrMissingField
	Kind   string // set for ErrUnknownKind
	Err    error  // underlying parse or schema error, may be nil
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%v: %s", e.Reason, e.Field)
	case e.Kind != "":
		return fmt.Sprintf("%v: %q", e.Reason, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Reason, e.Err)
	}
	return e.Reason.Error()
}

func (e *DecodeError) Unwrap() error { return e.Reason }

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// Encode serializes m as a relay record. A message ID is generated when m has none.
func Encode(m Message) ([]byte, error) {
	if m.CallID == "" {
		return nil, fmt.Errorf("encode: %w: call_id", ErrMissingField)
	}
	if !m.Kind.Known() {
		return nil, fmt.Errorf("encode: %w: %q", ErrUnknownKind, m.Kind)
	}
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	r := record{
		MessageID:    id,
		CallID:       m.CallID,
		FromUserID:   m.From,
		ToUserID:     m.To,
		Type:         string(m.Kind),
		Payload:      m.Payload,
		CallType:     string(m.Media),
		CallerName:   m.CallerName,
		CallerAvatar: m.CallerAvatar,
	}
	if !m.SentAt.IsZero() {
		r.SentAt = m.SentAt.UnixMilli()
	}
	return json.Marshal(r)
}

// Decode parses and validates one relay record.
// Every failure is a *DecodeError; unknown kinds never panic so that newer
// peers degrade to a logged drop.
func Decode(data []byte) (Message, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Message{}, &DecodeError{Reason: ErrMalformed, Err: err}
	}

	sch, err := compiledSchema()
	if err != nil {
		return Message{}, &DecodeError{Reason: ErrMalformed, Err: err}
	}
	if err := sch.Validate(doc); err != nil {
		return Message{}, &DecodeError{Reason: ErrMalformed, Err: err}
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return Message{}, &DecodeError{Reason: ErrMalformed, Err: err}
	}

	for _, f := range []struct{ name, val string }{
		{"call_id", r.CallID},
		{"from_user_id", r.FromUserID},
		{"to_user_id", r.ToUserID},
		{"type", r.Type},
	} {
		if strings.TrimSpace(f.val) == "" {
			return Message{}, &DecodeError{Reason: ErrMissingField, Field: f.name}
		}
	}

	kind := Kind(r.Type)
	if !kind.Known() {
		return Message{}, &DecodeError{Reason: ErrUnknownKind, Kind: r.Type}
	}

	media := proto.MediaKind(r.CallType)
	if media == "" {
		media = proto.MediaAudio
	}

	m := Message{
		ID:           r.MessageID,
		CallID:       r.CallID,
		From:         r.FromUserID,
		To:           r.ToUserID,
		Kind:         kind,
		Payload:      r.Payload,
		Media:        media,
		CallerName:   r.CallerName,
		CallerAvatar: r.CallerAvatar,
	}
	if r.SentAt > 0 {
		m.SentAt = time.UnixMilli(r.SentAt)
	}
	return m, nil
}
