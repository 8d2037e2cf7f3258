package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeKeepsFields(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	in := New(KindCallRequest, "call-1", "u1", "u2", proto.MediaAudioVideo, now).
		WithCaller("Alice", "avatars/alice.png")

	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, "call-1", out.CallID)
	assert.Equal(t, "u1", out.From)
	assert.Equal(t, "u2", out.To)
	assert.Equal(t, KindCallRequest, out.Kind)
	assert.Equal(t, proto.MediaAudioVideo, out.Media)
	assert.Equal(t, "Alice", out.CallerName)
	assert.Equal(t, "avatars/alice.png", out.CallerAvatar)
	assert.True(t, out.SentAt.Equal(now))
}

func TestEncodeGeneratesMessageID(t *testing.T) {
	raw, err := Encode(Message{CallID: "c", From: "a", To: "b", Kind: KindCallEnd})
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.NotEmpty(t, out.ID)
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	_, err := Encode(Message{CallID: "c", From: "a", To: "b", Kind: "call_hold"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeMissingCallID(t *testing.T) {
	_, err := Decode([]byte(`{"from_user_id":"u3","to_user_id":"u1","type":"call_request"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingField)

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "call_id", de.Field)
}

func TestDecodeRequiredFields(t *testing.T) {
	cases := map[string]string{
		"from_user_id": `{"call_id":"c","to_user_id":"u1","type":"offer"}`,
		"to_user_id":   `{"call_id":"c","from_user_id":"u2","type":"offer"}`,
		"type":         `{"call_id":"c","from_user_id":"u2","to_user_id":"u1"}`,
	}
	for field, doc := range cases {
		t.Run(field, func(t *testing.T) {
			_, err := Decode([]byte(doc))
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			assert.ErrorIs(t, err, ErrMissingField)
			assert.Equal(t, field, de.Field)
		})
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"call_id":"c","from_user_id":"u2","to_user_id":"u1","type":"screen_share"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Contains(t, err.Error(), "screen_share")
}

func TestDecodeMalformed(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":          `{"call_id":`,
		"array":             `[1,2,3]`,
		"payload not text":  `{"call_id":"c","from_user_id":"a","to_user_id":"b","type":"offer","payload":{"sdp":"x"}}`,
		"bad call type":     `{"call_id":"c","from_user_id":"a","to_user_id":"b","type":"call_request","call_type":"hologram"}`,
		"negative sent_at":  `{"call_id":"c","from_user_id":"a","to_user_id":"b","type":"call_end","sent_at":-4}`,
		"call_id is number": `{"call_id":12,"from_user_id":"a","to_user_id":"b","type":"call_end"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(doc))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeDefaultsToAudio(t *testing.T) {
	m, err := Decode([]byte(`{"call_id":"c","from_user_id":"a","to_user_id":"b","type":"call_accept"}`))
	require.NoError(t, err)
	assert.Equal(t, proto.MediaAudio, m.Media)
	assert.True(t, m.SentAt.IsZero())
}
