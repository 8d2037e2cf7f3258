package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/history"
	"github.com/petervdpas/goopcall/internal/media/mediatest"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signal"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopRelay struct{}

func (nopRelay) Send(context.Context, signal.Message) error { return nil }

type stubPeers []storage.CachedPeer

func (p stubPeers) Recent(_ context.Context, limit int) ([]storage.CachedPeer, error) {
	if len(p) > limit {
		return p[:limit], nil
	}
	return p, nil
}

type fixture struct {
	viewer  *Viewer
	engine  *mediatest.Engine
	history *history.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := mediatest.New()
	rec := history.New("alice", nil, history.Options{}, zerolog.Nop())
	mgr := call.NewManager(call.Options{
		Self:    proto.Peer{ID: "alice", DisplayName: "Alice"},
		Engine:  engine,
		Relay:   nopRelay{},
		History: rec,
		Logger:  zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mgr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	logs := NewLogBuffer(10)
	return &fixture{
		viewer: &Viewer{
			Calls:   mgr,
			History: rec,
			Peers:   stubPeers{{PeerID: "bob", Name: "Bob"}},
			Logs:    logs,
			Logger:  zerolog.Nop(),
		},
		engine:  engine,
		history: rec,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:50000"
	rec := httptest.NewRecorder()
	f.viewer.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRemoteClientsRejectedWithoutSecret(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/call/state", nil)
	req.RemoteAddr = "203.0.113.5:4000"
	rec := httptest.NewRecorder()
	f.viewer.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/call/state", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, call.StateIdle, decode[call.Snapshot](t, rec).State)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
}

func TestBearerTokenAuth(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.viewer.TokenSecret = "s3cret"
	f.viewer.Now = func() time.Time { return now }
	router := f.viewer.Router()

	get := func(mutate func(*http.Request)) int {
		req := httptest.NewRequest(http.MethodGet, "/api/call/state", nil)
		req.RemoteAddr = "203.0.113.5:4000"
		mutate(req)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	good, err := IssueToken("s3cret", "ui", time.Hour, now)
	require.NoError(t, err)
	forged, err := IssueToken("other", "ui", time.Hour, now)
	require.NoError(t, err)
	expired, err := IssueToken("s3cret", "ui", time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, get(func(*http.Request) {}))
	assert.Equal(t, http.StatusUnauthorized, get(func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+forged) }))
	assert.Equal(t, http.StatusUnauthorized, get(func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) }))
	assert.Equal(t, http.StatusUnauthorized, get(func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }))
	assert.Equal(t, http.StatusOK, get(func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+good) }))
	assert.Equal(t, http.StatusOK, get(func(r *http.Request) { r.URL.RawQuery = "token=" + good }))

	sub, err := VerifyToken("s3cret", good, now)
	require.NoError(t, err)
	assert.Equal(t, "ui", sub)
}

func TestCallCommandsAndErrorMapping(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/call/answer", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/call/start", `{"peer_id":""}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/call/start", `{not json`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/call/teleport", "").Code)

	rec := f.do(t, http.MethodPost, "/api/call/start", `{"peer_id":"bob","peer_name":"Bob","video":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[commandResult](t, rec)
	assert.NotEmpty(t, res.CallID)
	assert.Equal(t, call.StateRinging, res.State.State)
	require.NotNil(t, res.State.Session)
	assert.Equal(t, proto.MediaAudioVideo, res.State.Session.Media)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/call/start", `{"peer_id":"carol"}`).Code)

	rec = f.do(t, http.MethodPost, "/api/call/mute", `{"muted":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[commandResult](t, rec).State.Muted)

	rec = f.do(t, http.MethodPost, "/api/call/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, call.StateEnded, decode[commandResult](t, rec).State.State)

	rec = f.do(t, http.MethodGet, "/api/call/history", "")
	entries := decode[[]history.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, history.Cancelled, entries[0].Outcome)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/api/call/history", "").Code)
	assert.Empty(t, f.history.Entries())
}

func TestMediaFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.engine.FailCreate = errors.New("no microphone")

	rec := f.do(t, http.MethodPost, "/api/call/start", `{"peer_id":"bob"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no microphone")
}

func TestPeersAndLogs(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/call/peers?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	peers := decode[[]storage.CachedPeer](t, rec)
	require.Len(t, peers, 1)
	assert.Equal(t, "Bob", peers[0].Name)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/call/peers?limit=x", "").Code)

	logger := zerolog.New(f.viewer.Logs).With().Timestamp().Str("component", "call").Logger()
	logger.Info().Str("call_id", "c1").Msg("call started")
	_, _ = f.viewer.Logs.Write([]byte("plain line\n"))

	rec = f.do(t, http.MethodGet, "/api/logs", "")
	logs := decode[[]LogEntry](t, rec)
	require.Len(t, logs, 2)
	assert.Equal(t, "call started", logs[0].Msg)
	assert.Equal(t, "info", logs[0].Level)
	assert.Equal(t, "call", logs[0].Component)
	assert.Equal(t, "c1", logs[0].Fields["call_id"])
	assert.Equal(t, "plain line", logs[1].Msg)

	logger.Warn().Msg("ice restart")
	rec = f.do(t, http.MethodGet, "/api/logs?component=call&level=warn", "")
	logs = decode[[]LogEntry](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, "ice restart", logs[0].Msg)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/logs?level=loud", "").Code)
}

func TestEventsStreamStartsWithCurrentState(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.viewer.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	require.True(t, sc.Scan())
	assert.Equal(t, "event: state", sc.Text())
	require.True(t, sc.Scan())
	assert.Contains(t, sc.Text(), `"state":"idle"`)
}

func TestWebSocketPushesStateAndRunsCommands(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.viewer.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/call/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var first wsFrame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "state", first.Type)
	require.NotNil(t, first.State)
	assert.Equal(t, call.StateIdle, first.State.State)

	require.NoError(t, conn.WriteJSON(commandRequest{Cmd: "start", PeerID: "bob"}))

	var sawResult, sawRinging bool
	for !sawResult || !sawRinging {
		var frame wsFrame
		require.NoError(t, conn.ReadJSON(&frame))
		switch frame.Type {
		case "result":
			assert.Equal(t, "start", frame.Cmd)
			assert.NotEmpty(t, frame.CallID)
			sawResult = true
		case "state":
			if frame.State.State == call.StateRinging {
				sawRinging = true
			}
		case "error":
			t.Fatalf("command failed: %s", frame.Error)
		}
	}

	require.NoError(t, conn.WriteJSON(commandRequest{Cmd: "answer"}))
	for {
		var frame wsFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type == "error" {
			assert.Equal(t, "answer", frame.Cmd)
			assert.Contains(t, frame.Error, "no incoming call")
			break
		}
	}
}
