package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
)

const maxBody = 64 << 10

var errUnknownCommand = errors.New("unknown command")

// commandRequest is both the POST body of /api/call/{cmd} and a WebSocket
// command frame.
type commandRequest struct {
	Cmd        string `json:"cmd"`
	PeerID     string `json:"peer_id,omitempty"`
	PeerName   string `json:"peer_name,omitempty"`
	PeerAvatar string `json:"peer_avatar,omitempty"`
	Video      bool   `json:"video,omitempty"`
	Muted      bool   `json:"muted,omitempty"`
	Enabled    bool   `json:"enabled,omitempty"`
}

type commandResult struct {
	CallID string        `json:"call_id,omitempty"`
	State  call.Snapshot `json:"state"`
}

func (v *Viewer) runCommand(ctx context.Context, req commandRequest) (commandResult, error) {
	var (
		res commandResult
		err error
	)
	switch req.Cmd {
	case "start":
		kind := proto.MediaAudio
		if req.Video {
			kind = proto.MediaAudioVideo
		}
		peer := proto.Peer{ID: req.PeerID, DisplayName: req.PeerName, AvatarRef: req.PeerAvatar}
		res.CallID, err = v.Calls.StartCall(ctx, peer, kind)
	case "answer":
		err = v.Calls.AnswerCall(ctx)
	case "decline":
		err = v.Calls.DeclineCall(ctx)
	case "cancel":
		err = v.Calls.CancelCall(ctx)
	case "end":
		err = v.Calls.EndCall(ctx)
	case "mute":
		err = v.Calls.SetMuted(ctx, req.Muted)
	case "camera":
		err = v.Calls.SetCameraEnabled(ctx, req.Enabled)
	case "speaker":
		err = v.Calls.SetSpeaker(ctx, req.Enabled)
	case "switch-camera":
		err = v.Calls.SwitchCamera(ctx)
	default:
		return res, fmt.Errorf("%w %q", errUnknownCommand, req.Cmd)
	}
	if err != nil {
		return res, err
	}
	res.State = v.Calls.Snapshot()
	return res, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrNoIncomingCall):
		return http.StatusConflict
	case errors.Is(err, media.ErrMediaInit), errors.Is(err, call.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrInvalidCall):
		return http.StatusBadRequest
	case errors.Is(err, errUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// POST /api/call/{cmd}
func (v *Viewer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	req.Cmd = chi.URLParam(r, "cmd")

	res, err := v.runCommand(r.Context(), req)
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			v.Logger.Error().Err(err).Str("cmd", req.Cmd).Msg("call command failed")
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/call/state
func (v *Viewer) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, v.Calls.Snapshot())
}

// GET /api/call/history
func (v *Viewer) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, v.History.Entries())
}

// DELETE /api/call/history
func (v *Viewer) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := v.History.Clear(r.Context()); err != nil {
		// Memory is cleared regardless; report the store failure.
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/call/peers?limit=n
func (v *Viewer) handlePeers(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	peers, err := v.Peers.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

// GET /api/call/events: SSE stream of state snapshots, current one first.
func (v *Viewer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)

	ch, cancel := v.Calls.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, "state", snap)
			flusher.Flush()
		}
	}
}
