package viewer

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopcall/internal/call"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is loopback-only or token protected.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is what the server pushes: a state snapshot or a command result.
type wsFrame struct {
	Type   string         `json:"type"` // "state" | "result" | "error"
	Cmd    string         `json:"cmd,omitempty"`
	CallID string         `json:"call_id,omitempty"`
	State  *call.Snapshot `json:"state,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// GET /api/call/ws
func (v *Viewer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		v.Logger.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	l := v.Logger.With().Str("remote", r.RemoteAddr).Logger()
	l.Info().Msg("websocket client connected")
	defer l.Info().Msg("websocket client disconnected")

	snaps, cancel := v.Calls.Subscribe()
	defer cancel()

	// Only this goroutine writes; the reader hands results over.
	results := make(chan wsFrame, 8)
	readDone := make(chan struct{})
	ctx := r.Context()

	conn.SetReadLimit(maxBody)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go func() {
		defer close(readDone)
		for {
			var req commandRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					l.Debug().Err(err).Msg("websocket read")
				}
				return
			}
			frame := wsFrame{Type: "result", Cmd: req.Cmd}
			res, err := v.runCommand(ctx, req)
			if err != nil {
				frame.Type = "error"
				frame.Error = err.Error()
			} else {
				frame.CallID = res.CallID
			}
			select {
			case results <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(f wsFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(f) == nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if !write(wsFrame{Type: "state", State: &snap}) {
				return
			}
		case f := <-results:
			if !write(f) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
