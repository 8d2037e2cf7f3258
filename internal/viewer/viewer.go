// Package viewer serves the local control API the call UI talks to.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/history"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/rs/zerolog"
)

// Calls is the part of call.Manager the API drives.
type Calls interface {
	StartCall(ctx context.Context, peer proto.Peer, kind proto.MediaKind) (string, error)
	AnswerCall(ctx context.Context) error
	DeclineCall(ctx context.Context) error
	CancelCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetCameraEnabled(ctx context.Context, enabled bool) error
	SetSpeaker(ctx context.Context, enabled bool) error
	SwitchCamera(ctx context.Context) error
	Snapshot() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
}

type History interface {
	Entries() []history.Entry
	Clear(ctx context.Context) error
}

type PeerLister interface {
	Recent(ctx context.Context, limit int) ([]storage.CachedPeer, error)
}

type Viewer struct {
	Calls   Calls
	History History
	Peers   PeerLister // optional
	Logs    *LogBuffer // optional

	// TokenSecret enables bearer auth; empty means loopback clients only.
	TokenSecret string
	Logger      zerolog.Logger

	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

func (v *Viewer) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Viewer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(v.requestLog)

	r.Route("/api", func(r chi.Router) {
		r.Use(noCache)
		r.Use(v.authorize)

		r.Route("/call", func(r chi.Router) {
			r.Get("/state", v.handleState)
			r.Get("/events", v.handleEvents)
			r.Get("/ws", v.handleWS)
			r.Get("/history", v.handleHistory)
			r.Delete("/history", v.handleClearHistory)
			if v.Peers != nil {
				r.Get("/peers", v.handlePeers)
			}
			r.Post("/{cmd}", v.handleCommand)
		})

		if v.Logs != nil {
			r.Get("/logs", v.Logs.ServeLogsJSON)
			r.Get("/logs/stream", v.Logs.ServeLogsSSE)
		}
	})
	return r
}

// Start serves the API on addr until ctx is done.
func (v *Viewer) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           v.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		v.Logger.Info().Str("addr", addr).Msg("control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Streaming clients keep connections open; cut them.
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (v *Viewer) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		v.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
