// Package app wires one call peer together: config, logging, storage,
// history, relay, media, the call manager and the control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/history"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/viewer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ConfigFile is the config file name inside a peer directory.
const ConfigFile = "goopcall.json"

const logLines = 800

type Options struct {
	PeerDir string

	// UserID seeds a new config file when none exists yet. Defaults to the
	// peer directory's base name.
	UserID string

	// Console receives human-readable log output. Defaults to stderr.
	Console io.Writer
}

// Run starts the peer and blocks until ctx is done or a component fails.
func Run(ctx context.Context, opt Options) (err error) {
	cfgPath := filepath.Join(opt.PeerDir, ConfigFile)
	userID := opt.UserID
	if userID == "" {
		userID = filepath.Base(opt.PeerDir)
	}
	cfg, created, err := config.Ensure(cfgPath, userID)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logs := viewer.NewLogBuffer(logLines)
	root := newLogger(opt.Console, logs)
	log.Logger = root
	logBanner(root, opt.PeerDir, cfgPath, cfg, created)

	db, err := openStore(ctx, opt.PeerDir, cfg.History)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	owner := cfg.Identity.UserID
	rec := history.New(owner, db, history.Options{
		Cap:             cfg.History.Cap,
		PersistAttempts: cfg.History.PersistAttempts,
	}, component(root, "history"))
	if err := rec.Load(ctx); err != nil {
		// A broken store must not keep the peer from taking calls.
		root.Warn().Err(err).Msg("call history not loaded")
	}

	transport, err := relay.Open(ctx, cfg, opt.PeerDir, component(root, "relay"))
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	adapter, err := relay.NewAdapter(owner, transport, component(root, "relay"))
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("relay: %w", err)
	}
	defer func() { err = multierr.Append(err, adapter.Close()) }()

	engine, err := media.NewPionEngine(media.OptionsFromConfig(cfg.Media), component(root, "media"))
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	peers := db.Peers(owner)
	mgr := call.NewManager(call.Options{
		Self: proto.Peer{
			ID:          owner,
			DisplayName: cfg.Identity.DisplayName,
			AvatarRef:   cfg.Identity.AvatarRef,
		},
		Timeouts: call.TimeoutsFromConfig(cfg.Call),
		Engine:   engine,
		Relay:    adapter,
		History:  rec,
		Peers:    peers,
		Logger:   component(root, "call"),
	})

	v := &viewer.Viewer{
		Calls:       mgr,
		History:     rec,
		Peers:       peers,
		Logs:        logs,
		TokenSecret: cfg.Viewer.TokenSecret,
		Logger:      component(root, "viewer"),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error {
		if err := adapter.Start(gctx, mgr.HandleSignal); err != nil {
			return fmt.Errorf("relay subscribe: %w", err)
		}
		return nil
	})
	g.Go(func() error { return v.Start(gctx, cfg.Viewer.HTTPAddr) })
	g.Go(func() error {
		return config.Watch(gctx, cfgPath, func(c config.Config) {
			mgr.SetTimeouts(call.TimeoutsFromConfig(c.Call))
			root.Info().Msg("call timeouts updated; applied from the next call")
		})
	})

	root.Info().
		Str("user_id", owner).
		Str("relay", cfg.Relay.Mode).
		Str("api", cfg.Viewer.HTTPAddr).
		Msg("peer online")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	root.Info().Msg("peer stopped")
	return nil
}

func openStore(ctx context.Context, peerDir string, h config.History) (*storage.DB, error) {
	if h.PostgresDSN != "" {
		db, err := storage.OpenPostgres(ctx, h.PostgresDSN, storage.PoolConfig{})
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		return db, nil
	}
	db, err := storage.Open(filepath.Join(peerDir, "data"))
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	return db, nil
}

func newLogger(console io.Writer, logs *viewer.LogBuffer) zerolog.Logger {
	if console == nil {
		console = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: console, TimeFormat: time.TimeOnly}
	return zerolog.New(zerolog.MultiLevelWriter(cw, logs)).With().Timestamp().Logger()
}

func component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

func logBanner(l zerolog.Logger, peerDir, cfgPath string, cfg config.Config, created bool) {
	ev := l.Info().
		Str("peer_dir", peerDir).
		Str("config", cfgPath).
		Str("user_id", cfg.Identity.UserID)
	if created {
		ev.Msg("created default config; this folder is the peer's boundary")
		return
	}
	ev.Msg("peer scope")
}
