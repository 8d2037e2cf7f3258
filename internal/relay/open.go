package relay

import (
	"context"
	"fmt"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/rs/zerolog"
)

// Open builds the transport selected by cfg.Relay.Mode. Relative key files
// resolve against peerDir.
func Open(ctx context.Context, cfg config.Config, peerDir string, logger zerolog.Logger) (Transport, error) {
	r := cfg.Relay
	switch r.Mode {
	case config.RelayRedis:
		return OpenRedis(ctx, RedisConfig{
			Addr:     r.RedisAddr,
			Password: r.RedisPassword,
			DB:       r.RedisDB,
			Prefix:   r.ChannelPrefix,
		})
	case config.RelayGossip:
		return NewGossip(ctx, GossipConfig{
			KeyFile:        util.ResolvePath(peerDir, cfg.Identity.KeyFile),
			ListenPort:     r.ListenPort,
			BootstrapPeers: r.BootstrapPeers,
			MdnsTag:        r.MdnsTag,
			Prefix:         r.ChannelPrefix,
		}, logger)
	case config.RelayLoopback:
		logger.Warn().Msg("loopback relay selected: signals stay inside this process")
		return NewLoopback(SharedBus(), r.Release)
	}
	return nil, fmt.Errorf("unknown relay mode %q", r.Mode)
}
