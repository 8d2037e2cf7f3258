package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// otherwise go to stderr.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("pubsub", "warn")
	logging.SetLogLevel("mdns", "warn")
}

type GossipConfig struct {
	KeyFile        string
	ListenHost     string // default 0.0.0.0
	ListenPort     int
	BootstrapPeers []string
	MdnsTag        string // empty disables LAN discovery
	Prefix         string
}

// GossipTransport relays records over libp2p GossipSub, one topic per user.
type GossipTransport struct {
	host   host.Host
	ps     *pubsub.PubSub
	mdns   mdns.Service
	prefix string
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

type mdnsNotifee struct {
	h      host.Host
	logger zerolog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		n.logger.Debug().Err(err).Str("peer", pi.ID.String()).Msg("mdns connect")
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string, logger zerolog.Logger) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		logger.Warn().Err(err).Str("path", keyFile).Msg("corrupt identity key, generating new key")
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func NewGossip(ctx context.Context, cfg GossipConfig, logger zerolog.Logger) (*GossipTransport, error) {
	if cfg.ListenHost == "" {
		cfg.ListenHost = "0.0.0.0"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = proto.GossipTopicPrefix
	}

	priv, created, err := loadOrCreateKey(cfg.KeyFile, logger)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info().Str("path", cfg.KeyFile).Msg("created relay identity key")
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", cfg.ListenHost, cfg.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	t := &GossipTransport{
		host:   h,
		prefix: cfg.Prefix,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}

	if cfg.MdnsTag != "" {
		t.mdns = mdns.NewMdnsService(h, cfg.MdnsTag, &mdnsNotifee{h: h, logger: logger})
		if err := t.mdns.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	t.ps, err = pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	for _, s := range cfg.BootstrapPeers {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("bootstrap peer %q: %w", s, err)
		}
		go t.connect(ctx, *pi)
	}

	logger.Info().Str("peer_id", h.ID().String()).Strs("addrs", t.Addrs()).Msg("gossip relay up")
	return t, nil
}

func (t *GossipTransport) connect(ctx context.Context, pi peer.AddrInfo) {
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	if err := t.host.Connect(cctx, pi); err != nil {
		t.logger.Warn().Err(err).Str("peer", pi.ID.String()).Msg("bootstrap connect failed")
	}
}

// Addrs returns the full dialable addresses of this host, including /p2p/<id>.
func (t *GossipTransport) Addrs() []string {
	var out []string
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

func (t *GossipTransport) topicName(userID string) string {
	return t.prefix + "/" + userID
}

// topic joins a topic once and reuses it; pubsub allows a single Join per topic.
func (t *GossipTransport) topic(userID string) (*pubsub.Topic, error) {
	name := t.topicName(userID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.topics[name]; ok {
		return tp, nil
	}
	tp, err := t.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	t.topics[name] = tp
	return tp, nil
}

// Publish waits until at least one subscriber of the recipient's topic is
// known, so an unreachable recipient surfaces as a ctx error.
func (t *GossipTransport) Publish(ctx context.Context, toUserID string, record []byte) error {
	tp, err := t.topic(toUserID)
	if err != nil {
		return err
	}
	return tp.Publish(ctx, record, pubsub.WithReadiness(pubsub.MinTopicSize(1)))
}

func (t *GossipTransport) Subscribe(ctx context.Context, userID string) (<-chan []byte, error) {
	tp, err := t.topic(userID)
	if err != nil {
		return nil, err
	}
	sub, err := tp.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", t.topicName(userID), err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Cancel()
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- m.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts down discovery and the host; joined topics go with the host.
func (t *GossipTransport) Close() error {
	var err error
	if t.mdns != nil {
		err = multierr.Append(err, t.mdns.Close())
	}
	return multierr.Append(err, t.host.Close())
}
