package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/goopcall/internal/util"

	ma "github.com/multiformats/go-multiaddr"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	History  History  `json:"history"`
	Viewer   Viewer   `json:"viewer"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`

	// Ed25519 key for the gossip relay host. Relative to the peer directory.
	KeyFile string `json:"key_file"`
}

// Relay modes.
const (
	RelayRedis    = "redis"
	RelayGossip   = "gossip"
	RelayLoopback = "loopback"
)

type Relay struct {
	// One of "redis", "gossip" or "loopback".
	// "loopback" is an in-process simulation for development and tests only.
	Mode string `json:"mode"`

	// Release marks a production configuration. Loopback mode is refused when set.
	Release bool `json:"release"`

	// Prefix for the per-user channel or topic name. Empty = protocol default.
	ChannelPrefix string `json:"channel_prefix"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// Gossip transport.
	ListenPort     int      `json:"listen_port"`
	BootstrapPeers []string `json:"bootstrap_peers"` // full multiaddrs with /p2p/<id>
	MdnsTag        string   `json:"mdns_tag"`
}

type Call struct {
	RingTimeoutSec      int `json:"ring_timeout_sec"`
	IncomingTimeoutSec  int `json:"incoming_timeout_sec"`
	ConnectTimeoutSec   int `json:"connect_timeout_sec"`
	ReconnectTimeoutSec int `json:"reconnect_timeout_sec"`
	TeardownDelayMs     int `json:"teardown_delay_ms"`
}

type Media struct {
	ICEServers        []string `json:"ice_servers"`
	VideoMaxWidth     int      `json:"video_max_width"`
	VideoMaxHeight    int      `json:"video_max_height"`
	VideoBitrate      int      `json:"video_bitrate"`
	QualityIntervalMs int      `json:"quality_interval_ms"`

	// When capture fails, proceed with a receive-only connection instead of
	// failing the call with a media init error.
	AllowReceiveOnly bool `json:"allow_receive_only"`
}

type History struct {
	Cap             int `json:"cap"`
	PersistAttempts int `json:"persist_attempts"`

	// When set, history is stored in PostgreSQL instead of the peer's SQLite file.
	PostgresDSN string `json:"postgres_dsn"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`

	// HS256 secret for bearer tokens on the control API. Empty = local requests only.
	TokenSecret string `json:"token_secret"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Relay: Relay{
			Mode:       RelayLoopback,
			RedisAddr:  "127.0.0.1:6379",
			ListenPort: 0,
			MdnsTag:    "goopcall-mdns",
		},
		Call: Call{
			RingTimeoutSec:      60,
			IncomingTimeoutSec:  45,
			ConnectTimeoutSec:   30,
			ReconnectTimeoutSec: 20,
			TeardownDelayMs:     2000,
		},
		Media: Media{
			ICEServers:        []string{"stun:stun.l.google.com:19302"},
			VideoMaxWidth:     640,
			VideoMaxHeight:    480,
			VideoBitrate:      1_500_000,
			QualityIntervalMs: 2000,
		},
		History: History{
			Cap:             200,
			PersistAttempts: 3,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// Relay
	switch c.Relay.Mode {
	case RelayRedis:
		if strings.TrimSpace(c.Relay.RedisAddr) == "" {
			return errors.New("relay.redis_addr is required in redis mode")
		}
		if c.Relay.RedisDB < 0 {
			return errors.New("relay.redis_db must be >= 0")
		}
	case RelayGossip:
		if c.Relay.ListenPort < 0 || c.Relay.ListenPort > 65535 {
			return errors.New("relay.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Relay.MdnsTag) == "" {
			return errors.New("relay.mdns_tag is required in gossip mode")
		}
		for _, p := range c.Relay.BootstrapPeers {
			if _, err := ma.NewMultiaddr(p); err != nil {
				return fmt.Errorf("relay.bootstrap_peers: %q: %w", p, err)
			}
		}
	case RelayLoopback:
		if c.Relay.Release {
			return errors.New("relay.mode loopback is a simulation and is not allowed with relay.release=true")
		}
	default:
		return fmt.Errorf("relay.mode must be one of redis, gossip, loopback (got %q)", c.Relay.Mode)
	}

	// Call timers
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_sec must be > 0")
	}
	if c.Call.IncomingTimeoutSec <= 0 {
		return errors.New("call.incoming_timeout_sec must be > 0")
	}
	if c.Call.ConnectTimeoutSec <= 0 {
		return errors.New("call.connect_timeout_sec must be > 0")
	}
	if c.Call.ReconnectTimeoutSec <= 0 {
		return errors.New("call.reconnect_timeout_sec must be > 0")
	}
	if c.Call.TeardownDelayMs < 0 {
		return errors.New("call.teardown_delay_ms must be >= 0")
	}

	// Media
	for _, s := range c.Media.ICEServers {
		if err := validateICEServer(s); err != nil {
			return fmt.Errorf("media.ice_servers: %w", err)
		}
	}
	if c.Media.VideoMaxWidth < 0 || c.Media.VideoMaxHeight < 0 {
		return errors.New("media.video_max_width/height must be >= 0")
	}
	if c.Media.VideoBitrate < 0 {
		return errors.New("media.video_bitrate must be >= 0")
	}
	if c.Media.QualityIntervalMs < 100 {
		return errors.New("media.quality_interval_ms must be >= 100")
	}

	// History
	if c.History.Cap < 1 || c.History.Cap > 10000 {
		return errors.New("history.cap must be 1..10000")
	}
	if c.History.PersistAttempts < 1 || c.History.PersistAttempts > 10 {
		return errors.New("history.persist_attempts must be 1..10")
	}

	return nil
}

func validateICEServer(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", raw, err)
	}
	switch u.Scheme {
	case "stun", "stuns", "turn", "turns":
	default:
		return fmt.Errorf("%q: scheme must be stun, stuns, turn or turns", raw)
	}
	if u.Opaque == "" && u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}

// RingTimeout and friends convert the integer config fields to durations.
func (c Call) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

func (c Call) IncomingTimeout() time.Duration {
	return time.Duration(c.IncomingTimeoutSec) * time.Second
}

func (c Call) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

func (c Call) ReconnectTimeout() time.Duration {
	return time.Duration(c.ReconnectTimeoutSec) * time.Second
}

func (c Call) TeardownDelay() time.Duration {
	return time.Duration(c.TeardownDelayMs) * time.Millisecond
}

func (m Media) QualityInterval() time.Duration {
	return time.Duration(m.QualityIntervalMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	cfg.Identity.DisplayName = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
