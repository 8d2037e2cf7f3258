package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/redis/go-redis/v9"
)

// RedisConfig controls the redis client. Zero values get conservative
// defaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.Prefix == "" {
		out.Prefix = proto.RedisChannelPrefix
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// RedisTransport relays records over redis Pub/Sub, one channel per user.
type RedisTransport struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis connects and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisTransport, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisTransport{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (t *RedisTransport) channel(userID string) string {
	return t.prefix + ":" + userID
}

func (t *RedisTransport) Publish(ctx context.Context, toUserID string, record []byte) error {
	return t.rdb.Publish(ctx, t.channel(toUserID), record).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, userID string) (<-chan []byte, error) {
	ps := t.rdb.Subscribe(ctx, t.channel(userID))
	// Wait for the subscription confirmation so no record published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *RedisTransport) Close() error { return t.rdb.Close() }
