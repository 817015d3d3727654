package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Opts holds configuration options for the Redis store.
type Opts struct {
	// URL is a redis:// connection URL. Takes precedence over Addr.
	URL string
	// Addr is a host:port pair, used when URL is empty.
	Addr string
	// TakeoverTTL overrides DefaultTakeoverTTL.
	TakeoverTTL time.Duration
	// RespondingTTL overrides DefaultRespondingTTL.
	RespondingTTL time.Duration
}

// Option configures the Redis store.
type Option func(*Opts)

// WithURL sets the redis:// connection URL.
func WithURL(url string) Option {
	return func(o *Opts) { o.URL = url }
}

// WithAddr sets the host:port address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTakeoverTTL overrides the human-takeover flag TTL.
func WithTakeoverTTL(d time.Duration) Option {
	return func(o *Opts) { o.TakeoverTTL = d }
}

// WithRespondingTTL overrides the bot-authored marker TTL.
func WithRespondingTTL(d time.Duration) Option {
	return func(o *Opts) { o.RespondingTTL = d }
}

// RedisStore implements Store on top of Redis. Buffer pushes use a pipelined
// RPUSH+EXPIRE so the append and the TTL refresh land together.
type RedisStore struct {
	client        *redis.Client
	takeoverTTL   time.Duration
	respondingTTL time.Duration
}

// NewRedisStore connects to Redis and verifies connectivity with a ping.
func NewRedisStore(ctx context.Context, opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TakeoverTTL <= 0 {
		cfg.TakeoverTTL = DefaultTakeoverTTL
	}
	if cfg.RespondingTTL <= 0 {
		cfg.RespondingTTL = DefaultRespondingTTL
	}

	var ropts *redis.Options
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		ropts = parsed
	case cfg.Addr != "":
		ropts = &redis.Options{Addr: cfg.Addr}
	default:
		return nil, fmt.Errorf("redis address not set")
	}
	ropts.DialTimeout = 3 * time.Second
	ropts.ReadTimeout = 2 * time.Second
	ropts.WriteTimeout = 2 * time.Second
	ropts.PoolSize = 20

	client := redis.NewClient(ropts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Info("RedisStore: connected", "addr", ropts.Addr)
	return &RedisStore{
		client:        client,
		takeoverTTL:   cfg.TakeoverTTL,
		respondingTTL: cfg.RespondingTTL,
	}, nil
}

func bufferKey(conversationID int64) string {
	return fmt.Sprintf("buffer:%d", conversationID)
}

func takeoverKey(conversationID int64) string {
	return fmt.Sprintf("human_takeover:%d", conversationID)
}

func respondingKey(conversationID int64) string {
	return fmt.Sprintf("ai_responding:%d", conversationID)
}

// PushBuffer appends content to the buffer list and resets its TTL.
func (s *RedisStore) PushBuffer(ctx context.Context, conversationID int64, content string, ttl time.Duration) (int64, error) {
	key := bufferKey(conversationID)
	pipe := s.client.TxPipeline()
	push := pipe.RPush(ctx, key, content)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("buffer push failed for %s: %w", key, err)
	}
	length := push.Val()
	slog.Debug("RedisStore.PushBuffer: pushed", "key", key, "length", length, "ttl", ttl)
	return length, nil
}

// ReadBuffer returns the full buffer contents in push order.
func (s *RedisStore) ReadBuffer(ctx context.Context, conversationID int64) ([]string, error) {
	items, err := s.client.LRange(ctx, bufferKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer read failed for conversation %d: %w", conversationID, err)
	}
	return items, nil
}

// DeleteBuffer removes the buffer key.
func (s *RedisStore) DeleteBuffer(ctx context.Context, conversationID int64) error {
	if err := s.client.Del(ctx, bufferKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("buffer delete failed for conversation %d: %w", conversationID, err)
	}
	return nil
}

// BufferExists reports whether the buffer key is still present.
func (s *RedisStore) BufferExists(ctx context.Context, conversationID int64) (bool, error) {
	n, err := s.client.Exists(ctx, bufferKey(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("buffer exists check failed for conversation %d: %w", conversationID, err)
	}
	return n > 0, nil
}

// SetHumanTakeover sets the long-TTL takeover flag.
func (s *RedisStore) SetHumanTakeover(ctx context.Context, conversationID int64) error {
	if err := s.client.Set(ctx, takeoverKey(conversationID), "1", s.takeoverTTL).Err(); err != nil {
		return fmt.Errorf("set human takeover failed for conversation %d: %w", conversationID, err)
	}
	slog.Debug("RedisStore.SetHumanTakeover: flag set", "conversationID", conversationID, "ttl", s.takeoverTTL)
	return nil
}

// ClearHumanTakeover deletes the takeover flag.
func (s *RedisStore) ClearHumanTakeover(ctx context.Context, conversationID int64) error {
	if err := s.client.Del(ctx, takeoverKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("clear human takeover failed for conversation %d: %w", conversationID, err)
	}
	return nil
}

// IsHumanTakeover reports whether the takeover flag is set.
func (s *RedisStore) IsHumanTakeover(ctx context.Context, conversationID int64) (bool, error) {
	n, err := s.client.Exists(ctx, takeoverKey(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("takeover check failed for conversation %d: %w", conversationID, err)
	}
	return n > 0, nil
}

// SetAIResponding sets the short-TTL bot-authored marker.
func (s *RedisStore) SetAIResponding(ctx context.Context, conversationID int64) error {
	if err := s.client.Set(ctx, respondingKey(conversationID), "1", s.respondingTTL).Err(); err != nil {
		return fmt.Errorf("set ai responding failed for conversation %d: %w", conversationID, err)
	}
	return nil
}

// IsAIResponding reports whether the bot-authored marker is present.
func (s *RedisStore) IsAIResponding(ctx context.Context, conversationID int64) (bool, error) {
	n, err := s.client.Exists(ctx, respondingKey(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("ai responding check failed for conversation %d: %w", conversationID, err)
	}
	return n > 0, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
