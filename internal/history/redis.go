package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amoylab/polyroom/internal/common/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisSink mirrors entries into one capped redis list per key
type RedisSink struct {
	logger     *zap.Logger
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	maxEntries int
}

var _ Sink = (*RedisSink)(nil)

// NewRedisSink creates a new Redis-based history sink
func NewRedisSink(ctx context.Context, logger *zap.Logger, cfg config.HistoryRedisConfig, maxEntries int) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "polyroom:history"
	}
	return &RedisSink{
		logger:     logger.Named("history.sink.redis"),
		client:     client,
		prefix:     prefix + ":",
		ttl:        cfg.TTL,
		maxEntries: maxEntries,
	}, nil
}

func (s *RedisSink) key(key string) string {
	return s.prefix + key
}

// Append implements Sink.Append
func (s *RedisSink) Append(ctx context.Context, key string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	k := s.key(key)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, k, data)
	if s.maxEntries > 0 {
		pipe.LTrim(ctx, k, int64(-s.maxEntries), -1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, k, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history entry to Redis: %w", err)
	}
	return nil
}

// List implements Sink.List
func (s *RedisSink) List(ctx context.Context, key string, limit int) ([]Entry, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.client.LRange(ctx, s.key(key), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history from Redis: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.logger.Error("failed to unmarshal history entry",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close closes the Redis client
func (s *RedisSink) Close() error {
	return s.client.Close()
}
