package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orchestra-mcp/chatlink/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps each session transcript in a Redis list of JSON
// encoded messages, trimmed to the configured limit.
type RedisStore struct {
	client *redis.Client
	prefix string
	limit  int
	logger zerolog.Logger
}

// NewRedisStore creates a store backed by the Redis server in cfg. It
// does not connect until first use; call Ping to check reachability.
func NewRedisStore(cfg *RedisConfig, logger zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		limit:  cfg.Limit,
		logger: logger.With().Str("component", "redis-history").Logger(),
	}
}

// Ping checks that the Redis server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, msgs ...types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		values = append(values, data)
	}

	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.limit > 0 {
		pipe.LTrim(ctx, key, int64(-s.limit), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, sessionID string) ([]types.Message, error) {
	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list history %s: %w", sessionID, err)
	}
	out := make([]types.Message, 0, len(raw))
	for _, item := range raw {
		var m types.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.logger.Error().Err(err).Str("session", sessionID).Msg("failed to decode stored message")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear history %s: %w", sessionID, err)
	}
	return nil
}
