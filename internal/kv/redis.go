package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisIncrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 and tonumber(ARGV[1]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisStore implements Store on Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// Get returns the value stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, errGet := s.client.Get(ctx, s.buildKey(key)).Result()
	if errors.Is(errGet, redis.Nil) {
		return "", false, nil
	}
	if errGet != nil {
		return "", false, errGet
	}
	return value, true, nil
}

// Set stores value under key.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, s.buildKey(key), value, ttl).Err()
}

// Delete removes keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, s.buildKey(key))
	}
	return s.client.Del(ctx, full...).Err()
}

// Exists reports whether key holds a live value.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	count, errExists := s.client.Exists(ctx, s.buildKey(key)).Result()
	if errExists != nil {
		return false, errExists
	}
	return count > 0, nil
}

// Incr increments the counter under key, starting its ttl on creation.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, errEval := redisIncrScript.Run(ctx, s.client, []string{s.buildKey(key)}, ttl.Milliseconds()).Result()
	if errEval != nil {
		return 0, errEval
	}
	switch v := res.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	default:
		return 0, errors.New("kv redis: unexpected response type")
	}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) buildKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}
