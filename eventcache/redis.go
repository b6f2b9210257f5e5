package eventcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists buckets as JSON blobs in Redis, so the cache survives
// process restarts. Keys are prefixed to share an instance with other
// consumers.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to the Redis at redisURL (redis:// URL syntax) and
// verifies the connection before returning.
func NewRedisStore(redisURL, prefix string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) key(bucket string) string { return s.prefix + "bucket:" + bucket }

func (s *RedisStore) Load(ctx context.Context, bucket string) ([]Entry, error) {
	data, err := s.client.Get(ctx, s.key(bucket)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// Unparseable cached content is dropped, not fatal.
		return nil, nil
	}
	return entries, nil
}

func (s *RedisStore) Save(ctx context.Context, bucket string, entries []Entry) error {
	if len(entries) == 0 {
		return s.client.Del(ctx, s.key(bucket)).Err()
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal bucket: %w", err)
	}
	return s.client.Set(ctx, s.key(bucket), data, s.ttl).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
