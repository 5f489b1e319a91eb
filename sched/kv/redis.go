package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis client. Keys are prefixed so several
// deployments can share one Redis database.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client, prefix: opts.KeyPrefix}, nil
}

// NewRedisStoreFromClient wraps an existing client (used by tests with
// miniredis).
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	return n > 0, err
}

func (s *RedisStore) Scan(ctx context.Context, prefix string, limit int) ([]Pair, error) {
	if limit <= 0 {
		limit = 256
	}
	var pairs []Pair
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", int64(limit)).Iterator()
	for iter.Next(ctx) {
		if len(pairs) >= limit {
			break
		}
		full := iter.Val()
		val, err := s.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return pairs, err
		}
		pairs = append(pairs, Pair{Key: full[len(s.prefix):], Value: val})
	}
	return pairs, iter.Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, err
	}
	// go-redis maps the integer replies -2 (missing key) and -1 (no expiry)
	// to negative nanosecond durations.
	if d == -2 {
		return 0, ErrNotFound
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
