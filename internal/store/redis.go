package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore persists session flags in Redis under a single key. Intended
// for server-side deployments of walletcored where several replicas share
// session state.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to addr and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client, key: "walletcore:session"}, nil
}

func (s *RedisStore) Load(ctx context.Context) (Flags, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return Flags{}, nil
	}
	if err != nil {
		return Flags{}, fmt.Errorf("load session flags: %w", err)
	}

	var f Flags
	if err := json.Unmarshal(data, &f); err != nil {
		_ = s.client.Del(ctx, s.key).Err()
		return Flags{}, nil
	}
	if stale(f, time.Now()) {
		_ = s.client.Del(ctx, s.key).Err()
		return Flags{}, nil
	}
	return f, nil
}

func (s *RedisStore) Save(ctx context.Context, f Flags) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal session flags: %w", err)
	}
	// Expire alongside the relay-side session so dead records clean
	// themselves up.
	if err := s.client.Set(ctx, s.key, data, MaxSessionAge).Err(); err != nil {
		return fmt.Errorf("save session flags: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear session flags: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
