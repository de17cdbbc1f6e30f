package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the Redis key holding the shared secret.
const DefaultRedisKey = "securepickle:key"

// Redis reads the shared secret from a Redis string, so every process
// pointed at the same instance signs with the same key.
type Redis struct {
	client *redis.Client
	name   string
}

// RedisConfig configures NewRedis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string // defaults to DefaultRedisKey
}

// NewRedis creates a Redis-backed key source.
func NewRedis(cfg RedisConfig) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisFromClient(rdb, cfg.Key)
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, name string) *Redis {
	if name == "" {
		name = DefaultRedisKey
	}
	return &Redis{client: client, name: name}
}

func (r *Redis) Key(ctx context.Context) ([]byte, error) {
	key, err := r.client.Get(ctx, r.name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: redis key %q is empty", ErrNoKey, r.name)
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: redis get %q: %w", r.name, err)
	}
	if key == nil {
		key = []byte{}
	}
	return key, nil
}

// Set stores key as the shared secret.
func (r *Redis) Set(ctx context.Context, key []byte) error {
	if err := r.client.Set(ctx, r.name, key, 0).Err(); err != nil {
		return fmt.Errorf("keystore: redis set %q: %w", r.name, err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
