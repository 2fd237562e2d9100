package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultKeyPrefix = "adcog:"

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each slot under one key. A single SET replaces the value
// atomically.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects and pings the server before returning.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr is not set", ErrStorage)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", ErrStorage, err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(slot Slot) string {
	return s.prefix + string(slot)
}

func (s *RedisStore) Save(ctx context.Context, slot Slot, artifact []byte) error {
	if err := slot.validate(); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(slot), artifact, 0).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStorage, slot, err)
	}
	log.Debug().Str("slot", string(slot)).Int("bytes", len(artifact)).Msg("model artifact saved to redis")
	return nil
}

func (s *RedisStore) Load(ctx context.Context, slot Slot) ([]byte, error) {
	if err := slot.validate(); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(slot)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slot)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorage, slot, err)
	}
	return data, nil
}

func (s *RedisStore) Exists(ctx context.Context, slot Slot) (bool, error) {
	if err := slot.validate(); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.key(slot)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %v", ErrStorage, slot, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, slot Slot) error {
	if err := slot.validate(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(slot)).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrStorage, slot, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
