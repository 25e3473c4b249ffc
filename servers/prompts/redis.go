package prompts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix is the key prefix used when RedisConfig.KeyPrefix is empty.
const DefaultRedisKeyPrefix = "mcp:prompts:"

// RedisConfig contains configuration options for the Redis store.
type RedisConfig struct {
	// Client is the Redis client instance
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys
	// Default: "mcp:prompts:"
	KeyPrefix string
}

// RedisStore is a Store shared through Redis. Each prompt is a JSON value under
// KeyPrefix+id.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisKeyPrefix
	}

	return &RedisStore{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

func (r *RedisStore) key(id string) string {
	return r.keyPrefix + id
}

// List implements Store.
func (r *RedisStore) List(ctx context.Context) ([]Prompt, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan prompts: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if len(keys) == 0 {
		return []Prompt{}, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get prompts: %w", err)
	}

	prompts := make(map[string]Prompt, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		var p Prompt
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prompt %s: %w", strings.TrimPrefix(keys[i], r.keyPrefix), err)
		}
		prompts[p.ID] = p
	}
	return sorted(prompts), nil
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, id string) (Prompt, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Prompt{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Prompt{}, fmt.Errorf("failed to get prompt %s: %w", id, err)
	}

	var p Prompt
	if err := json.Unmarshal(data, &p); err != nil {
		return Prompt{}, fmt.Errorf("failed to unmarshal prompt %s: %w", id, err)
	}
	return p, nil
}

// Create implements Store.
func (r *RedisStore) Create(ctx context.Context, p Prompt) (Prompt, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to marshal prompt: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.key(p.ID), data, 0).Result()
	if err != nil {
		return Prompt{}, fmt.Errorf("failed to create prompt %s: %w", p.ID, err)
	}
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrExists, p.ID)
	}
	return p, nil
}

// Update implements Store. The read-modify-write runs in a WATCH transaction so concurrent
// updates of the same prompt do not overwrite each other.
func (r *RedisStore) Update(ctx context.Context, id string, patch Patch) (Prompt, error) {
	key := r.key(id)
	var updated Prompt

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return fmt.Errorf("failed to get prompt %s: %w", id, err)
		}

		var p Prompt
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal prompt %s: %w", id, err)
		}
		updated = p.apply(patch)

		newData, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal prompt: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return Prompt{}, err
	}
	return updated, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete prompt %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
