package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const tokenKey = "datagate:tokens"

// RedisStore persists tokens in Redis so they survive gateway restarts.
// The key expires with the access token; Redis never serves credentials
// that are already dead.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) Store {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, t *Tokens) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	ttl := time.Until(t.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refusing to store already-expired tokens")
	}
	return s.client.Set(ctx, tokenKey, data, ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context) (*Tokens, error) {
	data, err := s.client.Get(ctx, tokenKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // No stored token is not an error
		}
		return nil, err
	}

	var t Tokens
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tokens: %w", err)
	}
	return &t, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, tokenKey).Err()
}
