package devicelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "devicegate:device-limit"

// RedisStore persists policy state as a JSON document under a single key
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore creates a store; an empty key uses DefaultRedisKey
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{
		client: client,
		key:    key,
	}
}

func (s *RedisStore) Load(ctx context.Context) (State, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("failed to get device limit from redis: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("failed to unmarshal device limit: %w", err)
	}
	return state, true, nil
}

func (s *RedisStore) Save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal device limit: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store device limit in redis: %w", err)
	}
	return nil
}
