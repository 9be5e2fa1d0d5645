package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"

	"authd/pkg/platform/sentinel"
)

const redisKeyPrefix = "authd:webauthn:"

// RedisStore is the shared-state Store: any instance can finish a ceremony
// another instance began. Expiry is Redis-side via the key TTL; GETDEL makes
// consumption atomic.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs the store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, key string, session *webauthn.SessionData, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode ceremony session: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store ceremony session: %w", err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, key string) (*webauthn.SessionData, error) {
	payload, err := s.client.GetDel(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("pending ceremony: %w", sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("load ceremony session: %w", err)
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("decode ceremony session: %w", err)
	}
	return &session, nil
}
