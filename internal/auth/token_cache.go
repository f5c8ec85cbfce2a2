package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// TokenExpiryBuffer is how long before expiry a cached token stops being handed out.
const TokenExpiryBuffer = 60 * time.Second

const tokenKeyPrefix = "paytracker:m2m_token:"

// TokenStore caches the service token between requests and across replicas.
type TokenStore interface {
	GetToken(ctx context.Context) (*CachedToken, error)
	SetToken(ctx context.Context, token string, lifetime time.Duration) error
}

type CachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsValid reports whether the token is still usable, allowing for TokenExpiryBuffer.
func (tc *CachedToken) IsValid() bool {
	return tc != nil && tc.Token != "" && time.Until(tc.ExpiresAt) > TokenExpiryBuffer
}

// RedisTokenCache stores one client's token under a key derived from its client id.
type RedisTokenCache struct {
	client *redis.Client
	key    string
}

func NewRedisTokenCache(client *redis.Client, clientID string) *RedisTokenCache {
	return &RedisTokenCache{client: client, key: TokenKey(clientID)}
}

// TokenKey is the Redis key holding clientID's token.
func TokenKey(clientID string) string {
	return tokenKeyPrefix + clientID
}

// GetToken returns nil without error when no usable token is cached.
func (c *RedisTokenCache) GetToken(ctx context.Context) (*CachedToken, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached token: %w", err)
	}

	var cached CachedToken
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("failed to decode cached token: %w", err)
	}
	if !cached.IsValid() {
		return nil, nil
	}
	return &cached, nil
}

// SetToken caches token until its lifetime ends. Tokens too short-lived to survive
// TokenExpiryBuffer are not cached.
func (c *RedisTokenCache) SetToken(ctx context.Context, token string, lifetime time.Duration) error {
	if lifetime <= TokenExpiryBuffer {
		return nil
	}
	raw, err := json.Marshal(CachedToken{Token: token, ExpiresAt: time.Now().Add(lifetime)})
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := c.client.Set(ctx, c.key, raw, lifetime).Err(); err != nil {
		return fmt.Errorf("failed to cache token: %w", err)
	}
	return nil
}
