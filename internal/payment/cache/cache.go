package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/models"

	"github.com/go-redis/redis/v8"
)

const sessionKeyPrefix = "payment_session:"

var ErrSessionNotFound = errors.New("payment session not found")

// Connect opens a Redis client and checks the connection.
func Connect(ctx context.Context, addr, password string, db int, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Error("REDIS", fmt.Sprintf("Failed to connect to Redis at %s: %v", addr, err))
		_ = client.Close()
		return nil, err
	}

	log.Info("REDIS", fmt.Sprintf("Connected to Redis at %s", addr))
	return client, nil
}

// SessionCache keeps the latest snapshot of each tracked payment so status reads do not
// hit the payment backend.
type SessionCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

func NewSessionCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *SessionCache {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &SessionCache{client: client, ttl: ttl, log: log}
}

func sessionKey(traceID string) string {
	return sessionKeyPrefix + traceID
}

// Save stores the snapshot under traceID. The session's own TraceID may already be
// cleared after a failure, so the key is passed separately.
func (c *SessionCache) Save(ctx context.Context, traceID string, session models.PaymentSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := c.client.Set(ctx, sessionKey(traceID), raw, c.ttl).Err(); err != nil {
		c.log.Error("REDIS", fmt.Sprintf("Failed to save session %s: %v", traceID, err))
		return fmt.Errorf("failed to save session: %w", err)
	}
	c.log.LogCache("SET", sessionKey(traceID), string(session.Status))
	return nil
}

func (c *SessionCache) Get(ctx context.Context, traceID string) (*models.PaymentSession, error) {
	raw, err := c.client.Get(ctx, sessionKey(traceID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.PaymentSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Delete drops the snapshot of a payment whose tracking was cancelled.
func (c *SessionCache) Delete(ctx context.Context, traceID string) error {
	if err := c.client.Del(ctx, sessionKey(traceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	c.log.LogCache("DEL", sessionKey(traceID), "")
	return nil
}
