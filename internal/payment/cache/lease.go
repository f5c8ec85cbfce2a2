package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-paytracker/internal/logger"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the lease only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TrackingLease marks a trace as polled by one instance so replicas sharing Redis
// do not track the same payment twice.
type TrackingLease struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
	log    *logger.Logger
}

func NewTrackingLease(client *redis.Client, owner string, ttl time.Duration, log *logger.Logger) *TrackingLease {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &TrackingLease{client: client, owner: owner, ttl: ttl, log: log}
}

func leaseKey(traceID string) string {
	return "tracking_lease:" + traceID
}

// Acquire takes the lease for traceID. It reports false when another owner holds it.
// Re-acquiring a lease this owner already holds succeeds and extends it.
func (l *TrackingLease) Acquire(ctx context.Context, traceID string) (bool, error) {
	key := leaseKey(traceID)
	ok, err := l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		l.log.LogCache("LEASE", key, "acquired")
		return true, nil
	}

	holder, err := l.Owner(ctx, traceID)
	if err != nil {
		return false, err
	}
	if holder != l.owner {
		l.log.LogCache("LEASE", key, fmt.Sprintf("held by %s", holder))
		return false, nil
	}
	if err := l.client.Expire(ctx, key, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to extend lease: %w", err)
	}
	return true, nil
}

// Release drops the lease if this owner still holds it.
func (l *TrackingLease) Release(ctx context.Context, traceID string) error {
	key := leaseKey(traceID)
	if err := releaseScript.Run(ctx, l.client, []string{key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	l.log.LogCache("LEASE", key, "released")
	return nil
}

// Owner returns the current holder of the lease, or "" when it is free.
func (l *TrackingLease) Owner(ctx context.Context, traceID string) (string, error) {
	owner, err := l.client.Get(ctx, leaseKey(traceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease: %w", err)
	}
	return owner, nil
}
