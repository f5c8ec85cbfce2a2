package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.PaymentAPI.Provider)
	assert.Equal(t, 2*time.Second, cfg.Tracking.Confirm.Interval)
	assert.Equal(t, 20, cfg.Tracking.Confirm.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Tracking.Confirm.GracePeriod)
	assert.Equal(t, 3*time.Second, cfg.Tracking.Passive.Interval)
	assert.Equal(t, 0, cfg.Tracking.Passive.MaxAttempts)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3, cfg.Kafka.Partitions)
	assert.Equal(t, 15*time.Minute, cfg.Redis.LeaseTTL)
	assert.Empty(t, cfg.Server.InstanceID)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CONFIRM_POLL_INTERVAL", "500ms")
	t.Setenv("CONFIRM_MAX_ATTEMPTS", "5")
	t.Setenv("TRACK_MAX_ATTEMPTS", "100")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("KAFKA_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Tracking.Confirm.Interval)
	assert.Equal(t, 5, cfg.Tracking.Confirm.MaxAttempts)
	assert.Equal(t, 100, cfg.Tracking.Passive.MaxAttempts)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("CONFIRM_POLL_INTERVAL", "soon")
	t.Setenv("CONFIRM_MAX_ATTEMPTS", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Tracking.Confirm.Interval)
	assert.Equal(t, 20, cfg.Tracking.Confirm.MaxAttempts)
}

func TestLoad_RejectsBadProfiles(t *testing.T) {
	t.Setenv("CONFIRM_POLL_INTERVAL", "0s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CONFIRM_POLL_INTERVAL")
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "paypal")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_PROVIDER")
}

func TestLoad_StripeRequiresKey(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "stripe")
	t.Setenv("STRIPE_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "cop", cfg.Stripe.Currency)
}
