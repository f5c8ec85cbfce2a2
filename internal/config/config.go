package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	PaymentAPI PaymentAPIConfig
	Tracking   TrackingConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Database   DatabaseConfig
	Auth       AuthConfig
	Stripe     StripeConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// AllowedOrigins lists browser origins allowed to call the API.
	AllowedOrigins []string
	// InstanceID owns this process's tracking leases. Empty means a random id per start.
	InstanceID string
}

type LogConfig struct {
	Dir   string
	Level string
}

// PaymentAPIConfig points at the asynchronous payment backend.
type PaymentAPIConfig struct {
	// Provider selects the payment client: "http" or "stripe".
	Provider    string
	InitiateURL string
	StatusURL   string
	Timeout     time.Duration
}

// TrackingProfile is one polling configuration.
type TrackingProfile struct {
	Interval     time.Duration
	MaxAttempts  int
	GracePeriod  time.Duration
	QueryTimeout time.Duration
}

// TrackingConfig holds the two call-site profiles: post-payment confirmation and
// passive tracking of an existing trace.
type TrackingConfig struct {
	Confirm TrackingProfile
	Passive TrackingProfile
	// SideEffectTimeout bounds cache/storage/broker writes made from tracker callbacks.
	SideEffectTimeout time.Duration
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
	// LeaseTTL bounds how long a tracking lease survives an instance that died
	// without releasing it. Zero disables leases.
	LeaseTTL time.Duration
}

type KafkaConfig struct {
	Brokers           []string
	Enabled           bool
	Topics            TopicConfig
	Partitions        int
	ReplicationFactor int
}

type TopicConfig struct {
	PaymentSucceeded string
	PaymentFailed    string
}

type DatabaseConfig struct {
	DSN           string
	MaxOpenConns  int
	MaxIdleConns  int
	MaxLifetime   time.Duration
	MigrationsDir string
	AutoMigrate   bool
}

type AuthConfig struct {
	// OIDCIssuer enables signature verification. Empty falls back to reading the
	// subject from an unverified bearer token.
	OIDCIssuer string
	Required   bool
	// Client credentials used for status polls that outlive the user's request.
	// Empty TokenURL disables service tokens.
	TokenURL     string
	ClientID     string
	ClientSecret string
}

type StripeConfig struct {
	SecretKey string
	Currency  string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", ":8085"),
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0, // SSE streams stay open
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			InstanceID:      getEnv("INSTANCE_ID", ""),
		},
		Log: LogConfig{
			Dir:   getEnv("LOG_DIR", "logs"),
			Level: getEnv("LOG_LEVEL", "info"),
		},
		PaymentAPI: PaymentAPIConfig{
			Provider:    strings.ToLower(getEnv("PAYMENT_PROVIDER", "http")),
			InitiateURL: getEnv("PAYMENT_API_URL", "http://localhost:8081/api/payments"),
			StatusURL:   getEnv("PAYMENT_STATUS_API_URL", "http://localhost:8081/api/payments/status"),
			Timeout:     getEnvDuration("PAYMENT_API_TIMEOUT", 10*time.Second),
		},
		Tracking: TrackingConfig{
			Confirm: TrackingProfile{
				Interval:     getEnvDuration("CONFIRM_POLL_INTERVAL", 2*time.Second),
				MaxAttempts:  getEnvInt("CONFIRM_MAX_ATTEMPTS", 20),
				GracePeriod:  getEnvDuration("CONFIRM_GRACE_PERIOD", 3*time.Second),
				QueryTimeout: getEnvDuration("CONFIRM_QUERY_TIMEOUT", 0),
			},
			Passive: TrackingProfile{
				Interval:     getEnvDuration("TRACK_POLL_INTERVAL", 3*time.Second),
				MaxAttempts:  getEnvInt("TRACK_MAX_ATTEMPTS", 0),
				GracePeriod:  getEnvDuration("TRACK_GRACE_PERIOD", 0),
				QueryTimeout: getEnvDuration("TRACK_QUERY_TIMEOUT", 0),
			},
			SideEffectTimeout: getEnvDuration("SIDE_EFFECT_TIMEOUT", 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			SessionTTL: getEnvDuration("SESSION_TTL", 24*time.Hour),
			LeaseTTL:   getEnvDuration("TRACKING_LEASE_TTL", 15*time.Minute),
		},
		Database: DatabaseConfig{
			DSN:           getEnv("POSTGRES_DSN", ""),
			MaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:   time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			MigrationsDir: getEnv("MIGRATIONS_DIR", ""),
			AutoMigrate:   getEnvBool("AUTO_MIGRATE", true),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				PaymentSucceeded: getEnv("KAFKA_TOPIC_SUCCEEDED", "paytracker.payment.succeeded"),
				PaymentFailed:    getEnv("KAFKA_TOPIC_FAILED", "paytracker.payment.failed"),
			},
			Partitions:        getEnvInt("KAFKA_TOPIC_PARTITIONS", 3),
			ReplicationFactor: getEnvInt("KAFKA_TOPIC_REPLICATION", 1),
		},
		Auth: AuthConfig{
			OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
			Required:     getEnvBool("AUTH_REQUIRED", true),
			TokenURL:     getEnv("M2M_TOKEN_URL", ""),
			ClientID:     getEnv("M2M_CLIENT_ID", ""),
			ClientSecret: getEnv("M2M_CLIENT_SECRET", ""),
		},
		Stripe: StripeConfig{
			SecretKey: getEnv("STRIPE_SECRET_KEY", ""),
			Currency:  strings.ToLower(getEnv("STRIPE_CURRENCY", "cop")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Tracking.Confirm.validate("CONFIRM"); err != nil {
		return err
	}
	if err := c.Tracking.Passive.validate("TRACK"); err != nil {
		return err
	}

	switch c.PaymentAPI.Provider {
	case "http":
		if c.PaymentAPI.InitiateURL == "" || c.PaymentAPI.StatusURL == "" {
			return errors.New("PAYMENT_API_URL and PAYMENT_STATUS_API_URL are required for the http provider")
		}
	case "stripe":
		if c.Stripe.SecretKey == "" {
			return errors.New("STRIPE_SECRET_KEY is required for the stripe provider")
		}
	default:
		return fmt.Errorf("invalid PAYMENT_PROVIDER: %s (must be 'http' or 'stripe')", c.PaymentAPI.Provider)
	}

	if c.Auth.TokenURL != "" && c.Auth.ClientID == "" {
		return errors.New("M2M_CLIENT_ID is required when M2M_TOKEN_URL is set")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
	}
	return nil
}

func (p TrackingProfile) validate(prefix string) error {
	if p.Interval <= 0 {
		return fmt.Errorf("%s_POLL_INTERVAL must be positive", prefix)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("%s_MAX_ATTEMPTS must not be negative", prefix)
	}
	if p.GracePeriod < 0 {
		return fmt.Errorf("%s_GRACE_PERIOD must not be negative", prefix)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
