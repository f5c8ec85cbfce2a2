package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-paytracker/internal/auth"
	"ms-paytracker/internal/config"
	"ms-paytracker/internal/database/migrations"
	"ms-paytracker/internal/kafka"
	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/payment"
	"ms-paytracker/internal/payment/api"
	"ms-paytracker/internal/payment/cache"
	"ms-paytracker/internal/payment/client"
	"ms-paytracker/internal/payment/storage"
	"ms-paytracker/internal/payment/stripeclient"
	"ms-paytracker/internal/payment/tracker"
	"ms-paytracker/internal/sse"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Dir:        cfg.Log.Dir,
		FilePrefix: "paytracker",
		MinLevel:   logger.ParseLevel(cfg.Log.Level),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	log.Info("APP", "Starting payment tracker")
	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	ctx := context.Background()

	redisClient, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.Fatal("REDIS", err.Error())
	}
	defer redisClient.Close()
	sessions := cache.NewSessionCache(redisClient, cfg.Redis.SessionTTL, log)

	deps := payment.Deps{
		Cache:             sessions,
		Log:               log,
		SideEffectTimeout: cfg.Tracking.SideEffectTimeout,
	}

	if cfg.Redis.LeaseTTL > 0 {
		instanceID := cfg.Server.InstanceID
		if instanceID == "" {
			instanceID = uuid.NewString()
		}
		deps.Leases = cache.NewTrackingLease(redisClient, instanceID, cfg.Redis.LeaseTTL, log)
		log.Info("REDIS", fmt.Sprintf("Tracking leases held as %s", instanceID))
	}
	checks := map[string]api.HealthChecker{}

	if cfg.Database.DSN != "" {
		bunDB, err := storage.OpenPostgres(ctx, cfg.Database.DSN, storage.PoolOptions{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			MaxLifetime:  cfg.Database.MaxLifetime,
		}, log)
		if err != nil {
			log.Fatal("DATABASE", err.Error())
		}
		defer bunDB.Close()

		runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{
			MigrationsDir: cfg.Database.MigrationsDir,
			AutoMigrate:   cfg.Database.AutoMigrate,
		}, log)
		if err := runner.RunMigrations(); err != nil {
			log.Fatal("MIGRATE", err.Error())
		}

		store := storage.NewAttemptStore(bunDB, log)
		deps.Store = store
		checks["postgres"] = store
	} else {
		log.Warn("DATABASE", "POSTGRES_DSN not set, payment history is disabled")
	}

	if cfg.Kafka.Enabled {
		topics := kafka.Topics{
			PaymentSucceeded: cfg.Kafka.Topics.PaymentSucceeded,
			PaymentFailed:    cfg.Kafka.Topics.PaymentFailed,
		}
		topicCtx, cancelTopics := context.WithTimeout(ctx, 15*time.Second)
		err := kafka.EnsureTopicsExist(topicCtx, cfg.Kafka.Brokers, topics, kafka.TopicSettings{
			Partitions:        cfg.Kafka.Partitions,
			ReplicationFactor: cfg.Kafka.ReplicationFactor,
		}, log)
		cancelTopics()
		if err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, topics, log)
		defer producer.Close()
		deps.Publisher = producer
	} else {
		log.Warn("KAFKA", "Kafka disabled, payment outcomes will not be published")
	}

	paymentClient, err := newPaymentClient(cfg, redisClient, log)
	if err != nil {
		log.Fatal("PAYMENT", err.Error())
	}

	deps.Confirm, err = tracker.New(paymentClient, trackerConfig(cfg.Tracking.Confirm), log)
	if err != nil {
		log.Fatal("TRACKER", fmt.Sprintf("confirmation profile: %v", err))
	}
	deps.Passive, err = tracker.New(paymentClient, trackerConfig(cfg.Tracking.Passive), log)
	if err != nil {
		log.Fatal("TRACKER", fmt.Sprintf("passive profile: %v", err))
	}
	log.Info("TRACKER", fmt.Sprintf("Confirmation profile: %s", deps.Confirm.Config()))
	log.Info("TRACKER", fmt.Sprintf("Passive profile: %s", deps.Passive.Config()))

	events := sse.NewTrackingEventEmitter()
	deps.Events = events

	service, err := payment.NewService(deps)
	if err != nil {
		log.Fatal("PAYMENT", err.Error())
	}

	var verifier auth.Verifier = auth.UnverifiedVerifier{}
	if cfg.Auth.OIDCIssuer != "" {
		verifier, err = auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer)
		if err != nil {
			log.Fatal("AUTH", err.Error())
		}
		log.Info("AUTH", fmt.Sprintf("Verifying tokens issued by %s", cfg.Auth.OIDCIssuer))
	} else {
		log.Warn("AUTH", "OIDC_ISSUER not set, bearer tokens are decoded without verification")
	}

	handler := api.NewHandler(service, events, log)
	handler.Checks = checks

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(handler.RequestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	handler.RegisterRoutes(r, verifier, cfg.Auth.Required)
	log.Info("ROUTER", "Payment routes registered under /api/payments")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Payment tracker running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	// Trackers first so open event streams see their final events and close.
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Error("PAYMENT", fmt.Sprintf("Tracker shutdown incomplete: %v", err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server shutdown failed: %v", err))
	}
	log.Info("APP", "Payment tracker stopped")
}

func trackerConfig(p config.TrackingProfile) tracker.Config {
	return tracker.Config{
		Interval:     p.Interval,
		MaxAttempts:  p.MaxAttempts,
		GracePeriod:  p.GracePeriod,
		QueryTimeout: p.QueryTimeout,
	}
}

func newPaymentClient(cfg *config.Config, redisClient *redis.Client, log *logger.Logger) (tracker.PaymentClient, error) {
	switch cfg.PaymentAPI.Provider {
	case "stripe":
		log.Info("PAYMENT", "Using Stripe PaymentIntents as the payment backend")
		sc, err := stripeclient.New(cfg.Stripe.SecretKey, cfg.Stripe.Currency, log)
		if err != nil {
			return nil, err
		}
		return sc, nil
	default:
		httpClient := &http.Client{Timeout: cfg.PaymentAPI.Timeout}

		var tokens client.TokenSource
		if cfg.Auth.TokenURL != "" {
			tokens = auth.NewServiceTokenSource(
				cfg.Auth.TokenURL,
				cfg.Auth.ClientID,
				cfg.Auth.ClientSecret,
				&http.Client{Timeout: 10 * time.Second},
				auth.NewRedisTokenCache(redisClient, cfg.Auth.ClientID),
				log,
			)
			log.Info("AUTH", "Service tokens enabled for background status queries")
		}

		log.Info("PAYMENT", fmt.Sprintf("Using payment API at %s", cfg.PaymentAPI.InitiateURL))
		return client.New(cfg.PaymentAPI.InitiateURL, cfg.PaymentAPI.StatusURL, httpClient, tokens, log), nil
	}
}
