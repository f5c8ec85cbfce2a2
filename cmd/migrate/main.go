package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"ms-paytracker/internal/config"
	"ms-paytracker/internal/database/migrations"
	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/payment/storage"

	"github.com/joho/godotenv"
)

// migrate applies or rolls back the payment_attempts schema outside the service.
//
//	go run ./cmd/migrate -direction up
func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	_ = godotenv.Load()
	log, err := logger.New(logger.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("CONFIG", err.Error())
	}
	if cfg.Database.DSN == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	bunDB, err := storage.OpenPostgres(context.Background(), cfg.Database.DSN, storage.PoolOptions{
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	opts := migrations.DefaultOptions()
	opts.MigrationsDir = cfg.Database.MigrationsDir
	runner := migrations.NewRunner(bunDB, opts, log)
	defer runner.Close()

	switch *direction {
	case "up":
		err = runner.MigrateUp()
	case "down":
		err = runner.MigrateDown()
	default:
		fmt.Fprintf(os.Stderr, "unknown direction %q\n", *direction)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	log.Info("MIGRATE", fmt.Sprintf("Migrations %s completed", *direction))
}
