package migrations

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"ms-paytracker/internal/logger"
	schema "ms-paytracker/migrations"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/uptrace/bun"
)

// MigrateOptions selects where migrations come from and whether startup applies them.
type MigrateOptions struct {
	// MigrationsDir overrides the embedded migrations with a directory on disk.
	MigrationsDir string
	AutoMigrate   bool
}

func DefaultOptions() MigrateOptions {
	return MigrateOptions{AutoMigrate: true}
}

// Runner applies the payment_attempts schema to the Postgres database behind a bun.DB.
type Runner struct {
	db       *bun.DB
	opts     MigrateOptions
	log      *logger.Logger
	migrator *migrate.Migrate
}

func NewRunner(db *bun.DB, opts MigrateOptions, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Runner{db: db, opts: opts, log: log}
}

// Source returns the migration files the runner will read.
func (r *Runner) Source() (fs.FS, string, error) {
	if r.opts.MigrationsDir == "" {
		return schema.FS, "embedded", nil
	}
	info, err := os.Stat(r.opts.MigrationsDir)
	if err != nil || !info.IsDir() {
		return nil, "", fmt.Errorf("migrations directory does not exist: %s", r.opts.MigrationsDir)
	}
	return os.DirFS(r.opts.MigrationsDir), r.opts.MigrationsDir, nil
}

// Initialize builds the migrator. Other methods call it on demand.
func (r *Runner) Initialize() error {
	if r.migrator != nil {
		return nil
	}

	files, name, err := r.Source()
	if err != nil {
		return err
	}
	src, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("failed to read migrations from %s: %w", name, err)
	}

	driver, err := postgres.WithInstance(r.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	r.migrator = m
	r.log.Info("MIGRATE", fmt.Sprintf("Using %s migrations", name))
	return nil
}

// RunMigrations is the startup hook: a no-op unless AutoMigrate is set, otherwise it
// repairs a dirty version and migrates up.
func (r *Runner) RunMigrations() error {
	if !r.opts.AutoMigrate {
		r.log.Info("MIGRATE", "Auto-migration disabled, skipping")
		return nil
	}
	if err := r.Initialize(); err != nil {
		return err
	}

	version, dirty, err := r.Version()
	if err != nil {
		return err
	}
	if dirty {
		r.log.Warn("MIGRATE", fmt.Sprintf("Schema version %d is dirty, forcing it before migrating", version))
		if err := r.migrator.Force(int(version)); err != nil {
			return fmt.Errorf("failed to fix dirty migration: %w", err)
		}
	}

	if err := r.MigrateUp(); err != nil {
		return err
	}
	if version, _, err = r.Version(); err != nil {
		return err
	}
	r.log.Info("MIGRATE", fmt.Sprintf("Schema at version %d", version))
	return nil
}

// Version reports the applied version. A database never migrated reports 0.
func (r *Runner) Version() (uint, bool, error) {
	if err := r.Initialize(); err != nil {
		return 0, false, err
	}
	v, dirty, err := r.migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, dirty, nil
}

func (r *Runner) MigrateUp() error {
	return r.apply("up", func(m *migrate.Migrate) error { return m.Up() })
}

func (r *Runner) MigrateDown() error {
	return r.apply("down", func(m *migrate.Migrate) error { return m.Down() })
}

func (r *Runner) apply(direction string, step func(*migrate.Migrate) error) error {
	if err := r.Initialize(); err != nil {
		return err
	}
	err := step(r.migrator)
	if errors.Is(err, migrate.ErrNoChange) {
		r.log.Debug("MIGRATE", fmt.Sprintf("Nothing to migrate %s", direction))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}
	return nil
}

// Close releases the migrator. The postgres driver closes the database it was given,
// so call it only once the bun.DB is no longer needed.
func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	srcErr, _ := r.migrator.Close()
	r.migrator = nil
	return srcErr
}
