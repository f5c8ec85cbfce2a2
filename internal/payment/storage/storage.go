package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-paytracker/internal/logger"
	"ms-paytracker/internal/models"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

var ErrAttemptNotFound = errors.New("payment attempt not found")

// PoolOptions tunes the underlying sql.DB.
type PoolOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// OpenPostgres connects to Postgres through lib/pq, retrying while the database starts up.
func OpenPostgres(ctx context.Context, dsn string, pool PoolOptions, log *logger.Logger) (*bun.DB, error) {
	const maxRetries = 5

	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL: %w", err)
	}
	sqldb.SetMaxOpenConns(pool.MaxOpenConns)
	sqldb.SetMaxIdleConns(pool.MaxIdleConns)
	sqldb.SetConnMaxLifetime(pool.MaxLifetime)

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		if err = sqldb.PingContext(ctx); err == nil {
			log.Info("DATABASE", "Connected to PostgreSQL")
			return bun.NewDB(sqldb, pgdialect.New()), nil
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))

		select {
		case <-ctx.Done():
			_ = sqldb.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	_ = sqldb.Close()
	return nil, fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", maxRetries, err)
}

// AttemptStore persists finished payment attempts.
type AttemptStore struct {
	Bun *bun.DB
	log *logger.Logger
}

func NewAttemptStore(db *bun.DB, log *logger.Logger) *AttemptStore {
	return &AttemptStore{Bun: db, log: log}
}

// CreateSchema creates the table directly from the model. Production databases use the
// SQL migrations instead.
func (s *AttemptStore) CreateSchema(ctx context.Context) error {
	_, err := s.Bun.NewCreateTable().
		Model((*models.PaymentAttempt)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

// SaveAttempt inserts the attempt, replacing an earlier row for the same trace.
func (s *AttemptStore) SaveAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	_, err := s.Bun.NewInsert().
		Model(attempt).
		On("CONFLICT (trace_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("outcome = EXCLUDED.outcome").
		Set("error = EXCLUDED.error").
		Set("polls = EXCLUDED.polls").
		Set("finished_at = EXCLUDED.finished_at").
		Exec(ctx)
	if err != nil {
		s.log.Error("DATABASE", fmt.Sprintf("Failed to save attempt %s: %v", attempt.TraceID, err))
		return fmt.Errorf("failed to save payment attempt: %w", err)
	}
	s.log.LogDatabase("UPSERT", "payment_attempts", fmt.Sprintf("%s -> %s", attempt.TraceID, attempt.Outcome))
	return nil
}

func (s *AttemptStore) GetAttempt(ctx context.Context, traceID string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := s.Bun.NewSelect().
		Model(&attempt).
		Where("trace_id = ?", traceID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// ListByCard returns the card's attempts, newest first. A non-positive limit means
// DefaultHistoryLimit; larger limits are capped at MaxHistoryLimit.
func (s *AttemptStore) ListByCard(ctx context.Context, cardID string, limit int) ([]models.PaymentAttempt, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	var attempts []models.PaymentAttempt
	err := s.Bun.NewSelect().
		Model(&attempts).
		Where("card_id = ?", cardID).
		Order("started_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (s *AttemptStore) HealthCheck(ctx context.Context) error {
	return s.Bun.PingContext(ctx)
}
