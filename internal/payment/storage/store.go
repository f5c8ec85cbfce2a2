package storage

import (
	"context"

	"ms-paytracker/internal/models"
)

// Store is the attempt history used by the payment service.
type Store interface {
	SaveAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	GetAttempt(ctx context.Context, traceID string) (*models.PaymentAttempt, error)
	ListByCard(ctx context.Context, cardID string, limit int) ([]models.PaymentAttempt, error)

	HealthCheck(ctx context.Context) error
}

var _ Store = (*AttemptStore)(nil)
