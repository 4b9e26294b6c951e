package repository

import (
	"context"

	"promo-market-backend/internal/features/audit/models"
)

// AuditRepository is an append-only log keyed by (entity, action). Payloads
// are arbitrary JSON-marshalable values.
type AuditRepository interface {
	Append(ctx context.Context, entity, action string, payload interface{}) error
	ListByEntity(ctx context.Context, entity string, limit int) ([]*models.Record, error)
}
