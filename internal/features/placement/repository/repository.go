package repository

import (
	"context"
	"errors"
	"time"

	"promo-market-backend/internal/features/placement/models"
)

var ErrPlacementNotFound = errors.New("placement not found")

// PlacementRepository is the settlement-facing slice of placement persistence.
type PlacementRepository interface {
	// ListExpired returns active placements whose slot has expired, oldest
	// expiry first, up to limit rows.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Placement, error)

	// MarkExpired sets status=expired regardless of whether the external
	// announcement edit succeeded.
	MarkExpired(ctx context.Context, id string, now time.Time) error
}
