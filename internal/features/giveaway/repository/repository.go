package repository

import (
	"context"
	"errors"
	"time"

	"promo-market-backend/internal/features/giveaway/models"
)

var (
	ErrGiveawayNotFound = errors.New("giveaway not found")
	ErrNotEndable       = errors.New("giveaway is not in an endable status")
)

// GiveawayRepository is the settlement-facing slice of giveaway persistence.
type GiveawayRepository interface {
	GetByID(ctx context.Context, id string) (*models.Giveaway, error)

	// ListDue returns giveaways with status published/running whose ends_at
	// has passed, oldest deadline first, up to limit rows.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Giveaway, error)

	// MarkEnded sets status=ended. The status guard makes the end phase
	// idempotent: once a row leaves the selectable set it is never re-ended.
	MarkEnded(ctx context.Context, id string, now time.Time) error

	// ListAwaitingDraw returns giveaways with status ended and no draw
	// timestamp yet, least recently updated first.
	ListAwaitingDraw(ctx context.Context, limit int) ([]*models.Giveaway, error)

	// EligibleEntryUserIDs returns user IDs of eligible entries.
	EligibleEntryUserIDs(ctx context.Context, giveawayID string) ([]int64, error)

	// AllEntryUserIDs returns user IDs of all entries, eligible or not.
	AllEntryUserIDs(ctx context.Context, giveawayID string) ([]int64, error)

	// ReplaceWinners atomically replaces the winner set and transitions the
	// giveaway to winners_drawn with the draw timestamp and audit hashes.
	// Winner set and winners_drawn_at are set together or not at all.
	ReplaceWinners(ctx context.Context, giveawayID string, winners []models.Winner, drawnAt time.Time, seedHash, eligibleHash string) error

	// Winners returns the current winner set in place order.
	Winners(ctx context.Context, giveawayID string) ([]models.Winner, error)
}
