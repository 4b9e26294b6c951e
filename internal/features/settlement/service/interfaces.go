package service

import (
	"context"
	"time"
)

// Notifier is the best-effort notification sink. Every call may fail; the
// orchestrator logs and ignores those failures, they never roll back state.
type Notifier interface {
	NotifyDrawPreview(ctx context.Context, ownerID int64, giveawayID string, title string, winners []int64) error
	NotifyRetryCredit(ctx context.Context, userID int64, expiresAt time.Time) error
	MarkPlacementExpired(ctx context.Context, chatID int64, messageID int64, title string) error
}

// TickRunner is the single entrypoint of the settlement tick, exposed for
// the trigger surface and the scheduler.
type TickRunner interface {
	RunTick(ctx context.Context, now time.Time) (*TickResult, error)
}
