package models

import (
	"errors"
	"time"
)

var (
	ErrGiveawayEnded       = errors.New("giveaway has ended")
	ErrInvalidWinnersCount = errors.New("winners count must be greater than 0")
)

// GiveawayStatus represents the status of a giveaway. Transitions are
// monotonic forward-only: published/running -> ended -> winners_drawn ->
// results_published. The settlement tick owns the ended and winners_drawn
// transitions; publishing is a separate flow.
type GiveawayStatus string

const (
	GiveawayStatusPublished        GiveawayStatus = "published"
	GiveawayStatusRunning          GiveawayStatus = "running"
	GiveawayStatusEnded            GiveawayStatus = "ended"
	GiveawayStatusWinnersDrawn     GiveawayStatus = "winners_drawn"
	GiveawayStatusResultsPublished GiveawayStatus = "results_published"
)

// Giveaway represents a time-bound giveaway owned by a workspace.
type Giveaway struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspace_id"`
	OwnerID        int64          `json:"owner_id"`
	Title          string         `json:"title"`
	EndsAt         *time.Time     `json:"ends_at,omitempty"`
	WinnersCount   int            `json:"winners_count"`
	AutoDraw       bool           `json:"auto_draw"`
	AutoPublish    bool           `json:"auto_publish"`
	Status         GiveawayStatus `json:"status"`
	WinnersDrawnAt *time.Time     `json:"winners_drawn_at,omitempty"`
	SeedHash       string         `json:"seed_hash,omitempty"`
	EligibleHash   string         `json:"eligible_hash,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// HasEnded reports whether the giveaway deadline has passed.
func (g *Giveaway) HasEnded(now time.Time) bool {
	return g.EndsAt != nil && !g.EndsAt.After(now)
}

// Entry is a (giveaway, user) participation pair. Eligibility is set by an
// external checker, never by the settlement core.
type Entry struct {
	GiveawayID    string     `json:"giveaway_id"`
	UserID        int64      `json:"user_id"`
	IsEligible    bool       `json:"is_eligible"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Winner is one drawn winner; Place is 1-indexed draw order. The winner set
// for a giveaway is always replaced wholesale, never appended.
type Winner struct {
	GiveawayID string    `json:"giveaway_id"`
	UserID     int64     `json:"user_id"`
	Place      int       `json:"place"`
	CreatedAt  time.Time `json:"created_at"`
}
