package models

import "time"

// PlacementStatus is the lifecycle of an official catalog placement.
type PlacementStatus string

const (
	PlacementStatusActive  PlacementStatus = "active"
	PlacementStatusExpired PlacementStatus = "expired"
)

// Placement is a paid slot in the official catalog channel. The announcement
// lives in an external chat; ChatID/MessageID point at it so the expiry phase
// can stamp it as ended.
type Placement struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	Title       string          `json:"title"`
	ChatID      int64           `json:"chat_id"`
	MessageID   int64           `json:"message_id"`
	Slot        int             `json:"slot"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Status      PlacementStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
