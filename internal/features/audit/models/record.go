package models

import (
	"encoding/json"
	"time"
)

// Actions written by the settlement core.
const (
	ActionGiveawayEnded     = "gw.ended"
	ActionWinnersDrawn      = "gw.winners_drawn"
	ActionPlacementExpired  = "placement.expired"
	ActionRetryIssued       = "retry.issued"
	ActionRetryExpiredBatch = "retry.expired_batch"
)

// Record is one append-only audit entry.
type Record struct {
	ID        int64           `json:"id"`
	Entity    string          `json:"entity"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
