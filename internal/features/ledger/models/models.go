package models

import "time"

// ChargeSource records what funded a contact thread.
type ChargeSource string

const (
	ChargeSourceCredits ChargeSource = "credits"
	ChargeSourceRetry   ChargeSource = "retry"
)

// ThreadStatus is the contact thread lifecycle. The ledger only ever
// produces open; closing is driven by an external action.
type ThreadStatus string

const (
	ThreadStatusOpen   ThreadStatus = "open"
	ThreadStatusClosed ThreadStatus = "closed"
)

// RetryCreditStatus lifecycle: available -> redeemed | expired, both terminal.
type RetryCreditStatus string

const (
	RetryCreditStatusAvailable RetryCreditStatus = "available"
	RetryCreditStatusRedeemed  RetryCreditStatus = "redeemed"
	RetryCreditStatusExpired   RetryCreditStatus = "expired"
)

// Offer is a content offer a buyer can open a contact thread against.
type Offer struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	CreatorID   int64     `json:"creator_id"`
	Title       string    `json:"title"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Account is the per-user credit balance. BrandCredits is never negative;
// TrialGranted guards the one-time trial top-up.
type Account struct {
	UserID       int64     `json:"user_id"`
	BrandCredits int       `json:"brand_credits"`
	TotalSpent   int       `json:"total_spent"`
	TrialGranted bool      `json:"trial_granted"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ContactThread is the unique (offer, buyer) conversation and the ledger's
// idempotency anchor. Charge metadata is written together with the row.
type ContactThread struct {
	ID             string       `json:"id"`
	OfferID        string       `json:"offer_id"`
	BuyerID        int64        `json:"buyer_id"`
	Status         ThreadStatus `json:"status"`
	ChargedCost    int          `json:"charged_cost"`
	ChargeSource   ChargeSource `json:"charge_source,omitempty"`
	ChargedAt      *time.Time   `json:"charged_at,omitempty"`
	FirstMessageAt *time.Time   `json:"first_message_at,omitempty"`
	FirstReplyAt   *time.Time   `json:"first_reply_at,omitempty"`
	RetryIssuedAt  *time.Time   `json:"retry_issued_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// RetryCredit is a fairness compensation credit, created at most once per
// source thread and redeemed at most once.
type RetryCredit struct {
	ID               string            `json:"id"`
	UserID           int64             `json:"user_id"`
	SourceThreadID   string            `json:"source_thread_id"`
	Status           RetryCreditStatus `json:"status"`
	ExpiresAt        time.Time         `json:"expires_at"`
	RedeemedThreadID *string           `json:"redeemed_thread_id,omitempty"`
	RedeemedAt       *time.Time        `json:"redeemed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// DailyUsage is the (user, calendar day) intro counter. Day is a UTC date in
// 2006-01-02 form.
type DailyUsage struct {
	UserID int64  `json:"user_id"`
	Day    string `json:"day"`
	Used   int    `json:"used"`
}

// DayKey formats t as the UTC calendar-day key used by DailyUsage.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
