package repository

import (
	"context"
	"errors"
	"time"

	"promo-market-backend/internal/features/ledger/models"
)

var (
	ErrOfferNotFound       = errors.New("offer not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrThreadExists        = errors.New("contact thread already exists")
	ErrRetryCreditExists   = errors.New("retry credit already issued for thread")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Transaction is a unit of work with row-level locking semantics.
type Transaction interface {
	Commit() error
	Rollback() error
}

// LedgerRepository persists offers, accounts, contact threads, retry credits
// and daily usage. The ...Tx methods run inside the given transaction; row
// locks taken there are held until commit or rollback.
type LedgerRepository interface {
	BeginTx(ctx context.Context) (Transaction, error)

	GetOfferTx(ctx context.Context, tx Transaction, offerID string) (*models.Offer, error)

	// GetThreadTx reads the (offer, buyer) thread without locking. Returns
	// nil, nil when no thread exists.
	GetThreadTx(ctx context.Context, tx Transaction, offerID string, buyerID int64) (*models.ContactThread, error)

	// GetAccountForUpdateTx locks the buyer's account row. Two concurrent
	// opens by the same buyer serialize here; different buyers do not.
	GetAccountForUpdateTx(ctx context.Context, tx Transaction, userID int64) (*models.Account, error)

	// CountOwnedWorkspacesTx reports how many workspaces the user owns.
	CountOwnedWorkspacesTx(ctx context.Context, tx Transaction, userID int64) (int, error)

	// GetDailyUsageForUpdateTx locks and reads today's usage counter,
	// returning 0 when no row exists yet.
	GetDailyUsageForUpdateTx(ctx context.Context, tx Transaction, userID int64, day string) (int, error)

	// ClaimRetryCreditTx locks and returns the buyer's available, unexpired
	// retry credit with the earliest expiry, or nil, nil when none exists.
	ClaimRetryCreditTx(ctx context.Context, tx Transaction, userID int64, now time.Time) (*models.RetryCredit, error)

	// GrantTrialTx adds the trial amount and sets the trial flag; a no-op
	// returning false when the flag was already set.
	GrantTrialTx(ctx context.Context, tx Transaction, userID int64, amount int) (bool, error)

	// InsertThreadTx inserts the thread row. Returns ErrThreadExists when a
	// concurrent transaction already created the (offer, buyer) pair.
	InsertThreadTx(ctx context.Context, tx Transaction, thread *models.ContactThread) error

	// RedeemRetryCreditTx marks the claimed credit redeemed and links it to
	// the thread it funded.
	RedeemRetryCreditTx(ctx context.Context, tx Transaction, creditID, threadID string, now time.Time) error

	// DebitCreditsTx decrements the balance by cost (floored at zero) and
	// accumulates lifetime spend.
	DebitCreditsTx(ctx context.Context, tx Transaction, userID int64, cost int) error

	// IncrementDailyUsageTx upserts today's usage counter.
	IncrementDailyUsageTx(ctx context.Context, tx Transaction, userID int64, day string) error

	// ExpireRetryCredits moves available credits past their expiry to
	// expired, returning how many rows changed.
	ExpireRetryCredits(ctx context.Context, now time.Time) (int64, error)

	// ListThreadsAwaitingReply returns credit-charged threads whose first
	// message predates cutoff, that never got a reply and never had a retry
	// credit issued.
	ListThreadsAwaitingReply(ctx context.Context, cutoff time.Time, limit int) ([]*models.ContactThread, error)

	// InsertRetryCredit creates a retry credit; the uniqueness constraint on
	// source thread makes re-issuance impossible, reported as
	// ErrRetryCreditExists.
	InsertRetryCredit(ctx context.Context, credit *models.RetryCredit) error

	// StampRetryIssued records on the thread that compensation was issued.
	StampRetryIssued(ctx context.Context, threadID string, now time.Time) error
}
