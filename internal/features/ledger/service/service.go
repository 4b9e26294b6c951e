package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"promo-market-backend/internal/common/logger"
	"promo-market-backend/internal/common/metrics"
	"promo-market-backend/internal/features/ledger/models"
	"promo-market-backend/internal/features/ledger/repository"
	"promo-market-backend/internal/platform/db"
)

// Outcome discriminates the result of an open attempt. Business-rule
// failures are outcomes, not errors; only store failures surface as errors.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeOfferNotFound Outcome = "offer_not_found"
	OutcomeSelf          Outcome = "self"
	OutcomeLimitReached  Outcome = "limit_reached"
	OutcomeNeedPaywall   Outcome = "need_paywall"
)

// OpenThreadOptions tunes a single open attempt. Zero DailyLimit means no cap.
type OpenThreadOptions struct {
	Cost            int
	TrialCredits    int
	DailyLimit      int
	ForcePaying     bool
	UseRetryCredits bool
}

// OpenThreadResult is the discriminated result of OpenThreadWithCredit.
type OpenThreadResult struct {
	Outcome       Outcome               `json:"outcome"`
	Thread        *models.ContactThread `json:"thread,omitempty"`
	Charged       bool                  `json:"charged"`
	ChargedAmount int                   `json:"charged_amount"`
	RetryUsed     bool                  `json:"retry_used"`
	Balance       int                   `json:"balance"`
	TrialGranted  bool                  `json:"trial_granted"`
	DailyUsed     int                   `json:"daily_used"`
}

type Service struct {
	repo    repository.LedgerRepository
	caps    db.Capabilities
	metrics *metrics.SettlementMetrics
	logger  zerolog.Logger
}

func NewService(repo repository.LedgerRepository, caps db.Capabilities, m *metrics.SettlementMetrics) *Service {
	return &Service{
		repo:    repo,
		caps:    caps,
		metrics: m,
		logger:  logger.Component("ledger"),
	}
}

// OpenThreadWithCredit atomically creates the (offer, buyer) contact thread
// while applying the charge: a claimed retry credit, or the buyer's balance
// with an optional one-time trial top-up. Safe under concurrent calls for
// the same pair (the uniqueness constraint backstops the read-then-insert
// race) and under concurrent calls by the same buyer against different
// offers (the account row lock serializes them). Any failure aborts the
// whole transaction with no partial effects.
func (s *Service) OpenThreadWithCredit(ctx context.Context, offerID string, buyerID int64, opts OpenThreadOptions) (*OpenThreadResult, error) {
	res, err := s.openThread(ctx, offerID, buyerID, opts)
	if err != nil {
		s.metrics.RecordThreadOpen("error")
		return nil, err
	}
	s.metrics.RecordThreadOpen(string(res.Outcome))
	return res, nil
}

func (s *Service) openThread(ctx context.Context, offerID string, buyerID int64, opts OpenThreadOptions) (*OpenThreadResult, error) {
	now := time.Now().UTC()

	// On a schema that predates the retry_credits migration the claim query
	// would fail on the missing relation, so the schema probe downgrades the
	// option to a plain balance charge, same as the tick disables phase 4.
	if opts.UseRetryCredits && !s.caps.RetryCredits {
		opts.UseRetryCredits = false
	}

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	offer, err := s.repo.GetOfferTx(ctx, tx, offerID)
	if err != nil {
		if errors.Is(err, repository.ErrOfferNotFound) {
			return &OpenThreadResult{Outcome: OutcomeOfferNotFound}, nil
		}
		return nil, err
	}

	if offer.CreatorID == buyerID {
		return &OpenThreadResult{Outcome: OutcomeSelf}, nil
	}

	// Idempotency fast path: an existing thread is returned as-is, uncharged.
	existing, err := s.repo.GetThreadTx(ctx, tx, offerID, buyerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &OpenThreadResult{Outcome: OutcomeOK, Thread: existing, Charged: false}, nil
	}

	account, err := s.repo.GetAccountForUpdateTx(ctx, tx, buyerID)
	if err != nil {
		return nil, err
	}

	paying := opts.ForcePaying
	if !paying {
		owned, err := s.repo.CountOwnedWorkspacesTx(ctx, tx, buyerID)
		if err != nil {
			return nil, err
		}
		// Workspace owners operate in a non-charged capacity.
		paying = owned == 0
	}

	if !paying {
		thread := newThread(offerID, buyerID, now)
		thread, err = s.insertOrReread(ctx, tx, thread)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return &OpenThreadResult{
			Outcome: OutcomeOK,
			Thread:  thread,
			Balance: account.BrandCredits,
		}, nil
	}

	day := models.DayKey(now)
	dailyUsed := 0
	if opts.DailyLimit > 0 {
		dailyUsed, err = s.repo.GetDailyUsageForUpdateTx(ctx, tx, buyerID, day)
		if err != nil {
			return nil, err
		}
		if dailyUsed >= opts.DailyLimit {
			return &OpenThreadResult{
				Outcome:   OutcomeLimitReached,
				Balance:   account.BrandCredits,
				DailyUsed: dailyUsed,
			}, nil
		}
	}

	var claimed *models.RetryCredit
	if opts.UseRetryCredits {
		claimed, err = s.repo.ClaimRetryCreditTx(ctx, tx, buyerID, now)
		if err != nil {
			return nil, err
		}
	}

	balance := account.BrandCredits
	trialGranted := false
	if claimed == nil {
		if balance < opts.Cost && !account.TrialGranted && opts.TrialCredits > 0 {
			trialGranted, err = s.repo.GrantTrialTx(ctx, tx, buyerID, opts.TrialCredits)
			if err != nil {
				return nil, err
			}
			if trialGranted {
				balance += opts.TrialCredits
			}
		}
		if balance < opts.Cost {
			return &OpenThreadResult{
				Outcome:      OutcomeNeedPaywall,
				Balance:      account.BrandCredits,
				TrialGranted: false,
				DailyUsed:    dailyUsed,
			}, nil
		}
	}

	thread := newThread(offerID, buyerID, now)
	thread.ChargedAt = &now
	if claimed != nil {
		thread.ChargeSource = models.ChargeSourceRetry
		thread.ChargedCost = 0
	} else {
		thread.ChargeSource = models.ChargeSourceCredits
		thread.ChargedCost = opts.Cost
	}

	inserted, err := s.insertOrReread(ctx, tx, thread)
	if err != nil {
		return nil, err
	}
	if inserted.ID != thread.ID {
		// Lost the race between the idempotency read and the insert: the
		// other transaction charged, this one returns the existing thread.
		// The deferred rollback discards everything this transaction did so
		// far (an in-transaction trial grant included); an uncharged outcome
		// must have no effects at all.
		return &OpenThreadResult{
			Outcome: OutcomeOK,
			Thread:  inserted,
			Charged: false,
			Balance: account.BrandCredits,
		}, nil
	}

	chargedAmount := 0
	if claimed != nil {
		if err := s.repo.RedeemRetryCreditTx(ctx, tx, claimed.ID, thread.ID, now); err != nil {
			return nil, err
		}
	} else {
		if err := s.repo.DebitCreditsTx(ctx, tx, buyerID, opts.Cost); err != nil {
			return nil, err
		}
		balance -= opts.Cost
		if balance < 0 {
			balance = 0
		}
		chargedAmount = opts.Cost
	}

	// Retry-funded intros still count toward the daily cap.
	if err := s.repo.IncrementDailyUsageTx(ctx, tx, buyerID, day); err != nil {
		return nil, err
	}
	dailyUsed++

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info().
		Str("offer_id", offerID).
		Int64("buyer_id", buyerID).
		Bool("retry_used", claimed != nil).
		Int("charged_amount", chargedAmount).
		Msg("Contact thread opened")

	return &OpenThreadResult{
		Outcome:       OutcomeOK,
		Thread:        thread,
		Charged:       true,
		ChargedAmount: chargedAmount,
		RetryUsed:     claimed != nil,
		Balance:       balance,
		TrialGranted:  trialGranted,
		DailyUsed:     dailyUsed,
	}, nil
}

// insertOrReread inserts the thread; on a uniqueness conflict it re-reads
// and returns the row a concurrent transaction created.
func (s *Service) insertOrReread(ctx context.Context, tx repository.Transaction, thread *models.ContactThread) (*models.ContactThread, error) {
	err := s.repo.InsertThreadTx(ctx, tx, thread)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, repository.ErrThreadExists) {
		return nil, err
	}

	existing, err := s.repo.GetThreadTx(ctx, tx, thread.OfferID, thread.BuyerID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("thread insert conflicted but row not found")
	}
	return existing, nil
}

func newThread(offerID string, buyerID int64, now time.Time) *models.ContactThread {
	return &models.ContactThread{
		ID:        uuid.New().String(),
		OfferID:   offerID,
		BuyerID:   buyerID,
		Status:    models.ThreadStatusOpen,
		CreatedAt: now,
	}
}
