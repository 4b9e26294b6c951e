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
	auditmodels "promo-market-backend/internal/features/audit/models"
	auditrepo "promo-market-backend/internal/features/audit/repository"
	"promo-market-backend/internal/features/giveaway/draw"
	gwmodels "promo-market-backend/internal/features/giveaway/models"
	gwrepo "promo-market-backend/internal/features/giveaway/repository"
	ledgermodels "promo-market-backend/internal/features/ledger/models"
	ledgerrepo "promo-market-backend/internal/features/ledger/repository"
	placementrepo "promo-market-backend/internal/features/placement/repository"
	"promo-market-backend/internal/platform/db"
	"promo-market-backend/internal/platform/redislock"
)

const tickLockKey = "lock:settlement:tick"

// Pool selection methods recorded in the winners_drawn audit payload. The
// fallback from the eligible pool to the full entry pool is never silent.
const (
	poolEligible   = "eligible"
	poolAllEntries = "all_entries"
	poolNone       = "none"
)

// Per-phase failure policy. Notification and announcement-edit failures are
// always non-critical regardless of phase; this table covers state-mutating
// calls only.
//
//	phase 1 (end due giveaways):    abort-tick-on-error
//	phase 2 (auto-draw):            abort-tick-on-error
//	phase 3 (expire placements):    skip-item-continue-phase
//	phase 4 (retry credits):        abort-tick-on-error
//
// An aborted phase aborts the remaining phases too: a half-applied tick must
// not keep mutating, and the next scheduled tick retries from persisted
// state. The lock is still released on every exit path.

// Config bounds each phase so a tick cannot run away.
type Config struct {
	LockTTL     time.Duration
	EndBatch    int
	DrawBatch   int
	ExpireBatch int
	RetryBatch  int

	// Phase 4 thresholds.
	RetryNoReplyAfter time.Duration
	RetryCreditTTL    time.Duration
}

// TickResult is the per-phase summary returned to the trigger. Skipped is
// set when the lock was held by another run; no side effects happened.
type TickResult struct {
	Skipped         bool `json:"skipped"`
	Ended           int  `json:"ended"`
	Drawn           int  `json:"drawn"`
	OfficialExpired int  `json:"official_expired"`
	Retry           int  `json:"retry"`
}

type Service struct {
	locker     redislock.Locker
	giveaways  gwrepo.GiveawayRepository
	placements placementrepo.PlacementRepository
	ledger     ledgerrepo.LedgerRepository
	audit      auditrepo.AuditRepository
	notifier   Notifier
	caps       db.Capabilities
	cfg        Config
	metrics    *metrics.SettlementMetrics
	logger     zerolog.Logger
}

func NewService(
	locker redislock.Locker,
	giveaways gwrepo.GiveawayRepository,
	placements placementrepo.PlacementRepository,
	ledger ledgerrepo.LedgerRepository,
	audit auditrepo.AuditRepository,
	notifier Notifier,
	caps db.Capabilities,
	cfg Config,
	m *metrics.SettlementMetrics,
) *Service {
	return &Service{
		locker:     locker,
		giveaways:  giveaways,
		placements: placements,
		ledger:     ledger,
		audit:      audit,
		notifier:   notifier,
		caps:       caps,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.Component("settlement"),
	}
}

// RunTick runs the four settlement phases under the tick lock. When the lock
// is held elsewhere it returns a skipped result with no side effects and no
// error. The lock is released on every exit path; release failures are
// non-fatal because the TTL reclaims the key after a crash.
func (s *Service) RunTick(ctx context.Context, now time.Time) (*TickResult, error) {
	started := time.Now()

	acquired, err := s.locker.Acquire(ctx, tickLockKey, s.cfg.LockTTL)
	if err != nil {
		s.metrics.RecordTick("failed", time.Since(started).Seconds())
		return nil, fmt.Errorf("failed to acquire tick lock: %w", err)
	}
	if !acquired {
		s.logger.Debug().Msg("Tick lock held by another run, skipping")
		s.metrics.RecordTick("skipped", time.Since(started).Seconds())
		return &TickResult{Skipped: true}, nil
	}
	defer func() {
		if err := s.locker.Release(ctx, tickLockKey); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release tick lock, TTL will reclaim it")
		}
	}()

	result := &TickResult{}

	result.Ended, err = s.endDueGiveaways(ctx, now)
	s.metrics.RecordPhaseItems("end", result.Ended)
	if err != nil {
		return s.tickFailed(result, started, "end", err)
	}

	result.Drawn, err = s.autoDrawEnded(ctx, now)
	s.metrics.RecordPhaseItems("draw", result.Drawn)
	if err != nil {
		return s.tickFailed(result, started, "draw", err)
	}

	result.OfficialExpired, err = s.expirePlacements(ctx, now)
	s.metrics.RecordPhaseItems("expire", result.OfficialExpired)
	if err != nil {
		return s.tickFailed(result, started, "expire", err)
	}

	result.Retry, err = s.issueRetryCredits(ctx, now)
	s.metrics.RecordPhaseItems("retry", result.Retry)
	if err != nil {
		return s.tickFailed(result, started, "retry", err)
	}

	s.metrics.RecordTick("run", time.Since(started).Seconds())
	s.logger.Info().
		Int("ended", result.Ended).
		Int("drawn", result.Drawn).
		Int("official_expired", result.OfficialExpired).
		Int("retry", result.Retry).
		Dur("duration", time.Since(started)).
		Msg("Tick completed")

	return result, nil
}

// tickFailed returns the counters settled so far along with the phase error.
func (s *Service) tickFailed(result *TickResult, started time.Time, phase string, err error) (*TickResult, error) {
	s.metrics.RecordTick("failed", time.Since(started).Seconds())
	s.logger.Error().Str("phase", phase).Err(err).Msg("Tick aborted")
	return result, fmt.Errorf("phase %s: %w", phase, err)
}

// endDueGiveaways is phase 1: transition due published/running giveaways to
// ended. Idempotent by construction: an ended row leaves the selectable set.
func (s *Service) endDueGiveaways(ctx context.Context, now time.Time) (int, error) {
	due, err := s.giveaways.ListDue(ctx, now, s.cfg.EndBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due giveaways: %w", err)
	}

	ended := 0
	for _, g := range due {
		if err := s.giveaways.MarkEnded(ctx, g.ID, now); err != nil {
			if errors.Is(err, gwrepo.ErrNotEndable) {
				// Raced with a concurrent status change; not ours to end.
				continue
			}
			return ended, fmt.Errorf("failed to end giveaway %s: %w", g.ID, err)
		}
		s.auditBestEffort(ctx, g.ID, auditmodels.ActionGiveawayEnded, map[string]interface{}{
			"giveaway_id": g.ID,
			"ends_at":     g.EndsAt,
		})
		ended++
	}
	return ended, nil
}

// autoDrawEnded is phase 2: draw winners for ended giveaways that opted into
// auto-draw. The winner set is replaced wholesale together with the draw
// timestamp; preview notifications are best-effort.
func (s *Service) autoDrawEnded(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.giveaways.ListAwaitingDraw(ctx, s.cfg.DrawBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list giveaways awaiting draw: %w", err)
	}

	drawn := 0
	for _, g := range pending {
		if !g.AutoDraw || g.EndsAt == nil {
			// Manual-draw giveaways stay in ended until their owner acts.
			continue
		}

		pool, method, err := s.selectPool(ctx, g.ID)
		if err != nil {
			return drawn, err
		}

		res := draw.Draw(g.ID, g.EndsAt.UTC().Format("2006-01-02T15:04:05.000Z"), pool, g.WinnersCount)

		winners := make([]gwmodels.Winner, len(res.Winners))
		for i, userID := range res.Winners {
			winners[i] = gwmodels.Winner{
				GiveawayID: g.ID,
				UserID:     userID,
				Place:      i + 1,
			}
		}

		if err := s.giveaways.ReplaceWinners(ctx, g.ID, winners, now, res.SeedHash, res.EligibleHash); err != nil {
			return drawn, fmt.Errorf("failed to persist winners for giveaway %s: %w", g.ID, err)
		}

		s.auditBestEffort(ctx, g.ID, auditmodels.ActionWinnersDrawn, map[string]interface{}{
			"giveaway_id":   g.ID,
			"seed_hash":     res.SeedHash,
			"eligible_hash": res.EligibleHash,
			"pool":          method,
			"pool_order":    "sorted",
			"pool_size":     len(pool),
			"winners_count": len(res.Winners),
		})

		if err := s.notifier.NotifyDrawPreview(ctx, g.OwnerID, g.ID, g.Title, res.Winners); err != nil {
			s.logger.Warn().Str("giveaway_id", g.ID).Err(err).Msg("Failed to send draw preview")
		}

		drawn++
	}
	return drawn, nil
}

// selectPool prefers eligible entries and falls back to the full entry pool,
// reporting which one was used so the fallback is auditable.
func (s *Service) selectPool(ctx context.Context, giveawayID string) ([]int64, string, error) {
	eligible, err := s.giveaways.EligibleEntryUserIDs(ctx, giveawayID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list eligible entries for %s: %w", giveawayID, err)
	}
	if len(eligible) > 0 {
		return eligible, poolEligible, nil
	}

	all, err := s.giveaways.AllEntryUserIDs(ctx, giveawayID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list entries for %s: %w", giveawayID, err)
	}
	if len(all) > 0 {
		s.logger.Warn().Str("giveaway_id", giveawayID).Msg("No eligible entries, falling back to full entry pool")
		return all, poolAllEntries, nil
	}
	return nil, poolNone, nil
}

// expirePlacements is phase 3: stamp expired catalog announcements and flip
// placement status. A failed status update is logged and skipped so one bad
// row cannot wedge the whole batch.
func (s *Service) expirePlacements(ctx context.Context, now time.Time) (int, error) {
	due, err := s.placements.ListExpired(ctx, now, s.cfg.ExpireBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired placements: %w", err)
	}

	expired := 0
	for _, p := range due {
		if err := s.notifier.MarkPlacementExpired(ctx, p.ChatID, p.MessageID, p.Title); err != nil {
			s.logger.Warn().Str("placement_id", p.ID).Err(err).Msg("Failed to edit placement announcement")
		}

		// Status flips regardless of whether the announcement edit landed.
		if err := s.placements.MarkExpired(ctx, p.ID, now); err != nil {
			s.logger.Error().Str("placement_id", p.ID).Err(err).Msg("Failed to expire placement, skipping")
			continue
		}
		s.auditBestEffort(ctx, p.ID, auditmodels.ActionPlacementExpired, map[string]interface{}{
			"placement_id": p.ID,
			"expires_at":   p.ExpiresAt,
		})
		expired++
	}
	return expired, nil
}

// issueRetryCredits is phase 4: expire stale credits, then compensate buyers
// whose charged intro never got a reply within the threshold window. The
// uniqueness constraint on source thread makes re-issuance impossible even
// if the stamp below never landed on a previous run.
func (s *Service) issueRetryCredits(ctx context.Context, now time.Time) (int, error) {
	if !s.caps.RetryCredits {
		s.logger.Debug().Msg("Retry credit schema not present, phase disabled")
		return 0, nil
	}

	expired, err := s.ledger.ExpireRetryCredits(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire retry credits: %w", err)
	}
	if expired > 0 {
		s.metrics.RetryExpiredTotal.Add(float64(expired))
		s.auditBestEffort(ctx, "retry_credits", auditmodels.ActionRetryExpiredBatch, map[string]interface{}{
			"expired": expired,
		})
	}

	cutoff := now.Add(-s.cfg.RetryNoReplyAfter)
	threads, err := s.ledger.ListThreadsAwaitingReply(ctx, cutoff, s.cfg.RetryBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list threads awaiting reply: %w", err)
	}

	issued := 0
	for _, t := range threads {
		credit := &ledgermodels.RetryCredit{
			ID:             uuid.New().String(),
			UserID:         t.BuyerID,
			SourceThreadID: t.ID,
			Status:         ledgermodels.RetryCreditStatusAvailable,
			ExpiresAt:      now.Add(s.cfg.RetryCreditTTL),
			CreatedAt:      now,
		}

		if err := s.ledger.InsertRetryCredit(ctx, credit); err != nil {
			if errors.Is(err, ledgerrepo.ErrRetryCreditExists) {
				continue
			}
			return issued, fmt.Errorf("failed to issue retry credit for thread %s: %w", t.ID, err)
		}

		if err := s.ledger.StampRetryIssued(ctx, t.ID, now); err != nil {
			return issued, fmt.Errorf("failed to stamp retry issuance on thread %s: %w", t.ID, err)
		}

		s.auditBestEffort(ctx, t.ID, auditmodels.ActionRetryIssued, map[string]interface{}{
			"thread_id":  t.ID,
			"user_id":    t.BuyerID,
			"credit_id":  credit.ID,
			"expires_at": credit.ExpiresAt,
		})

		if err := s.notifier.NotifyRetryCredit(ctx, t.BuyerID, credit.ExpiresAt); err != nil {
			s.logger.Warn().Str("thread_id", t.ID).Err(err).Msg("Failed to notify buyer about retry credit")
		}

		s.metrics.RetryIssuedTotal.Inc()
		issued++
	}
	return issued, nil
}

// auditBestEffort appends an audit record; audit is an observability trail,
// a failed append never aborts settlement.
func (s *Service) auditBestEffort(ctx context.Context, entity, action string, payload interface{}) {
	if err := s.audit.Append(ctx, entity, action, payload); err != nil {
		s.logger.Warn().Str("entity", entity).Str("action", action).Err(err).Msg("Failed to append audit record")
	}
}
