package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"promo-market-backend/internal/features/ledger/models"
	"promo-market-backend/internal/features/ledger/repository"
)

const uniqueViolation = "23505"

type postgresRepository struct {
	db *sql.DB
}

type postgresTransaction struct {
	tx *sql.Tx
}

func (t *postgresTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *postgresTransaction) Rollback() error {
	return t.tx.Rollback()
}

func NewPostgresRepository(db *sql.DB) repository.LedgerRepository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) BeginTx(ctx context.Context) (repository.Transaction, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &postgresTransaction{tx: tx}, nil
}

func sqlTx(tx repository.Transaction) *sql.Tx {
	return tx.(*postgresTransaction).tx
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func (r *postgresRepository) GetOfferTx(ctx context.Context, tx repository.Transaction, offerID string) (*models.Offer, error) {
	o := &models.Offer{}
	err := sqlTx(tx).QueryRowContext(ctx, `
		SELECT id, workspace_id, creator_id, title, active, created_at
		FROM offers WHERE id = $1
	`, offerID).Scan(&o.ID, &o.WorkspaceID, &o.CreatorID, &o.Title, &o.Active, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, repository.ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return o, nil
}

const threadColumns = `id, offer_id, buyer_id, status, charged_cost, charge_source,
	charged_at, first_message_at, first_reply_at, retry_issued_at, created_at`

func scanThread(row interface{ Scan(...interface{}) error }) (*models.ContactThread, error) {
	t := &models.ContactThread{}
	var source sql.NullString
	var chargedAt, firstMsgAt, firstReplyAt, retryIssuedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.OfferID, &t.BuyerID, &t.Status, &t.ChargedCost, &source,
		&chargedAt, &firstMsgAt, &firstReplyAt, &retryIssuedAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ChargeSource = models.ChargeSource(source.String)
	if chargedAt.Valid {
		t.ChargedAt = &chargedAt.Time
	}
	if firstMsgAt.Valid {
		t.FirstMessageAt = &firstMsgAt.Time
	}
	if firstReplyAt.Valid {
		t.FirstReplyAt = &firstReplyAt.Time
	}
	if retryIssuedAt.Valid {
		t.RetryIssuedAt = &retryIssuedAt.Time
	}
	return t, nil
}

func (r *postgresRepository) GetThreadTx(ctx context.Context, tx repository.Transaction, offerID string, buyerID int64) (*models.ContactThread, error) {
	query := fmt.Sprintf(`SELECT %s FROM contact_threads WHERE offer_id = $1 AND buyer_id = $2`, threadColumns)
	t, err := scanThread(sqlTx(tx).QueryRowContext(ctx, query, offerID, buyerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

func (r *postgresRepository) GetAccountForUpdateTx(ctx context.Context, tx repository.Transaction, userID int64) (*models.Account, error) {
	a := &models.Account{}
	err := sqlTx(tx).QueryRowContext(ctx, `
		SELECT user_id, brand_credits, total_spent, trial_granted, created_at, updated_at
		FROM accounts WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&a.UserID, &a.BrandCredits, &a.TotalSpent, &a.TrialGranted, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, repository.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return a, nil
}

func (r *postgresRepository) CountOwnedWorkspacesTx(ctx context.Context, tx repository.Transaction, userID int64) (int, error) {
	var count int
	err := sqlTx(tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workspaces WHERE owner_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count workspaces: %w", err)
	}
	return count, nil
}

func (r *postgresRepository) GetDailyUsageForUpdateTx(ctx context.Context, tx repository.Transaction, userID int64, day string) (int, error) {
	var used int
	err := sqlTx(tx).QueryRowContext(ctx, `
		SELECT used FROM daily_intro_usage
		WHERE user_id = $1 AND day = $2
		FOR UPDATE
	`, userID, day).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock daily usage: %w", err)
	}
	return used, nil
}

func (r *postgresRepository) ClaimRetryCreditTx(ctx context.Context, tx repository.Transaction, userID int64, now time.Time) (*models.RetryCredit, error) {
	c := &models.RetryCredit{}
	// Oldest-expires-first minimizes credits lost to expiry.
	err := sqlTx(tx).QueryRowContext(ctx, `
		SELECT id, user_id, source_thread_id, status, expires_at, created_at
		FROM retry_credits
		WHERE user_id = $1 AND status = $2 AND expires_at > $3
		ORDER BY expires_at ASC
		LIMIT 1
		FOR UPDATE
	`, userID, models.RetryCreditStatusAvailable, now).
		Scan(&c.ID, &c.UserID, &c.SourceThreadID, &c.Status, &c.ExpiresAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim retry credit: %w", err)
	}
	return c, nil
}

func (r *postgresRepository) GrantTrialTx(ctx context.Context, tx repository.Transaction, userID int64, amount int) (bool, error) {
	result, err := sqlTx(tx).ExecContext(ctx, `
		UPDATE accounts
		SET brand_credits = brand_credits + $1, trial_granted = TRUE, updated_at = NOW()
		WHERE user_id = $2 AND trial_granted = FALSE
	`, amount, userID)
	if err != nil {
		return false, fmt.Errorf("failed to grant trial: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return affected > 0, nil
}

func (r *postgresRepository) InsertThreadTx(ctx context.Context, tx repository.Transaction, thread *models.ContactThread) error {
	var source interface{}
	if thread.ChargeSource != "" {
		source = string(thread.ChargeSource)
	}
	// ON CONFLICT DO NOTHING instead of catching the unique violation: a
	// violation would abort the surrounding transaction, and the caller
	// still needs to re-read and commit.
	result, err := sqlTx(tx).ExecContext(ctx, `
		INSERT INTO contact_threads (id, offer_id, buyer_id, status, charged_cost, charge_source, charged_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (offer_id, buyer_id) DO NOTHING
	`, thread.ID, thread.OfferID, thread.BuyerID, thread.Status,
		thread.ChargedCost, source, thread.ChargedAt, thread.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return repository.ErrThreadExists
	}
	return nil
}

func (r *postgresRepository) RedeemRetryCreditTx(ctx context.Context, tx repository.Transaction, creditID, threadID string, now time.Time) error {
	result, err := sqlTx(tx).ExecContext(ctx, `
		UPDATE retry_credits
		SET status = $1, redeemed_thread_id = $2, redeemed_at = $3
		WHERE id = $4 AND status = $5
	`, models.RetryCreditStatusRedeemed, threadID, now, creditID, models.RetryCreditStatusAvailable)
	if err != nil {
		return fmt.Errorf("failed to redeem retry credit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		// The credit is row-locked by this transaction; losing it here means
		// a status guard bug, not a race.
		return fmt.Errorf("retry credit %s is no longer available", creditID)
	}
	return nil
}

func (r *postgresRepository) DebitCreditsTx(ctx context.Context, tx repository.Transaction, userID int64, cost int) error {
	_, err := sqlTx(tx).ExecContext(ctx, `
		UPDATE accounts
		SET brand_credits = GREATEST(brand_credits - $1, 0),
		    total_spent = total_spent + $1,
		    updated_at = NOW()
		WHERE user_id = $2
	`, cost, userID)
	if err != nil {
		return fmt.Errorf("failed to debit credits: %w", err)
	}
	return nil
}

func (r *postgresRepository) IncrementDailyUsageTx(ctx context.Context, tx repository.Transaction, userID int64, day string) error {
	_, err := sqlTx(tx).ExecContext(ctx, `
		INSERT INTO daily_intro_usage (user_id, day, used)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, day) DO UPDATE SET used = daily_intro_usage.used + 1
	`, userID, day)
	if err != nil {
		return fmt.Errorf("failed to increment daily usage: %w", err)
	}
	return nil
}

func (r *postgresRepository) ExpireRetryCredits(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE retry_credits
		SET status = $1
		WHERE status = $2 AND expires_at <= $3
	`, models.RetryCreditStatusExpired, models.RetryCreditStatusAvailable, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire retry credits: %w", err)
	}
	return result.RowsAffected()
}

func (r *postgresRepository) ListThreadsAwaitingReply(ctx context.Context, cutoff time.Time, limit int) ([]*models.ContactThread, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM contact_threads t
		WHERE t.charge_source = $1
		  AND t.charged_at IS NOT NULL
		  AND t.first_message_at IS NOT NULL
		  AND t.first_message_at <= $2
		  AND t.first_reply_at IS NULL
		  AND t.retry_issued_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM retry_credits rc WHERE rc.source_thread_id = t.id
		  )
		ORDER BY t.first_message_at ASC
		LIMIT $3
	`, threadColumns)

	rows, err := r.db.QueryContext(ctx, query, models.ChargeSourceCredits, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads awaiting reply: %w", err)
	}
	defer rows.Close()

	var threads []*models.ContactThread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func (r *postgresRepository) InsertRetryCredit(ctx context.Context, credit *models.RetryCredit) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO retry_credits (id, user_id, source_thread_id, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, credit.ID, credit.UserID, credit.SourceThreadID, credit.Status, credit.ExpiresAt, credit.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrRetryCreditExists
		}
		return fmt.Errorf("failed to insert retry credit: %w", err)
	}
	return nil
}

func (r *postgresRepository) StampRetryIssued(ctx context.Context, threadID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE contact_threads SET retry_issued_at = $1 WHERE id = $2
	`, now, threadID)
	if err != nil {
		return fmt.Errorf("failed to stamp retry issuance: %w", err)
	}
	return nil
}
