package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"promo-market-backend/internal/features/giveaway/models"
	"promo-market-backend/internal/features/giveaway/repository"
)

type postgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) repository.GiveawayRepository {
	return &postgresRepository{db: db}
}

const giveawayColumns = `id, workspace_id, owner_id, title, ends_at, winners_count,
	auto_draw, auto_publish, status, winners_drawn_at, seed_hash, eligible_hash,
	created_at, updated_at`

func scanGiveaway(row interface{ Scan(...interface{}) error }) (*models.Giveaway, error) {
	g := &models.Giveaway{}
	var endsAt, drawnAt sql.NullTime
	var seedHash, eligibleHash sql.NullString
	err := row.Scan(
		&g.ID, &g.WorkspaceID, &g.OwnerID, &g.Title, &endsAt, &g.WinnersCount,
		&g.AutoDraw, &g.AutoPublish, &g.Status, &drawnAt, &seedHash, &eligibleHash,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if endsAt.Valid {
		g.EndsAt = &endsAt.Time
	}
	if drawnAt.Valid {
		g.WinnersDrawnAt = &drawnAt.Time
	}
	g.SeedHash = seedHash.String
	g.EligibleHash = eligibleHash.String
	return g, nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id string) (*models.Giveaway, error) {
	query := fmt.Sprintf(`SELECT %s FROM giveaways WHERE id = $1`, giveawayColumns)
	g, err := scanGiveaway(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, repository.ErrGiveawayNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get giveaway: %w", err)
	}
	return g, nil
}

func (r *postgresRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Giveaway, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM giveaways
		WHERE status IN ($1, $2) AND ends_at IS NOT NULL AND ends_at <= $3
		ORDER BY ends_at ASC
		LIMIT $4
	`, giveawayColumns)

	rows, err := r.db.QueryContext(ctx, query,
		models.GiveawayStatusPublished, models.GiveawayStatusRunning, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due giveaways: %w", err)
	}
	defer rows.Close()

	return collectGiveaways(rows)
}

func (r *postgresRepository) MarkEnded(ctx context.Context, id string, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE giveaways
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`, models.GiveawayStatusEnded, now, id,
		models.GiveawayStatusPublished, models.GiveawayStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark giveaway ended: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return repository.ErrNotEndable
	}
	return nil
}

func (r *postgresRepository) ListAwaitingDraw(ctx context.Context, limit int) ([]*models.Giveaway, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM giveaways
		WHERE status = $1 AND winners_drawn_at IS NULL
		ORDER BY updated_at ASC
		LIMIT $2
	`, giveawayColumns)

	rows, err := r.db.QueryContext(ctx, query, models.GiveawayStatusEnded, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list giveaways awaiting draw: %w", err)
	}
	defer rows.Close()

	return collectGiveaways(rows)
}

func (r *postgresRepository) EligibleEntryUserIDs(ctx context.Context, giveawayID string) ([]int64, error) {
	return r.entryUserIDs(ctx, giveawayID, true)
}

func (r *postgresRepository) AllEntryUserIDs(ctx context.Context, giveawayID string) ([]int64, error) {
	return r.entryUserIDs(ctx, giveawayID, false)
}

func (r *postgresRepository) entryUserIDs(ctx context.Context, giveawayID string, eligibleOnly bool) ([]int64, error) {
	query := `SELECT user_id FROM giveaway_entries WHERE giveaway_id = $1`
	if eligibleOnly {
		query += ` AND is_eligible = TRUE`
	}
	query += ` ORDER BY user_id ASC`

	rows, err := r.db.QueryContext(ctx, query, giveawayID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *postgresRepository) ReplaceWinners(ctx context.Context, giveawayID string, winners []models.Winner, drawnAt time.Time, seedHash, eligibleHash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM giveaway_winners WHERE giveaway_id = $1`, giveawayID); err != nil {
		return fmt.Errorf("failed to clear winners: %w", err)
	}

	for _, w := range winners {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO giveaway_winners (giveaway_id, user_id, place, created_at)
			VALUES ($1, $2, $3, $4)
		`, giveawayID, w.UserID, w.Place, drawnAt)
		if err != nil {
			return fmt.Errorf("failed to insert winner: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE giveaways
		SET status = $1, winners_drawn_at = $2, seed_hash = $3, eligible_hash = $4, updated_at = $2
		WHERE id = $5 AND status = $6 AND winners_drawn_at IS NULL
	`, models.GiveawayStatusWinnersDrawn, drawnAt, seedHash, eligibleHash,
		giveawayID, models.GiveawayStatusEnded)
	if err != nil {
		return fmt.Errorf("failed to mark winners drawn: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return repository.ErrGiveawayNotFound
	}

	return tx.Commit()
}

func (r *postgresRepository) Winners(ctx context.Context, giveawayID string) ([]models.Winner, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT giveaway_id, user_id, place, created_at
		FROM giveaway_winners
		WHERE giveaway_id = $1
		ORDER BY place ASC
	`, giveawayID)
	if err != nil {
		return nil, fmt.Errorf("failed to list winners: %w", err)
	}
	defer rows.Close()

	var winners []models.Winner
	for rows.Next() {
		var w models.Winner
		if err := rows.Scan(&w.GiveawayID, &w.UserID, &w.Place, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan winner: %w", err)
		}
		winners = append(winners, w)
	}
	return winners, rows.Err()
}

func collectGiveaways(rows *sql.Rows) ([]*models.Giveaway, error) {
	var giveaways []*models.Giveaway
	for rows.Next() {
		g, err := scanGiveaway(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan giveaway: %w", err)
		}
		giveaways = append(giveaways, g)
	}
	return giveaways, rows.Err()
}
