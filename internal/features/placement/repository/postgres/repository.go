package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"promo-market-backend/internal/features/placement/models"
	"promo-market-backend/internal/features/placement/repository"
)

type postgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) repository.PlacementRepository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Placement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, workspace_id, title, chat_id, message_id, slot, expires_at, status, created_at, updated_at
		FROM official_placements
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`, models.PlacementStatusActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired placements: %w", err)
	}
	defer rows.Close()

	var placements []*models.Placement
	for rows.Next() {
		p := &models.Placement{}
		if err := rows.Scan(
			&p.ID, &p.WorkspaceID, &p.Title, &p.ChatID, &p.MessageID,
			&p.Slot, &p.ExpiresAt, &p.Status, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan placement: %w", err)
		}
		placements = append(placements, p)
	}
	return placements, rows.Err()
}

func (r *postgresRepository) MarkExpired(ctx context.Context, id string, now time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE official_placements
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, models.PlacementStatusExpired, now, id, models.PlacementStatusActive)
	if err != nil {
		return fmt.Errorf("failed to mark placement expired: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return repository.ErrPlacementNotFound
	}
	return nil
}
