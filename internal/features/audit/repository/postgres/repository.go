package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"promo-market-backend/internal/features/audit/models"
	"promo-market-backend/internal/features/audit/repository"
)

type postgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) repository.AuditRepository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) Append(ctx context.Context, entity, action string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_log (entity, action, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, entity, action, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListByEntity(ctx context.Context, entity string, limit int) ([]*models.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entity, action, payload, created_at
		FROM audit_log
		WHERE entity = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, entity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec := &models.Record{}
		if err := rows.Scan(&rec.ID, &rec.Entity, &rec.Action, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
