package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Capabilities reports which optional schema pieces are present. During a
// rolling deployment the retry-credit tables may not exist yet; probing once
// at startup lets dependent phases report zero-effect results instead of
// sniffing store error codes on every call.
type Capabilities struct {
	RetryCredits bool
}

// DetectCapabilities probes information_schema for optional tables.
func DetectCapabilities(ctx context.Context, db *sql.DB) (Capabilities, error) {
	caps := Capabilities{}

	exists, err := tableExists(ctx, db, "retry_credits")
	if err != nil {
		return caps, fmt.Errorf("failed to probe retry_credits: %w", err)
	}
	caps.RetryCredits = exists

	return caps, nil
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1
	`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
