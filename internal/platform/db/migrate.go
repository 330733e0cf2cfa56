package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/agrobooks/agrobooks/internal/shared"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by Migrate.
func Schema() string {
	return schemaSQL
}

// Migrate applies the idempotent schema. Without arguments pgx sends the
// script over the simple protocol, so multiple statements are allowed.
func Migrate(ctx context.Context, db shared.Execer) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("platform/db: migrate: %w", err)
	}
	return nil
}
