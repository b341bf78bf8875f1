package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MigratePostgres applies the schema for the auth stores. Idempotent via
// IF NOT EXISTS so it can run at every startup.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		// Single-use challenges issued by /auth/challenge.
		`CREATE TABLE IF NOT EXISTS challenges (
            challenge TEXT PRIMARY KEY,
            did TEXT NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL,
            used BOOLEAN NOT NULL DEFAULT FALSE
        )`,
		`CREATE INDEX IF NOT EXISTS idx_challenges_expires_at ON challenges (expires_at)`,
		// One authorization entry per DID.
		`CREATE TABLE IF NOT EXISTS acl_entries (
            did TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            manifest_sequence BIGINT NOT NULL DEFAULT 0,
            registered_at TIMESTAMPTZ NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            metadata JSONB
        )`,
		`CREATE INDEX IF NOT EXISTS idx_acl_entries_status ON acl_entries (status)`,
		// Highest accepted manifest sequence per DID (rollback protection).
		`CREATE TABLE IF NOT EXISTS manifest_sequences (
            did TEXT PRIMARY KEY,
            sequence BIGINT NOT NULL
        )`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
