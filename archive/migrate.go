package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
)

type Migration struct {
	ID          string
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		ID:          "001_transcriptions",
		Description: "Create the transcription archive",
		SQL: `
			CREATE TABLE IF NOT EXISTS transcriptions (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				engine TEXT NOT NULL,
				language TEXT NOT NULL DEFAULT '',
				mime_type TEXT NOT NULL,
				audio_bytes INTEGER NOT NULL,
				summary TEXT NOT NULL DEFAULT '',
				result JSONB NOT NULL,
				elapsed_ms BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			);

			CREATE INDEX IF NOT EXISTS transcriptions_created_at
				ON transcriptions (created_at DESC);
		`,
	},
	{
		ID:          "002_segment_search",
		Description: "Index segment text for history search",
		SQL: `
			ALTER TABLE transcriptions ADD COLUMN IF NOT EXISTS body TEXT NOT NULL DEFAULT '';
			CREATE INDEX IF NOT EXISTS transcriptions_body
				ON transcriptions USING gin (to_tsvector('simple', body));
		`,
	},
}

// Pending lists migrations that have not been applied yet.
func Pending(ctx context.Context, db DB) ([]Migration, error) {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS migration_history (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("error creating migration_history table: %w", err)
	}

	var pending []Migration
	for _, m := range migrations {
		var one int
		err := db.QueryRow(ctx, "SELECT 1 FROM migration_history WHERE id = $1", m.ID).Scan(&one)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			pending = append(pending, m)
		case err != nil:
			return nil, fmt.Errorf("error checking migration status: %w", err)
		}
	}
	return pending, nil
}

// Migrate applies the pending migrations for which confirm returns true,
// each in its own transaction. A nil confirm applies everything.
func Migrate(ctx context.Context, db DB, logger *log.Logger, confirm func(Migration) (bool, error)) error {
	pending, err := Pending(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if confirm != nil {
			ok, err := confirm(m)
			if err != nil {
				return fmt.Errorf("error getting confirmation: %w", err)
			}
			if !ok {
				logger.Info("Migration skipped", "id", m.ID)
				continue
			}
		}

		logger.Info("Applying migration", "id", m.ID)
		err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO migration_history (id) VALUES ($1)", m.ID)
			return err
		})
		if err != nil {
			return fmt.Errorf("error applying migration %s: %w", m.ID, err)
		}
	}
	return nil
}
