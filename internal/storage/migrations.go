package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	changesTable = "cosync_changes"
	usersTable   = "cosync_users"
	seqName      = "cosync_change_seq"
)

// RunMigrations creates the change and user tables shared by every document.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := fmt.Sprintf(`
		CREATE SEQUENCE IF NOT EXISTS %[3]s;

		CREATE TABLE IF NOT EXISTS %[1]s (
			document TEXT NOT NULL,
			id       UUID NOT NULL,
			seq      BIGINT NOT NULL DEFAULT nextval('%[3]s'),
			owner    TEXT NOT NULL,
			stamp    TIMESTAMPTZ NOT NULL,
			action   INTEGER NOT NULL,
			type     TEXT NOT NULL,
			payload  TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (document, id)
		);

		CREATE INDEX IF NOT EXISTS idx_%[1]s_seq
			ON %[1]s (document, seq);

		CREATE TABLE IF NOT EXISTS %[2]s (
			document   TEXT NOT NULL,
			name       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

			PRIMARY KEY (document, name)
		);
	`, changesTable, usersTable, seqName)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
