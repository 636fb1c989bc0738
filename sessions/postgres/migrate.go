package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Ordered schema migrations. Each entry runs at most once; applied
// versions are recorded in schema_version. Statements are written to be
// idempotent so that a crash between exec and record is harmless.
var migrations = []struct {
	version int
	name    string
	stmt    string
}{
	{
		version: 1,
		name:    "create sessions table",
		stmt: `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	subject         TEXT NOT NULL,
	issuer          TEXT NOT NULL,
	access_token    BYTEA NOT NULL,
	refresh_token   BYTEA,
	id_token_claims JSONB,
	access_expiry   TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	last_seen_at    TIMESTAMPTZ NOT NULL,
	state           TEXT NOT NULL
);`,
	},
	{
		version: 2,
		name:    "index idle sweep",
		stmt:    `CREATE INDEX IF NOT EXISTS sessions_last_seen_at_idx ON sessions (last_seen_at);`,
	},
	{
		version: 3,
		name:    "index proactive refresh scan",
		stmt:    `CREATE INDEX IF NOT EXISTS sessions_access_expiry_idx ON sessions (access_expiry) WHERE state = 'active';`,
	},
}

// Migrate applies pending schema migrations in order.
func Migrate(ctx context.Context, db *sql.DB) error {
	const versionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := db.ExecContext(ctx, versionTable); err != nil {
		return errors.Wrap(err, "[postgres.Migrate] create schema_version")
	}

	var current sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version;`).Scan(&current); err != nil {
		return errors.Wrap(err, "[postgres.Migrate] read version")
	}

	for _, m := range migrations {
		if current.Valid && int64(m.version) <= current.Int64 {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "[postgres.Migrate] begin %d", m.version)
		}
		if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "[postgres.Migrate] apply %d (%s)", m.version, m.name)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1);`, m.version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "[postgres.Migrate] record %d", m.version)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "[postgres.Migrate] commit %d", m.version)
		}
	}
	return nil
}
