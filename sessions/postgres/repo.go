// Package postgres implements the session store adapter over a
// relational store. Token columns are sealed with the crypto envelope
// before every write; raw token bytes never reach the database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/imsimpla2209/bear/envelope"
	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/sessions"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

var _ sessions.Repo = (*Repo)(nil)

// Repo is a sessions.Repo backed by Postgres (pgx stdlib driver).
type Repo struct {
	db  *sql.DB
	env *envelope.Envelope
}

func NewRepo(db *sql.DB, env *envelope.Envelope) *Repo {
	return &Repo{db: db, env: env}
}

func (r *Repo) Create(ctx context.Context, s *sessions.Session) error {
	access, refresh, err := r.sealTokens(s.AccessToken, s.RefreshToken)
	if err != nil {
		return errors.Wrap(err, "[Repo.Create] seal")
	}
	claims, err := json.Marshal(s.IDTokenClaims)
	if err != nil {
		return errors.Wrap(err, "[Repo.Create] marshal claims")
	}

	const q = `
INSERT INTO sessions (id, subject, issuer, access_token, refresh_token, id_token_claims, access_expiry, created_at, last_seen_at, state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	_, err = r.db.ExecContext(ctx, q,
		s.ID, s.Subject, s.Issuer, access, refresh, claims,
		s.AccessExpiry, s.CreatedAt, s.LastSeenAt, string(s.State))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.ErrConflict
		}
		return errors.Wrap(err, "[Repo.Create] insert")
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (*sessions.Session, error) {
	const q = `
SELECT id, subject, issuer, access_token, refresh_token, id_token_claims, access_expiry, created_at, last_seen_at, state
FROM sessions
WHERE id = $1;
`
	var (
		s       sessions.Session
		access  []byte
		refresh []byte
		claims  []byte
		state   string
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID, &s.Subject, &s.Issuer, &access, &refresh, &claims,
		&s.AccessExpiry, &s.CreatedAt, &s.LastSeenAt, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrSessionNotFound
		}
		return nil, errors.Wrap(err, "[Repo.Get] select")
	}
	s.State = sessions.State(state)

	if s.AccessToken, s.RefreshToken, err = r.openTokens(access, refresh); err != nil {
		// Tampered or corrupted row. The record cannot be trusted.
		return nil, apperrors.Wrapf(err, "[Repo.Get] session %q", id)
	}
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &s.IDTokenClaims); err != nil {
			return nil, errors.Wrap(err, "[Repo.Get] unmarshal claims")
		}
	}
	return &s, nil
}

func (r *Repo) UpdateTokens(ctx context.Context, id string, expect sessions.State, upd sessions.TokenUpdate) error {
	access, refresh, err := r.sealTokens(upd.AccessToken, upd.RefreshToken)
	if err != nil {
		return errors.Wrap(err, "[Repo.UpdateTokens] seal")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "[Repo.UpdateTokens] begin")
	}
	defer tx.Rollback()

	const q = `
UPDATE sessions
SET access_token = $1, refresh_token = $2, access_expiry = $3, state = $4
WHERE id = $5 AND state = $6;
`
	res, err := tx.ExecContext(ctx, q, access, refresh, upd.AccessExpiry, string(upd.State), id, string(expect))
	if err != nil {
		return errors.Wrap(err, "[Repo.UpdateTokens] update")
	}
	if err := r.checkAffected(ctx, tx, res, id); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "[Repo.UpdateTokens] commit")
}

func (r *Repo) UpdateState(ctx context.Context, id string, expect, to sessions.State) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "[Repo.UpdateState] begin")
	}
	defer tx.Rollback()

	const q = `UPDATE sessions SET state = $1 WHERE id = $2 AND state = $3;`
	res, err := tx.ExecContext(ctx, q, string(to), id, string(expect))
	if err != nil {
		return errors.Wrap(err, "[Repo.UpdateState] update")
	}
	if err := r.checkAffected(ctx, tx, res, id); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "[Repo.UpdateState] commit")
}

func (r *Repo) Touch(ctx context.Context, id string, seenAt time.Time) error {
	const q = `UPDATE sessions SET last_seen_at = $1 WHERE id = $2;`
	res, err := r.db.ExecContext(ctx, q, seenAt, id)
	if err != nil {
		return errors.Wrap(err, "[Repo.Touch] update")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.ErrSessionNotFound
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM sessions WHERE id = $1;`
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return errors.Wrap(err, "[Repo.Delete] delete")
	}
	return nil
}

func (r *Repo) DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM sessions WHERE last_seen_at < $1;`
	res, err := r.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "[Repo.DeleteIdle] delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "[Repo.DeleteIdle] rows affected")
	}
	return n, nil
}

func (r *Repo) ListNearExpiry(ctx context.Context, before time.Time) ([]string, error) {
	const q = `
SELECT id FROM sessions
WHERE state = $1 AND refresh_token IS NOT NULL AND access_expiry < $2;
`
	rows, err := r.db.QueryContext(ctx, q, string(sessions.StateActive), before)
	if err != nil {
		return nil, errors.Wrap(err, "[Repo.ListNearExpiry] select")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "[Repo.ListNearExpiry] scan")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "[Repo.ListNearExpiry] rows")
	}
	return ids, nil
}

// checkAffected distinguishes a lost race (ErrConflict) from a missing
// row (ErrSessionNotFound) when a guarded update touched nothing.
func (r *Repo) checkAffected(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "[Repo.checkAffected] rows affected")
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1);`, id).Scan(&exists); err != nil {
		return errors.Wrap(err, "[Repo.checkAffected] exists")
	}
	if !exists {
		return apperrors.ErrSessionNotFound
	}
	return apperrors.ErrConflict
}

func (r *Repo) sealTokens(access, refresh string) ([]byte, []byte, error) {
	sealedAccess, err := r.env.Seal([]byte(access))
	if err != nil {
		return nil, nil, err
	}
	var sealedRefresh []byte
	if refresh != "" {
		if sealedRefresh, err = r.env.Seal([]byte(refresh)); err != nil {
			return nil, nil, err
		}
	}
	return sealedAccess, sealedRefresh, nil
}

func (r *Repo) openTokens(access, refresh []byte) (string, string, error) {
	openedAccess, err := r.env.Open(access)
	if err != nil {
		return "", "", err
	}
	var openedRefresh []byte
	if len(refresh) > 0 {
		if openedRefresh, err = r.env.Open(refresh); err != nil {
			return "", "", err
		}
	}
	return string(openedAccess), string(openedRefresh), nil
}
