package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/imsimpla2209/bear/envelope"
	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/sessions"
	"github.com/imsimpla2209/bear/sessions/postgres"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testExpiry = testNow.Add(time.Hour)
)

func setupRepo(t *testing.T) (*postgres.Repo, sqlmock.Sqlmock, *envelope.Envelope) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env, err := envelope.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	return postgres.NewRepo(db, env), mock, env
}

func testSession() *sessions.Session {
	return &sessions.Session{
		ID:            "sess-1",
		Subject:       "sub-1",
		Issuer:        "https://accounts.example.com",
		AccessToken:   "access-token",
		RefreshToken:  "refresh-token",
		IDTokenClaims: map[string]any{"email": "jane@example.com"},
		AccessExpiry:  testExpiry,
		CreatedAt:     testNow,
		LastSeenAt:    testNow,
		State:         sessions.StateActive,
	}
}

func TestCreate(t *testing.T) {
	repo, mock, _ := setupRepo(t)

	// Token columns are sealed with a random nonce, so only their
	// presence can be matched.
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("sess-1", "sub-1", "https://accounts.example.com",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			testExpiry, testNow, testNow, "active").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), testSession()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIDCollision(t *testing.T) {
	repo, mock, _ := setupRepo(t)

	mock.ExpectExec("INSERT INTO sessions").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), testSession())
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestGetOpensSealedTokens(t *testing.T) {
	repo, mock, env := setupRepo(t)

	access, err := env.Seal([]byte("access-token"))
	require.NoError(t, err)
	refresh, err := env.Seal([]byte("refresh-token"))
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"id", "subject", "issuer", "access_token", "refresh_token",
		"id_token_claims", "access_expiry", "created_at", "last_seen_at", "state",
	}).AddRow("sess-1", "sub-1", "https://accounts.example.com", access, refresh,
		[]byte(`{"email":"jane@example.com"}`), testExpiry, testNow, testNow, "active")

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs("sess-1").
		WillReturnRows(rows)

	s, err := repo.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Equal(t, "access-token", s.AccessToken)
	require.Equal(t, "refresh-token", s.RefreshToken)
	require.Equal(t, "jane@example.com", s.IDTokenClaims["email"])
	require.Equal(t, sessions.StateActive, s.State)
}

func TestGetNotFound(t *testing.T) {
	repo, mock, _ := setupRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestGetTamperedRowFailsClosed(t *testing.T) {
	repo, mock, env := setupRepo(t)

	access, err := env.Seal([]byte("access-token"))
	require.NoError(t, err)
	access[len(access)-1] ^= 0x01

	rows := sqlmock.NewRows([]string{
		"id", "subject", "issuer", "access_token", "refresh_token",
		"id_token_claims", "access_expiry", "created_at", "last_seen_at", "state",
	}).AddRow("sess-1", "sub-1", "iss", access, nil, nil, testExpiry, testNow, testNow, "active")

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs("sess-1").
		WillReturnRows(rows)

	_, err = repo.Get(context.Background(), "sess-1")
	require.ErrorIs(t, err, apperrors.ErrDecryptFailed)
}

func TestUpdateTokens(t *testing.T) {
	repo, mock, _ := setupRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sessions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), testExpiry, "active", "sess-1", "refreshing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateTokens(context.Background(), "sess-1", sessions.StateRefreshing, sessions.TokenUpdate{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		AccessExpiry: testExpiry,
		State:        sessions.StateActive,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTokensLostRace(t *testing.T) {
	repo, mock, _ := setupRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := repo.UpdateTokens(context.Background(), "sess-1", sessions.StateActive, sessions.TokenUpdate{
		AccessToken: "x", AccessExpiry: testExpiry, State: sessions.StateRefreshing,
	})
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestUpdateStateMissingRow(t *testing.T) {
	repo, mock, _ := setupRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := repo.UpdateState(context.Background(), "gone", sessions.StateActive, sessions.StateRefreshing)
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestDeleteIdle(t *testing.T) {
	repo, mock, _ := setupRepo(t)

	cutoff := testNow.Add(-24 * time.Hour)
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteIdle(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestListNearExpiry(t *testing.T) {
	repo, mock, _ := setupRepo(t)

	mock.ExpectQuery("SELECT id FROM sessions").
		WithArgs("active", testExpiry).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))

	ids, err := repo.ListNearExpiry(context.Background(), testExpiry)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}
