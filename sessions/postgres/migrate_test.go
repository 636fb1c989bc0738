package postgres_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/imsimpla2209/bear/sessions/postgres"
	"github.com/stretchr/testify/require"
)

func TestMigrateFromScratch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_version").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT MAX\\(version\\) FROM schema_version").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	// All three migrations apply, each in its own transaction.
	for version := 1; version <= 3; version++ {
		mock.ExpectBegin()
		mock.ExpectExec("CREATE (TABLE|INDEX) IF NOT EXISTS").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_version").
			WithArgs(version).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	require.NoError(t, postgres.Migrate(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_version").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT MAX\\(version\\) FROM schema_version").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))

	require.NoError(t, postgres.Migrate(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}
