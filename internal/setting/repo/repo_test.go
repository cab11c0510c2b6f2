package repo

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/setting/entity"
)

func newDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestSecurityRepo_EnsureTableSkipsExisting(t *testing.T) {
	db, mock := newDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT to_regclass('public.security_settings')")).
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("security_settings"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT to_regclass('public.idx_security_settings_locked_until')")).
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("idx_security_settings_locked_until"))

	require.NoError(t, NewSecurityRepo(db).EnsureTable(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSecurityRepo_CreateIfAbsentDefaults(t *testing.T) {
	db, mock := newDB(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_settings")).
		WithArgs("s1", "u1", false, 0, "public").
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := NewSecurityRepo(db).CreateIfAbsent(context.Background(), entity.DefaultSecurity("s1", "u1"))
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSecurityRepo_RecordFailedLogin(t *testing.T) {
	db, mock := newDB(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	until := at.Add(15 * time.Minute)
	mock.ExpectExec(`WHEN locked_until IS NOT NULL AND locked_until <= \$2 THEN 1\s+ELSE failed_login_attempts \+ 1 END`).
		WithArgs("u1", at, 5, until).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewSecurityRepo(db).RecordFailedLogin(context.Background(), "u1", at, 5, until))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPreferencesRepo_CreateIfAbsent(t *testing.T) {
	db, mock := newDB(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_preferences")).
		WithArgs("u1", true, true, true, true, true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := NewPreferencesRepo(db).CreateIfAbsent(context.Background(), entity.DefaultPreferences("u1"))
	require.NoError(t, err)
	assert.False(t, created, "existing preferences are not overwritten")
	require.NoError(t, mock.ExpectationsWereMet())
}
