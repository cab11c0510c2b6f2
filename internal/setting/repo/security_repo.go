package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/setting/entity"
)

// SecurityRepo is the repository for security_settings backed by PostgreSQL.
type SecurityRepo struct {
	db *sqlx.DB
}

func NewSecurityRepo(db *sqlx.DB) *SecurityRepo {
	return &SecurityRepo{db: db}
}

// EnsureTable ensures the security_settings table and its index exist.
// Fields:
// - id varchar(32) PRIMARY KEY
// - user_id varchar(32) UNIQUE
// - failed_login_attempts / locked_until drive the sign-in lockout
// - version is bumped on every user-driven update
func (r *SecurityRepo) EnsureTable(ctx context.Context) error {
	// Check if table exists using to_regclass (Postgres). If it exists, skip creation.
	var tblName sql.NullString
	if err := r.db.QueryRowContext(ctx, "SELECT to_regclass('public.security_settings')").Scan(&tblName); err != nil {
		return err
	}
	if !tblName.Valid {
		createTable := `CREATE TABLE security_settings (
			id varchar(32) PRIMARY KEY,
			user_id varchar(32) NOT NULL UNIQUE,
			two_factor_enabled boolean NOT NULL DEFAULT false,
			two_factor_secret text,
			failed_login_attempts integer NOT NULL DEFAULT 0,
			last_failed_login timestamptz,
			locked_until timestamptz,
			profile_visibility varchar(16) NOT NULL DEFAULT 'public'
				CHECK (profile_visibility IN ('public', 'students', 'private')),
			version bigint NOT NULL DEFAULT 1,
			created_at timestamptz NOT NULL DEFAULT NOW(),
			updated_at timestamptz NOT NULL DEFAULT NOW()
		)`
		if _, err := r.db.ExecContext(ctx, createTable); err != nil {
			return err
		}
	}

	var idxName sql.NullString
	if err := r.db.QueryRowContext(ctx, "SELECT to_regclass('public.idx_security_settings_locked_until')").Scan(&idxName); err != nil {
		return err
	}
	if !idxName.Valid {
		createIndex := `CREATE INDEX idx_security_settings_locked_until ON security_settings (locked_until) WHERE locked_until IS NOT NULL`
		if _, err := r.db.ExecContext(ctx, createIndex); err != nil {
			return err
		}
	}
	return nil
}

func (r *SecurityRepo) Exists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := r.db.GetContext(ctx, &ok, `SELECT EXISTS(SELECT 1 FROM security_settings WHERE user_id=$1)`, userID)
	return ok, err
}

// CreateIfAbsent inserts s unless the user already has a row.
func (r *SecurityRepo) CreateIfAbsent(ctx context.Context, s *entity.SecuritySettings) (bool, error) {
	const q = `INSERT INTO security_settings (id, user_id, two_factor_enabled, failed_login_attempts, profile_visibility)
	  VALUES ($1, $2, $3, $4, $5)
	  ON CONFLICT (user_id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, q, s.ID, s.UserID, s.TwoFactorEnabled, s.FailedLoginAttempts, s.ProfileVisibility)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SecurityRepo) GetByUserID(ctx context.Context, userID string) (*entity.SecuritySettings, error) {
	const q = `SELECT id, user_id, two_factor_enabled, two_factor_secret, failed_login_attempts,
		last_failed_login, locked_until, profile_visibility, version, created_at, updated_at
	  FROM security_settings WHERE user_id=$1`
	var s entity.SecuritySettings
	if err := r.db.GetContext(ctx, &s, q, userID); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("security settings %s: %w", s.ID, err)
	}
	return &s, nil
}

// Update writes the user-editable columns using optimistic locking on
// version. It returns the number of rows changed; 0 means the version moved.
func (r *SecurityRepo) Update(ctx context.Context, s *entity.SecuritySettings, expectedVersion int64) (int64, error) {
	const q = `UPDATE security_settings SET profile_visibility=$1, version=$2, updated_at=NOW()
	  WHERE user_id=$3 AND version=$4`
	res, err := r.db.ExecContext(ctx, q, s.ProfileVisibility, s.Version, s.UserID, expectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordFailedLogin increments the failure counter and sets locked_until
// once the counter reaches maxAttempts. A lockout that ended at or before
// at starts a fresh count. It is a single statement so concurrent failures
// are all counted.
func (r *SecurityRepo) RecordFailedLogin(ctx context.Context, userID string, at time.Time, maxAttempts int, lockUntil time.Time) error {
	const q = `UPDATE security_settings SET
		failed_login_attempts = CASE
			WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
			ELSE failed_login_attempts + 1 END,
		last_failed_login = $2,
		locked_until = CASE
			WHEN (CASE WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1
				ELSE failed_login_attempts + 1 END) >= $3 THEN $4
			WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN NULL
			ELSE locked_until END,
		updated_at = NOW()
	  WHERE user_id=$1`
	_, err := r.db.ExecContext(ctx, q, userID, at, maxAttempts, lockUntil)
	return err
}

func (r *SecurityRepo) ResetFailedLogins(ctx context.Context, userID string) error {
	const q = `UPDATE security_settings SET failed_login_attempts=0, locked_until=NULL, updated_at=NOW()
	  WHERE user_id=$1 AND (failed_login_attempts <> 0 OR locked_until IS NOT NULL)`
	_, err := r.db.ExecContext(ctx, q, userID)
	return err
}

func (r *SecurityRepo) SetTwoFactor(ctx context.Context, userID string, enabled bool, secret *string) error {
	const q = `UPDATE security_settings SET two_factor_enabled=$2, two_factor_secret=$3,
		version=version+1, updated_at=NOW()
	  WHERE user_id=$1`
	_, err := r.db.ExecContext(ctx, q, userID, enabled, secret)
	return err
}
