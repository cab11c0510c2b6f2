package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// RefreshRow mirrors the oidc_refresh_sessions table.
type RefreshRow struct {
	ID        string    `db:"id"`
	TokenHash string    `db:"token_hash"`
	UserID    string    `db:"user_id"`
	SessionID string    `db:"session_id"`
	ClientID  string    `db:"client_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

type RefreshRepo struct {
	db *sqlx.DB
}

func NewRefreshRepo(db *sqlx.DB) *RefreshRepo {
	return &RefreshRepo{db: db}
}

func (r *RefreshRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS oidc_refresh_sessions (
  id VARCHAR(32) PRIMARY KEY,
  token_hash TEXT NOT NULL UNIQUE,
  user_id VARCHAR(32) NOT NULL,
  session_id TEXT NOT NULL,
  client_id TEXT NOT NULL DEFAULT '',
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_oidc_refresh_sessions_session ON oidc_refresh_sessions(session_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *RefreshRepo) Save(ctx context.Context, row *RefreshRow) error {
	const q = `INSERT INTO oidc_refresh_sessions (id, token_hash, user_id, session_id, client_id, expires_at)
	  VALUES (:id, :token_hash, :user_id, :session_id, :client_id, :expires_at)`
	_, err := r.db.NamedExecContext(ctx, q, row)
	return err
}

func (r *RefreshRepo) Get(ctx context.Context, tokenHash string) (*RefreshRow, error) {
	var row RefreshRow
	const q = `SELECT id, token_hash, user_id, session_id, client_id, expires_at, created_at
	  FROM oidc_refresh_sessions WHERE token_hash = $1`
	if err := r.db.GetContext(ctx, &row, q, tokenHash); err != nil {
		return nil, err
	}
	return &row, nil
}

// Take deletes the row and returns it, so a token can be redeemed only once.
func (r *RefreshRepo) Take(ctx context.Context, tokenHash string) (*RefreshRow, error) {
	var row RefreshRow
	const q = `DELETE FROM oidc_refresh_sessions WHERE token_hash = $1
	  RETURNING id, token_hash, user_id, session_id, client_id, expires_at, created_at`
	if err := r.db.GetContext(ctx, &row, q, tokenHash); err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *RefreshRepo) Delete(ctx context.Context, tokenHash string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM oidc_refresh_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

func (r *RefreshRepo) DeleteBySession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM oidc_refresh_sessions WHERE session_id = $1`, sessionID)
	return err
}

// PurgeExpired removes refresh sessions past their expiry.
func (r *RefreshRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM oidc_refresh_sessions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
