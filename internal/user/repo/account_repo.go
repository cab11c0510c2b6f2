package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
)

// AccountRepo owns the `users` table, one row per identity.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

func (r *AccountRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
  id VARCHAR(32) PRIMARY KEY,
  email TEXT NOT NULL,
  full_name TEXT,
  avatar_url TEXT,
  role TEXT NOT NULL DEFAULT 'student',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Exists reports whether the account row is present.
func (r *AccountRepo) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.db.GetContext(ctx, &ok, `SELECT EXISTS(SELECT 1 FROM users WHERE id=$1)`, id)
	return ok, err
}

// CreateIfAbsent inserts the row unless one already exists for the id.
// It reports whether a row was written; an existing row is left untouched.
func (r *AccountRepo) CreateIfAbsent(ctx context.Context, a *entity.Account) (bool, error) {
	const q = `INSERT INTO users (id, email, full_name, avatar_url, role)
	  VALUES ($1, $2, $3, $4, $5)
	  ON CONFLICT (id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, q, a.ID, a.Email, a.FullName, a.AvatarURL, a.Role)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetByID returns the account or sql.ErrNoRows.
func (r *AccountRepo) GetByID(ctx context.Context, id string) (*entity.Account, error) {
	var a entity.Account
	const q = `SELECT id, email, full_name, avatar_url, role, created_at, updated_at FROM users WHERE id=$1`
	if err := r.db.GetContext(ctx, &a, q, id); err != nil {
		return nil, err
	}
	return &a, nil
}
