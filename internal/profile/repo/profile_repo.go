package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/profile/entity"
)

// ProfileRepo provides data access for the profiles table.
type ProfileRepo struct {
	db *sqlx.DB
}

func NewProfileRepo(db *sqlx.DB) *ProfileRepo { return &ProfileRepo{db: db} }

// EnsureTable creates the profiles table if not exists. user_id is unique so
// concurrent repairs collapse onto one row.
func (r *ProfileRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS profiles (
  id VARCHAR(32) PRIMARY KEY,
  user_id VARCHAR(32) NOT NULL UNIQUE,
  first_name TEXT NOT NULL DEFAULT 'User',
  last_name TEXT NOT NULL DEFAULT '',
  student_id TEXT,
  department TEXT,
  year INT,
  bio TEXT,
  phone TEXT,
  address TEXT,
  avatar_url TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// Exists reports whether a profile row is present for the user.
func (r *ProfileRepo) Exists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := r.db.GetContext(ctx, &ok, `SELECT EXISTS(SELECT 1 FROM profiles WHERE user_id=$1)`, userID)
	return ok, err
}

// CreateIfAbsent inserts p unless the user already has a profile. Existing
// rows are never overwritten. p must pass the same validation GetByUserID
// applies, otherwise the row could never be read back.
func (r *ProfileRepo) CreateIfAbsent(ctx context.Context, p *entity.Profile) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("profile for %s: %w", p.UserID, err)
	}
	const q = `INSERT INTO profiles (id, user_id, first_name, last_name, avatar_url)
	  VALUES ($1, $2, $3, $4, $5)
	  ON CONFLICT (user_id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, q, p.ID, p.UserID, p.FirstName, p.LastName, p.AvatarURL)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// GetByUserID returns the user's profile or sql.ErrNoRows.
func (r *ProfileRepo) GetByUserID(ctx context.Context, userID string) (*entity.Profile, error) {
	const q = `SELECT id, user_id, first_name, last_name, student_id, department, year, bio,
		phone, address, avatar_url, created_at, updated_at
	  FROM profiles WHERE user_id=$1`
	var p entity.Profile
	if err := r.db.GetContext(ctx, &p, q, userID); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.ID, err)
	}
	return &p, nil
}

// Update writes the mutable columns of p.
func (r *ProfileRepo) Update(ctx context.Context, p *entity.Profile) error {
	const q = `UPDATE profiles SET first_name=:first_name, last_name=:last_name, student_id=:student_id,
		department=:department, year=:year, bio=:bio, phone=:phone, address=:address,
		avatar_url=:avatar_url, updated_at=NOW()
	  WHERE user_id=:user_id`
	_, err := r.db.NamedExecContext(ctx, q, p)
	return err
}
