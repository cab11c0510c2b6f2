package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
)

// CredentialRepo provides data access for the auth_identities table using sqlx.
type CredentialRepo struct {
	db *sqlx.DB
}

func NewCredentialRepo(db *sqlx.DB) *CredentialRepo { return &CredentialRepo{db: db} }

// EnsureTable creates the auth_identities table if not exists (idempotent).
// This is a convenience for early development; prefer migrations in production.
func (r *CredentialRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS citext;
CREATE TABLE IF NOT EXISTS auth_identities (
  id VARCHAR(32) PRIMARY KEY,
  email CITEXT NOT NULL UNIQUE,
  email_verified BOOLEAN NOT NULL DEFAULT false,
  password_hash TEXT,
  password_algo TEXT,
  password_updated_at TIMESTAMPTZ,
  provider TEXT NOT NULL DEFAULT 'email',
  external_id TEXT,
  given_name TEXT NOT NULL DEFAULT '',
  family_name TEXT NOT NULL DEFAULT '',
  full_name TEXT NOT NULL DEFAULT '',
  avatar_url TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'active',
  version BIGINT NOT NULL DEFAULT 1,
  last_login_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_auth_identities_external ON auth_identities(provider, external_id) WHERE external_id IS NOT NULL;
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

const credentialColumns = `id, email, email_verified, password_hash, password_algo, password_updated_at,
	provider, external_id, given_name, family_name, full_name, avatar_url,
	status, version, last_login_at, created_at, updated_at`

// Create inserts a new credential row. The caller supplies the id.
func (r *CredentialRepo) Create(ctx context.Context, c *entity.Credential) error {
	const q = `INSERT INTO auth_identities (id, email, email_verified, password_hash, password_algo, password_updated_at,
		provider, external_id, given_name, family_name, full_name, avatar_url, status)
	  VALUES (:id, :email, :email_verified, :password_hash, :password_algo, :password_updated_at,
		:provider, :external_id, :given_name, :family_name, :full_name, :avatar_url, :status)
	  RETURNING version, created_at, updated_at`
	rows, err := r.db.NamedQueryContext(ctx, q, c)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
	}
	return rows.Err()
}

// GetByEmail returns a credential matched by email (case-insensitive due to citext) or sql.ErrNoRows.
func (r *CredentialRepo) GetByEmail(ctx context.Context, email string) (*entity.Credential, error) {
	var c entity.Credential
	if err := r.db.GetContext(ctx, &c, `SELECT `+credentialColumns+` FROM auth_identities WHERE email=$1`, email); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID fetches a full credential row.
func (r *CredentialRepo) GetByID(ctx context.Context, id string) (*entity.Credential, error) {
	var c entity.Credential
	if err := r.db.GetContext(ctx, &c, `SELECT `+credentialColumns+` FROM auth_identities WHERE id=$1`, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByExternalID fetches the credential linked to an OAuth subject.
func (r *CredentialRepo) GetByExternalID(ctx context.Context, provider, externalID string) (*entity.Credential, error) {
	var c entity.Credential
	const q = `SELECT ` + credentialColumns + ` FROM auth_identities WHERE provider=$1 AND external_id=$2`
	if err := r.db.GetContext(ctx, &c, q, provider, externalID); err != nil {
		return nil, err
	}
	return &c, nil
}

// LinkExternal attaches an OAuth subject to an existing email credential and
// fills claim columns that are still empty.
func (r *CredentialRepo) LinkExternal(ctx context.Context, id, provider, externalID string, c *entity.Credential) error {
	const q = `UPDATE auth_identities SET provider=$2, external_id=$3,
		given_name = CASE WHEN given_name = '' THEN $4 ELSE given_name END,
		family_name = CASE WHEN family_name = '' THEN $5 ELSE family_name END,
		full_name = CASE WHEN full_name = '' THEN $6 ELSE full_name END,
		avatar_url = CASE WHEN avatar_url = '' THEN $7 ELSE avatar_url END,
		email_verified = true, updated_at=NOW()
	  WHERE id=$1`
	_, err := r.db.ExecContext(ctx, q, id, provider, externalID, c.GivenName, c.FamilyName, c.FullName, c.AvatarURL)
	return err
}

// MarkEmailVerified flags the email as confirmed.
func (r *CredentialRepo) MarkEmailVerified(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE auth_identities SET email_verified=true, updated_at=NOW() WHERE id=$1`, id)
	return err
}

// TouchLogin records a successful sign-in.
func (r *CredentialRepo) TouchLogin(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE auth_identities SET last_login_at=NOW(), updated_at=NOW() WHERE id=$1`, id)
	return err
}

// BumpVersion increments version for token invalidation.
func (r *CredentialRepo) BumpVersion(ctx context.Context, id string) (int64, error) {
	var v int64
	err := r.db.GetContext(ctx, &v, `UPDATE auth_identities SET version = version + 1, updated_at=NOW() WHERE id=$1 RETURNING version`, id)
	return v, err
}
