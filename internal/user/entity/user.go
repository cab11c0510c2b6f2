package entity

import (
	"time"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
)

// Account is the application's row in `users`, keyed by the identity id.
type Account struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FullName  *string   `db:"full_name" json:"full_name,omitempty"`
	AvatarURL *string   `db:"avatar_url" json:"avatar_url,omitempty"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Credential is a sign-in record in `auth_identities`. Password fields are
// nil for accounts created through an OAuth provider.
type Credential struct {
	ID                string     `db:"id"`
	Email             string     `db:"email"`
	EmailVerified     bool       `db:"email_verified"`
	PasswordHash      *string    `db:"password_hash"`
	PasswordAlgo      *string    `db:"password_algo"`
	PasswordUpdatedAt *time.Time `db:"password_updated_at"`
	Provider          string     `db:"provider"`
	ExternalID        *string    `db:"external_id"`
	GivenName         string     `db:"given_name"`
	FamilyName        string     `db:"family_name"`
	FullName          string     `db:"full_name"`
	AvatarURL         string     `db:"avatar_url"`
	Status            string     `db:"status"` // active / disabled
	Version           int64      `db:"version"`
	LastLoginAt       *time.Time `db:"last_login_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// Identity projects the credential into the provider-neutral identity.
func (c *Credential) Identity() identity.Identity {
	return identity.Identity{
		ID:            c.ID,
		Email:         c.Email,
		EmailVerified: c.EmailVerified,
		Claims: identity.Claims{
			GivenName:  c.GivenName,
			FamilyName: c.FamilyName,
			FullName:   c.FullName,
			AvatarURL:  c.AvatarURL,
			Provider:   c.Provider,
		},
	}
}
