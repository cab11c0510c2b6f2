// Package identity holds the externally-issued identity and session types
// shared by the auth client, the session store and the account bootstrap.
package identity

import (
	"strings"
	"time"
)

// Claims are the provider-supplied profile hints attached to an identity.
type Claims struct {
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	FullName   string `json:"full_name,omitempty"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	Provider   string `json:"provider,omitempty"` // "email" | "google"
}

// Identity is read-only to everything outside the auth provider.
type Identity struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Claims        Claims `json:"claims"`
}

// DisplayName picks the best available name from the claims.
func (i Identity) DisplayName() string {
	if i.Claims.FullName != "" {
		return i.Claims.FullName
	}
	return strings.TrimSpace(i.Claims.GivenName + " " + i.Claims.FamilyName)
}

// Session is an authenticated identity plus its tokens.
type Session struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Identity     Identity  `json:"identity"`
}

// Expired reports whether the access token lifetime has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type EventType string

const (
	EventSignedIn       EventType = "signed_in"
	EventSignedOut      EventType = "signed_out"
	EventTokenRefreshed EventType = "token_refreshed"
	EventUserUpdated    EventType = "user_updated"
)

// Event is published by the auth client on every auth state change.
type Event struct {
	Type    EventType
	Session *Session
}
