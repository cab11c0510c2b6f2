package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/oidc/repo"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrRefreshInvalid = errors.New("refresh token invalid or expired")
)

type Config struct {
	Issuer     string
	Audience   string
	KeyFile    string // optional PEM private key; generated when empty
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{
		Issuer:     os.Getenv("OIDC_ISSUER"),
		Audience:   os.Getenv("OIDC_AUDIENCE"),
		KeyFile:    os.Getenv("OIDC_KEY_FILE"),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 30 * 24 * time.Hour,
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "http://localhost:8080"
	}
	if cfg.Audience == "" {
		cfg.Audience = "student-portal"
	}
	if d, err := time.ParseDuration(os.Getenv("OIDC_ACCESS_TTL")); err == nil && d > 0 {
		cfg.AccessTTL = d
	}
	if d, err := time.ParseDuration(os.Getenv("OIDC_REFRESH_TTL")); err == nil && d > 0 {
		cfg.RefreshTTL = d
	}
	return cfg
}

// RefreshStore persists refresh sessions; *repo.RefreshRepo satisfies it.
type RefreshStore interface {
	Save(ctx context.Context, row *repo.RefreshRow) error
	Get(ctx context.Context, tokenHash string) (*repo.RefreshRow, error)
	Take(ctx context.Context, tokenHash string) (*repo.RefreshRow, error)
	Delete(ctx context.Context, tokenHash string) error
	DeleteBySession(ctx context.Context, sessionID string) error
}

// OIDCService manages the signing key and token issuance.
type OIDCService struct {
	key     *rsa.PrivateKey
	kid     string
	cfg     Config
	refresh RefreshStore
	clock   clockwork.Clock
}

func NewOIDCService(cfg Config, refresh RefreshStore) (*OIDCService, error) {
	var (
		k   *rsa.PrivateKey
		err error
	)
	if cfg.KeyFile != "" {
		pemBytes, rerr := os.ReadFile(cfg.KeyFile)
		if rerr != nil {
			return nil, fmt.Errorf("read signing key: %w", rerr)
		}
		k, err = jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	} else {
		k, err = rsa.GenerateKey(rand.Reader, 2048)
	}
	if err != nil {
		return nil, err
	}
	return newWithKey(cfg, refresh, k, clockwork.NewRealClock()), nil
}

func newWithKey(cfg Config, refresh RefreshStore, k *rsa.PrivateKey, clock clockwork.Clock) *OIDCService {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	der := x509.MarshalPKCS1PublicKey(&k.PublicKey)
	h := sha256.Sum256(der)
	kid := base64.RawURLEncoding.EncodeToString(h[:8])
	return &OIDCService{key: k, kid: kid, cfg: cfg, refresh: refresh, clock: clock}
}

func (s *OIDCService) Issuer() string { return s.cfg.Issuer }

// JWKS returns a minimal JWKS containing the public key.
func (s *OIDCService) JWKS() map[string]any {
	pub := s.key.PublicKey
	jwk := map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": s.kid,
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(new(big.Int).SetInt64(int64(pub.E)).Bytes()),
	}
	return map[string]any{"keys": []any{jwk}}
}

// PublicKey returns the RSA public key for verification.
func (s *OIDCService) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func (s *OIDCService) sign(c *AccessClaims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// IssueTokens creates id, access and refresh tokens bound to session sid.
func (s *OIDCService) IssueTokens(ctx context.Context, id identity.Identity, sid string, version int64) (*Tokens, error) {
	now := s.clock.Now()
	exp := now.Add(s.cfg.AccessTTL)
	base := jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   id.ID,
		Audience:  jwt.ClaimStrings{s.cfg.Audience},
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        utilities.NewKSUID(),
	}
	access, err := s.sign(&AccessClaims{
		RegisteredClaims: base,
		SessionID:        sid,
		Email:            id.Email,
		EmailVerified:    id.EmailVerified,
		Version:          version,
	})
	if err != nil {
		return nil, err
	}
	base.ID = utilities.NewKSUID()
	idTok, err := s.sign(&AccessClaims{
		RegisteredClaims: base,
		SessionID:        sid,
		Email:            id.Email,
		EmailVerified:    id.EmailVerified,
		GivenName:        id.Claims.GivenName,
		FamilyName:       id.Claims.FamilyName,
		Name:             id.Claims.FullName,
		Picture:          id.Claims.AvatarURL,
	})
	if err != nil {
		return nil, err
	}

	rtBytes := make([]byte, 32)
	if _, err := rand.Read(rtBytes); err != nil {
		return nil, err
	}
	refresh := base64.RawURLEncoding.EncodeToString(rtBytes)
	row := &repo.RefreshRow{
		ID:        utilities.NewKSUID(),
		TokenHash: hashToken(refresh),
		UserID:    id.ID,
		SessionID: sid,
		ClientID:  s.cfg.Audience,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
	if err := s.refresh.Save(ctx, row); err != nil {
		return nil, fmt.Errorf("save refresh session: %w", err)
	}
	return &Tokens{
		IDToken:      idTok,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
		ExpiresAt:    exp,
	}, nil
}

// ParseAccess verifies signature, issuer and expiry of a token.
func (s *OIDCService) ParseAccess(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.PublicKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Lookup returns the refresh session for token without consuming it.
func (s *OIDCService) Lookup(ctx context.Context, token string) (*RefreshSession, error) {
	row, err := s.refresh.Get(ctx, hashToken(token))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrRefreshInvalid
		}
		return nil, err
	}
	if !row.ExpiresAt.After(s.clock.Now()) {
		return nil, ErrRefreshInvalid
	}
	rs := RefreshSession(*row)
	return &rs, nil
}

// Redeem consumes a refresh token. The caller issues the replacement.
func (s *OIDCService) Redeem(ctx context.Context, token string) (*RefreshSession, error) {
	row, err := s.refresh.Take(ctx, hashToken(token))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrRefreshInvalid
		}
		return nil, err
	}
	if !row.ExpiresAt.After(s.clock.Now()) {
		return nil, ErrRefreshInvalid
	}
	rs := RefreshSession(*row)
	return &rs, nil
}

// RevokeRefreshToken removes a refresh token from store.
func (s *OIDCService) RevokeRefreshToken(ctx context.Context, token string) error {
	return s.refresh.Delete(ctx, hashToken(token))
}

// RevokeSession removes every refresh token issued for a session.
func (s *OIDCService) RevokeSession(ctx context.Context, sid string) error {
	return s.refresh.DeleteBySession(ctx, sid)
}
