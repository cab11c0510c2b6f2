package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

// PasswordHasher defines minimal hashing interface (abstract so we can swap to argon2 later).
type PasswordHasher interface {
	Hash(pw string) (hash string, algo string, err error)
	Verify(hash, pw string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", "", err
	}
	return string(h), fmt.Sprintf("bcrypt:%d", cost), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// CredentialStore is the persistence the service needs; *repo.CredentialRepo satisfies it.
type CredentialStore interface {
	Create(ctx context.Context, c *entity.Credential) error
	GetByEmail(ctx context.Context, email string) (*entity.Credential, error)
	GetByID(ctx context.Context, id string) (*entity.Credential, error)
	GetByExternalID(ctx context.Context, provider, externalID string) (*entity.Credential, error)
	LinkExternal(ctx context.Context, id, provider, externalID string, c *entity.Credential) error
	MarkEmailVerified(ctx context.Context, id string) error
	TouchLogin(ctx context.Context, id string) error
	BumpVersion(ctx context.Context, id string) (int64, error)
}

// LoginGuard tracks failed sign-ins and lockouts for a user. It is optional:
// lockout state lives with the security settings, which may not exist yet
// for a brand new account.
type LoginGuard interface {
	Locked(ctx context.Context, userID string) (bool, error)
	RecordFailure(ctx context.Context, userID string)
	RecordSuccess(ctx context.Context, userID string)
}

// CredentialService orchestrates sign-up and password authentication.
type CredentialService struct {
	repo   CredentialStore
	hasher PasswordHasher
	guard  LoginGuard
	logger *zap.SugaredLogger

	MinPasswordLen int
}

func NewCredentialService(r CredentialStore, hasher PasswordHasher, logger *zap.SugaredLogger) *CredentialService {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 12}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CredentialService{repo: r, hasher: hasher, logger: logger, MinPasswordLen: 8}
}

// SetLoginGuard installs the lockout tracker.
func (s *CredentialService) SetLoginGuard(g LoginGuard) { s.guard = g }

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrLocked         = errors.New("user locked")
	ErrDisabled       = errors.New("user disabled")
	ErrBadCredentials = errors.New("invalid credentials")
	ErrEmailTaken     = errors.New("email already registered")
	ErrInvalidEmail   = errors.New("invalid email")
	ErrWeakPassword   = errors.New("weak password")
	ErrInvalidName    = errors.New("invalid name")
)

var validate = validator.New()

// signupNames bounds the names a user may give at sign-up; they seed the
// profile row and must fit its columns.
type signupNames struct {
	GivenName  string `validate:"max=100"`
	FamilyName string `validate:"max=100"`
	FullName   string `validate:"max=200"`
	AvatarURL  string `validate:"omitempty,url"`
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// Signup creates an email/password credential.
func (s *CredentialService) Signup(ctx context.Context, email, password string, claims identity.Claims) (*entity.Credential, error) {
	email = normalizeEmail(email)
	if !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return nil, ErrInvalidEmail
	}
	if len(password) < s.MinPasswordLen {
		return nil, ErrWeakPassword
	}
	names := signupNames{
		GivenName:  strings.TrimSpace(claims.GivenName),
		FamilyName: strings.TrimSpace(claims.FamilyName),
		FullName:   strings.TrimSpace(claims.FullName),
		AvatarURL:  strings.TrimSpace(claims.AvatarURL),
	}
	if err := validate.Struct(names); err != nil {
		return nil, errors.Join(ErrInvalidName, err)
	}
	hash, algo, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	c := &entity.Credential{
		ID:                utilities.NewKSUID(),
		Email:             email,
		PasswordHash:      &hash,
		PasswordAlgo:      &algo,
		PasswordUpdatedAt: &now,
		Provider:          "email",
		GivenName:         names.GivenName,
		FamilyName:        names.FamilyName,
		FullName:          names.FullName,
		AvatarURL:         names.AvatarURL,
		Status:            "active",
	}
	if err := s.repo.Create(ctx, c); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return c, nil
}

// AuthenticatePassword checks email and password and returns the credential.
func (s *CredentialService) AuthenticatePassword(ctx context.Context, email, password string) (*entity.Credential, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrBadCredentials
	}
	c, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrBadCredentials // avoid user enumeration
		}
		return nil, err
	}
	if c.Status == "disabled" {
		return nil, ErrDisabled
	}
	if s.guard != nil {
		locked, err := s.guard.Locked(ctx, c.ID)
		if err != nil {
			s.logger.Warnw("lockout check failed", "user_id", c.ID, "err", err)
		} else if locked {
			return nil, ErrLocked
		}
	}
	if c.PasswordHash == nil || *c.PasswordHash == "" || !s.hasher.Verify(*c.PasswordHash, password) {
		if s.guard != nil {
			s.guard.RecordFailure(ctx, c.ID)
		}
		return nil, ErrBadCredentials
	}
	if s.guard != nil {
		s.guard.RecordSuccess(ctx, c.ID)
	}
	if err := s.repo.TouchLogin(ctx, c.ID); err != nil {
		s.logger.Warnw("touch login failed", "user_id", c.ID, "err", err)
	}
	return c, nil
}

// FindOrCreateExternal resolves an OAuth subject to a credential, linking
// it to an existing email account when one exists.
func (s *CredentialService) FindOrCreateExternal(ctx context.Context, provider, externalID, email string, claims identity.Claims) (*entity.Credential, error) {
	c, err := s.repo.GetByExternalID(ctx, provider, externalID)
	if err == nil {
		_ = s.repo.TouchLogin(ctx, c.ID)
		return c, nil
	}
	if !database.IsNotFound(err) {
		return nil, err
	}

	email = normalizeEmail(email)
	patch := &entity.Credential{
		GivenName:  claims.GivenName,
		FamilyName: claims.FamilyName,
		FullName:   claims.FullName,
		AvatarURL:  claims.AvatarURL,
	}
	existing, err := s.repo.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if err := s.repo.LinkExternal(ctx, existing.ID, provider, externalID, patch); err != nil {
			return nil, err
		}
		return s.repo.GetByID(ctx, existing.ID)
	case !database.IsNotFound(err):
		return nil, err
	}

	ext := externalID
	c = &entity.Credential{
		ID:            utilities.NewKSUID(),
		Email:         email,
		EmailVerified: true,
		Provider:      provider,
		ExternalID:    &ext,
		GivenName:     claims.GivenName,
		FamilyName:    claims.FamilyName,
		FullName:      claims.FullName,
		AvatarURL:     claims.AvatarURL,
		Status:        "active",
	}
	if err := s.repo.Create(ctx, c); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return c, nil
}

// Get returns the credential by id.
func (s *CredentialService) Get(ctx context.Context, id string) (*entity.Credential, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return c, nil
}

// GetByEmail returns the credential for an email.
func (s *CredentialService) GetByEmail(ctx context.Context, email string) (*entity.Credential, error) {
	c, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return c, nil
}

// MarkEmailVerified flags the credential's email as confirmed.
func (s *CredentialService) MarkEmailVerified(ctx context.Context, id string) error {
	return s.repo.MarkEmailVerified(ctx, id)
}

// BumpVersion invalidates previously issued tokens for the user.
func (s *CredentialService) BumpVersion(ctx context.Context, id string) (int64, error) {
	return s.repo.BumpVersion(ctx, id)
}
