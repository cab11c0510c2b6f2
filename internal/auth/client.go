// Package auth is the identity provider's session API: sign-up, sign-in by
// password, one-time code or OAuth, refresh, sign-out and auth state events.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/session"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

const (
	PurposeSignup = "signup"
	PurposeLogin  = "login"
	purposeState  = "oauth_state"
)

// Client is the session API the rest of the service consumes.
type Client interface {
	GetSession(ctx context.Context, accessToken string) (*identity.Session, error)
	OnAuthStateChange(fn func(identity.Event)) (unsubscribe func())
	SignUp(ctx context.Context, in SignUpInput) (*identity.Identity, error)
	SignInWithPassword(ctx context.Context, in PasswordInput) (*identity.Session, error)
	SignInWithOTP(ctx context.Context, email string) error
	OAuthURL(ctx context.Context, provider string) (string, error)
	SignInWithOAuth(ctx context.Context, provider, code, state string) (*identity.Session, error)
	VerifyOTP(ctx context.Context, email, code, purpose string) (*identity.Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error)
	SignOut(ctx context.Context, sid string) error
}

type SignUpInput struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

type PasswordInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

// Credentials is the account store; *user.CredentialService satisfies it.
type Credentials interface {
	Signup(ctx context.Context, email, password string, claims identity.Claims) (*entity.Credential, error)
	AuthenticatePassword(ctx context.Context, email, password string) (*entity.Credential, error)
	FindOrCreateExternal(ctx context.Context, provider, externalID, email string, claims identity.Claims) (*entity.Credential, error)
	Get(ctx context.Context, id string) (*entity.Credential, error)
	GetByEmail(ctx context.Context, email string) (*entity.Credential, error)
	MarkEmailVerified(ctx context.Context, id string) error
}

// Tokens issues and verifies tokens; *oidc.OIDCService satisfies it.
type Tokens interface {
	IssueTokens(ctx context.Context, id identity.Identity, sid string, version int64) (*oidc.Tokens, error)
	ParseAccess(token string) (*oidc.AccessClaims, error)
	Redeem(ctx context.Context, token string) (*oidc.RefreshSession, error)
	RevokeSession(ctx context.Context, sid string) error
}

// SecondFactor is consulted after a successful password check.
type SecondFactor interface {
	SecondFactorRequired(ctx context.Context, userID string) (bool, error)
	VerifySecondFactor(ctx context.Context, userID, code string) (bool, error)
}

type Config struct {
	SessionTTL          time.Duration
	CodeTTL             time.Duration
	StateSecret         string
	RequireConfirmation bool

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
}

func ConfigFromEnv() Config {
	cfg := Config{
		SessionTTL:          30 * 24 * time.Hour,
		CodeTTL:             15 * time.Minute,
		StateSecret:         os.Getenv("OAUTH_STATE_SECRET"),
		RequireConfirmation: os.Getenv("AUTH_SKIP_CONFIRMATION") != "true",
		GoogleClientID:      os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:  os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:   os.Getenv("GOOGLE_REDIRECT_URL"),
	}
	if d, err := time.ParseDuration(os.Getenv("SESSION_TTL")); err == nil && d > 0 {
		cfg.SessionTTL = d
	}
	if d, err := time.ParseDuration(os.Getenv("AUTH_CODE_TTL")); err == nil && d > 0 {
		cfg.CodeTTL = d
	}
	if cfg.StateSecret == "" {
		cfg.StateSecret = utilities.NewKSUID()
	}
	return cfg
}

// LocalClient implements Client on top of the credential store, the token
// issuer and the session store.
type LocalClient struct {
	cfg       Config
	creds     Credentials
	tokens    Tokens
	store     session.Store
	mailer    Mailer
	logger    *zap.SugaredLogger
	second    SecondFactor
	providers map[string]OAuthProvider

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(identity.Event)
}

func NewLocalClient(cfg Config, creds Credentials, tokens Tokens, store session.Store, mailer Mailer, logger *zap.SugaredLogger) *LocalClient {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if mailer == nil {
		mailer = LogMailer{Logger: logger}
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = 15 * time.Minute
	}
	c := &LocalClient{
		cfg:       cfg,
		creds:     creds,
		tokens:    tokens,
		store:     store,
		mailer:    mailer,
		logger:    logger,
		providers: map[string]OAuthProvider{},
		listeners: map[int]func(identity.Event){},
	}
	if cfg.GoogleClientID != "" {
		c.RegisterProvider("google", NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL))
	}
	return c
}

func (c *LocalClient) RegisterProvider(name string, p OAuthProvider) { c.providers[name] = p }

// SetSecondFactor enables the TOTP step on password sign-in.
func (c *LocalClient) SetSecondFactor(sf SecondFactor) { c.second = sf }

// OnAuthStateChange registers fn for every auth event. fn runs on the
// caller's goroutine and must not block.
func (c *LocalClient) OnAuthStateChange(fn func(identity.Event)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *LocalClient) emit(t identity.EventType, s *identity.Session) {
	c.mu.Lock()
	fns := make([]func(identity.Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	ev := identity.Event{Type: t, Session: s}
	for _, fn := range fns {
		fn(ev)
	}
}

// GetSession resolves an access token into its live session.
func (c *LocalClient) GetSession(ctx context.Context, accessToken string) (*identity.Session, error) {
	const op = "get_session"
	claims, err := c.tokens.ParseAccess(accessToken)
	if err != nil {
		return nil, newErr(op, "session_not_found", err)
	}
	s, err := c.store.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, wrap(op, err)
	}
	if s.AccessToken != accessToken {
		return nil, newErr(op, "session_not_found", errors.New("token superseded"))
	}
	return s, nil
}

// SignUp registers an email account and sends a confirmation code.
func (c *LocalClient) SignUp(ctx context.Context, in SignUpInput) (*identity.Identity, error) {
	const op = "sign_up"
	claims := identity.Claims{
		GivenName:  strings.TrimSpace(in.GivenName),
		FamilyName: strings.TrimSpace(in.FamilyName),
		Provider:   "email",
	}
	cred, err := c.creds.Signup(ctx, in.Email, in.Password, claims)
	if err != nil {
		return nil, wrap(op, err)
	}
	if err := c.sendCode(ctx, PurposeSignup, cred.Email, "Confirm your email"); err != nil {
		return nil, wrap(op, err)
	}
	id := cred.Identity()
	c.logger.Infow("user signed up", "user_id", id.ID)
	return &id, nil
}

// SignInWithPassword checks the password, then the second factor if the
// user has one enabled.
func (c *LocalClient) SignInWithPassword(ctx context.Context, in PasswordInput) (*identity.Session, error) {
	const op = "sign_in_password"
	cred, err := c.creds.AuthenticatePassword(ctx, in.Email, in.Password)
	if err != nil {
		return nil, wrap(op, err)
	}
	if c.cfg.RequireConfirmation && !cred.EmailVerified {
		return nil, newErr(op, "email_not_confirmed", nil)
	}
	if c.second != nil {
		need, err := c.second.SecondFactorRequired(ctx, cred.ID)
		if err != nil {
			return nil, wrap(op, err)
		}
		if need {
			if in.TOTPCode == "" {
				return nil, newErr(op, "second_factor_required", nil)
			}
			ok, err := c.second.VerifySecondFactor(ctx, cred.ID, in.TOTPCode)
			if err != nil {
				return nil, wrap(op, err)
			}
			if !ok {
				return nil, newErr(op, "invalid_code", nil)
			}
		}
	}
	return c.startSession(ctx, op, cred)
}

// SignInWithOTP mails a one-time login code. Unknown emails are not
// reported, so callers cannot enumerate accounts.
func (c *LocalClient) SignInWithOTP(ctx context.Context, email string) error {
	const op = "sign_in_otp"
	cred, err := c.creds.GetByEmail(ctx, email)
	if err != nil {
		c.logger.Debugw("otp requested for unknown email", "err", err)
		return nil
	}
	return wrap(op, c.sendCode(ctx, PurposeLogin, cred.Email, "Your sign-in code"))
}

// VerifyOTP consumes a code and signs the user in. A signup code also
// confirms the email.
func (c *LocalClient) VerifyOTP(ctx context.Context, email, code, purpose string) (*identity.Session, error) {
	const op = "verify_otp"
	if purpose != PurposeSignup && purpose != PurposeLogin {
		return nil, newErr(op, "invalid_input", fmt.Errorf("unknown purpose %q", purpose))
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if err := c.store.ConsumeCode(ctx, purpose, email, strings.TrimSpace(code)); err != nil {
		return nil, wrap(op, err)
	}
	cred, err := c.creds.GetByEmail(ctx, email)
	if err != nil {
		return nil, wrap(op, err)
	}
	if !cred.EmailVerified {
		if err := c.creds.MarkEmailVerified(ctx, cred.ID); err != nil {
			return nil, wrap(op, err)
		}
		cred.EmailVerified = true
	}
	return c.startSession(ctx, op, cred)
}

// OAuthURL returns the provider consent URL with a signed single-use state.
func (c *LocalClient) OAuthURL(ctx context.Context, provider string) (string, error) {
	const op = "oauth_url"
	p, ok := c.providers[provider]
	if !ok {
		return "", newErr(op, "provider_unsupported", fmt.Errorf("provider %q", provider))
	}
	nonce := utilities.NewKSUID()
	if err := c.store.PutCode(ctx, purposeState, nonce, nonce, 10*time.Minute); err != nil {
		return "", wrap(op, err)
	}
	return p.AuthURL(makeState([]byte(c.cfg.StateSecret), nonce)), nil
}

// SignInWithOAuth completes the provider callback.
func (c *LocalClient) SignInWithOAuth(ctx context.Context, provider, code, state string) (*identity.Session, error) {
	const op = "sign_in_oauth"
	p, ok := c.providers[provider]
	if !ok {
		return nil, newErr(op, "provider_unsupported", fmt.Errorf("provider %q", provider))
	}
	nonce, ok := verifyState([]byte(c.cfg.StateSecret), state)
	if !ok {
		return nil, newErr(op, "invalid_state", nil)
	}
	if err := c.store.ConsumeCode(ctx, purposeState, nonce, nonce); err != nil {
		return nil, newErr(op, "invalid_state", err)
	}
	ext, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, newErr(op, "invalid_credentials", err)
	}
	if !ext.EmailVerified {
		return nil, newErr(op, "email_not_confirmed", nil)
	}
	cred, err := c.creds.FindOrCreateExternal(ctx, provider, ext.Subject, ext.Email, identity.Claims{
		GivenName:  ext.GivenName,
		FamilyName: ext.FamilyName,
		FullName:   ext.Name,
		AvatarURL:  ext.Picture,
		Provider:   provider,
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return c.startSession(ctx, op, cred)
}

// RefreshSession rotates the refresh token and reissues the access token
// for the same session id.
func (c *LocalClient) RefreshSession(ctx context.Context, refreshToken string) (*identity.Session, error) {
	const op = "refresh_session"
	rs, err := c.tokens.Redeem(ctx, refreshToken)
	if err != nil {
		return nil, newErr(op, "session_not_found", err)
	}
	s, err := c.store.Get(ctx, rs.SessionID)
	if err != nil {
		return nil, wrap(op, err)
	}
	cred, err := c.creds.Get(ctx, rs.UserID)
	if err != nil {
		return nil, wrap(op, err)
	}
	id := cred.Identity()
	toks, err := c.tokens.IssueTokens(ctx, id, s.ID, cred.Version)
	if err != nil {
		return nil, wrap(op, err)
	}
	s.AccessToken = toks.AccessToken
	s.RefreshToken = toks.RefreshToken
	s.ExpiresAt = toks.ExpiresAt
	s.Identity = id
	if err := c.store.Put(ctx, s, c.cfg.SessionTTL); err != nil {
		return nil, wrap(op, err)
	}
	c.emit(identity.EventTokenRefreshed, s)
	return s, nil
}

// SignOut ends the session and drops its temporary storage. Signing out an
// unknown session is not an error.
func (c *LocalClient) SignOut(ctx context.Context, sid string) error {
	const op = "sign_out"
	s, err := c.store.Get(ctx, sid)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return wrap(op, err)
	}
	if err := c.store.Delete(ctx, sid); err != nil {
		return wrap(op, err)
	}
	if err := c.tokens.RevokeSession(ctx, sid); err != nil {
		c.logger.Warnw("revoke refresh tokens failed", "sid", sid, "err", err)
	}
	if s != nil {
		c.logger.Infow("user signed out", "user_id", s.Identity.ID)
		c.emit(identity.EventSignedOut, s)
	}
	return nil
}

func (c *LocalClient) startSession(ctx context.Context, op string, cred *entity.Credential) (*identity.Session, error) {
	id := cred.Identity()
	sid := uuid.NewString()
	toks, err := c.tokens.IssueTokens(ctx, id, sid, cred.Version)
	if err != nil {
		return nil, wrap(op, err)
	}
	s := &identity.Session{
		ID:           sid,
		AccessToken:  toks.AccessToken,
		RefreshToken: toks.RefreshToken,
		ExpiresAt:    toks.ExpiresAt,
		Identity:     id,
	}
	if err := c.store.Put(ctx, s, c.cfg.SessionTTL); err != nil {
		return nil, wrap(op, err)
	}
	c.logger.Infow("user signed in", "user_id", id.ID, "provider", id.Claims.Provider)
	c.emit(identity.EventSignedIn, s)
	return s, nil
}

func (c *LocalClient) sendCode(ctx context.Context, purpose, email, subject string) error {
	code, err := randomCode(6)
	if err != nil {
		return err
	}
	if err := c.store.PutCode(ctx, purpose, email, code, c.cfg.CodeTTL); err != nil {
		return err
	}
	body := fmt.Sprintf("Your code is %s. It expires in %s.", code, c.cfg.CodeTTL)
	return c.mailer.Send(ctx, email, subject, body)
}

func randomCode(digits int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
