package setting

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/session"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/setting/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
)

// sentinel errors for common failure modes
var (
	ErrNotFound          = errors.New("not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalid           = errors.New("invalid settings")
	ErrNoPendingSetup    = errors.New("no pending two-factor setup")
	ErrInvalidCode       = errors.New("invalid two-factor code")
	ErrTwoFactorEnabled  = errors.New("two-factor already enabled")
	ErrTwoFactorDisabled = errors.New("two-factor not enabled")
)

// pendingKey is the session temp-storage key holding a secret between
// setup and verification.
const pendingKey = "2fa_pending"

type Config struct {
	MaxFailedLogins int
	LockDuration    time.Duration
	TOTPIssuer      string
	SetupTTL        time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{MaxFailedLogins: 5, LockDuration: 15 * time.Minute, TOTPIssuer: "Student Portal", SetupTTL: 10 * time.Minute}
	if v, err := strconv.Atoi(os.Getenv("SECURITY_MAX_FAILED_LOGINS")); err == nil && v > 0 {
		cfg.MaxFailedLogins = v
	}
	if d, err := time.ParseDuration(os.Getenv("SECURITY_LOCK_DURATION")); err == nil && d > 0 {
		cfg.LockDuration = d
	}
	if v := os.Getenv("TOTP_ISSUER"); v != "" {
		cfg.TOTPIssuer = v
	}
	return cfg
}

// SecurityStore is satisfied by *repo.SecurityRepo.
type SecurityStore interface {
	GetByUserID(ctx context.Context, userID string) (*entity.SecuritySettings, error)
	Update(ctx context.Context, s *entity.SecuritySettings, expectedVersion int64) (int64, error)
	RecordFailedLogin(ctx context.Context, userID string, at time.Time, maxAttempts int, lockUntil time.Time) error
	ResetFailedLogins(ctx context.Context, userID string) error
	SetTwoFactor(ctx context.Context, userID string, enabled bool, secret *string) error
}

// PreferencesStore is satisfied by *repo.PreferencesRepo.
type PreferencesStore interface {
	GetByUserID(ctx context.Context, userID string) (*entity.Preferences, error)
	Update(ctx context.Context, p *entity.Preferences) error
}

// TempStore is the slice of the session store used for pending 2FA setup.
type TempStore interface {
	SetTemp(ctx context.Context, sid, key string, value []byte, ttl time.Duration) error
	GetTemp(ctx context.Context, sid, key string) ([]byte, error)
	DeleteTemp(ctx context.Context, sid, key string) error
}

// Service encapsulates security settings, preferences, the sign-in lockout
// and TOTP two-factor.
type Service struct {
	cfg    Config
	sec    SecurityStore
	prefs  PreferencesStore
	temp   TempStore
	clock  clockwork.Clock
	logger *zap.SugaredLogger
}

func NewService(cfg Config, sec SecurityStore, prefs PreferencesStore, temp TempStore, logger *zap.SugaredLogger) *Service {
	return NewServiceWithClock(cfg, sec, prefs, temp, logger, clockwork.NewRealClock())
}

func NewServiceWithClock(cfg Config, sec SecurityStore, prefs PreferencesStore, temp TempStore, logger *zap.SugaredLogger, clock clockwork.Clock) *Service {
	if cfg.MaxFailedLogins == 0 {
		cfg.MaxFailedLogins = 5
	}
	if cfg.LockDuration == 0 {
		cfg.LockDuration = 15 * time.Minute
	}
	if cfg.SetupTTL == 0 {
		cfg.SetupTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{cfg: cfg, sec: sec, prefs: prefs, temp: temp, clock: clock, logger: logger}
}

func (s *Service) GetSecurity(ctx context.Context, userID string) (*entity.SecuritySettings, error) {
	st, err := s.sec.GetByUserID(ctx, userID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return st, nil
}

// UpdateSecurity applies the patch using optimistic locking on version.
func (s *Service) UpdateSecurity(ctx context.Context, userID string, in entity.SecurityPatch) (*entity.SecuritySettings, error) {
	if err := in.Validate(); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	existing, err := s.GetSecurity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if in.ProfileVisibility != nil {
		existing.ProfileVisibility = *in.ProfileVisibility
	}
	expected := existing.Version
	existing.Version = expected + 1
	existing.UpdatedAt = s.clock.Now().UTC()
	rows, err := s.sec.Update(ctx, existing, expected)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// existing was found, so 0 rows indicates version mismatch
		return nil, ErrVersionConflict
	}
	return existing, nil
}

func (s *Service) GetPreferences(ctx context.Context, userID string) (*entity.Preferences, error) {
	p, err := s.prefs.GetByUserID(ctx, userID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Service) UpdatePreferences(ctx context.Context, userID string, in entity.PreferencesPatch) (*entity.Preferences, error) {
	p, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.Apply(in)
	p.UpdatedAt = s.clock.Now().UTC()
	if err := s.prefs.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Locked reports whether the user is inside a lockout window. A user
// without a security row is never locked.
func (s *Service) Locked(ctx context.Context, userID string) (bool, error) {
	st, err := s.sec.GetByUserID(ctx, userID)
	if err != nil {
		if database.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return st.Locked(s.clock.Now()), nil
}

func (s *Service) RecordFailure(ctx context.Context, userID string) {
	now := s.clock.Now()
	if err := s.sec.RecordFailedLogin(ctx, userID, now, s.cfg.MaxFailedLogins, now.Add(s.cfg.LockDuration)); err != nil {
		s.logger.Warnw("record failed login", "user_id", userID, "code", database.Code(err), "err", err)
	}
}

func (s *Service) RecordSuccess(ctx context.Context, userID string) {
	if err := s.sec.ResetFailedLogins(ctx, userID); err != nil {
		s.logger.Warnw("reset failed logins", "user_id", userID, "code", database.Code(err), "err", err)
	}
}

// TOTPSetup is returned to the client to render a QR code.
type TOTPSetup struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

// SetupTwoFactor generates a secret and parks it in the session's temporary
// storage until VerifyTwoFactor confirms the user can produce codes.
func (s *Service) SetupTwoFactor(ctx context.Context, sid, userID, email string) (*TOTPSetup, error) {
	st, err := s.GetSecurity(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st.TwoFactorEnabled {
		return nil, ErrTwoFactorEnabled
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.TOTPIssuer,
		AccountName: email,
		Algorithm:   otp.AlgorithmSHA1,
		Digits:      otp.DigitsSix,
		Period:      30,
	})
	if err != nil {
		return nil, err
	}
	if err := s.temp.SetTemp(ctx, sid, pendingKey, []byte(key.Secret()), s.cfg.SetupTTL); err != nil {
		return nil, err
	}
	return &TOTPSetup{Secret: key.Secret(), URL: key.URL()}, nil
}

// VerifyTwoFactor enables two-factor once code matches the pending secret.
func (s *Service) VerifyTwoFactor(ctx context.Context, sid, userID, code string) error {
	raw, err := s.temp.GetTemp(ctx, sid, pendingKey)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrNoPendingSetup
		}
		return err
	}
	secret := string(raw)
	if !s.validate(code, secret) {
		return ErrInvalidCode
	}
	if err := s.sec.SetTwoFactor(ctx, userID, true, &secret); err != nil {
		return err
	}
	if err := s.temp.DeleteTemp(ctx, sid, pendingKey); err != nil {
		s.logger.Warnw("drop pending two-factor secret", "user_id", userID, "err", err)
	}
	s.logger.Infow("two-factor enabled", "user_id", userID)
	return nil
}

// DisableTwoFactor requires a current code.
func (s *Service) DisableTwoFactor(ctx context.Context, userID, code string) error {
	st, err := s.GetSecurity(ctx, userID)
	if err != nil {
		return err
	}
	if !st.TwoFactorEnabled || st.TwoFactorSecret == nil {
		return ErrTwoFactorDisabled
	}
	if !s.validate(code, *st.TwoFactorSecret) {
		return ErrInvalidCode
	}
	if err := s.sec.SetTwoFactor(ctx, userID, false, nil); err != nil {
		return err
	}
	s.logger.Infow("two-factor disabled", "user_id", userID)
	return nil
}

func (s *Service) SecondFactorRequired(ctx context.Context, userID string) (bool, error) {
	st, err := s.sec.GetByUserID(ctx, userID)
	if err != nil {
		if database.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return st.TwoFactorEnabled, nil
}

func (s *Service) VerifySecondFactor(ctx context.Context, userID, code string) (bool, error) {
	st, err := s.GetSecurity(ctx, userID)
	if err != nil {
		return false, err
	}
	if st.TwoFactorSecret == nil {
		return false, nil
	}
	return s.validate(code, *st.TwoFactorSecret), nil
}

func (s *Service) validate(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.clock.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
