package setting

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/session"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/setting/entity"
)

type memSecurity struct {
	mu   sync.Mutex
	rows map[string]*entity.SecuritySettings
}

func (m *memSecurity) GetByUserID(_ context.Context, userID string) (*entity.SecuritySettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

func (m *memSecurity) Update(_ context.Context, s *entity.SecuritySettings, expected int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.rows[s.UserID]
	if cur.Version != expected {
		return 0, nil
	}
	cur.ProfileVisibility = s.ProfileVisibility
	cur.Version = s.Version
	return 1, nil
}

func (m *memSecurity) RecordFailedLogin(_ context.Context, userID string, at time.Time, maxAttempts int, lockUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[userID]
	if !ok {
		return nil
	}
	expired := s.LockedUntil != nil && !s.LockedUntil.After(at)
	if expired {
		s.FailedLoginAttempts = 1
		s.LockedUntil = nil
	} else {
		s.FailedLoginAttempts++
	}
	s.LastFailedLogin = &at
	if s.FailedLoginAttempts >= maxAttempts {
		s.LockedUntil = &lockUntil
	}
	return nil
}

func (m *memSecurity) ResetFailedLogins(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[userID]; ok {
		s.FailedLoginAttempts = 0
		s.LockedUntil = nil
	}
	return nil
}

func (m *memSecurity) SetTwoFactor(_ context.Context, userID string, enabled bool, secret *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rows[userID]
	s.TwoFactorEnabled = enabled
	s.TwoFactorSecret = secret
	s.Version++
	return nil
}

type memPrefs struct {
	rows map[string]*entity.Preferences
}

func (m *memPrefs) GetByUserID(_ context.Context, userID string) (*entity.Preferences, error) {
	p, ok := m.rows[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (m *memPrefs) Update(_ context.Context, p *entity.Preferences) error {
	cp := *p
	m.rows[p.UserID] = &cp
	return nil
}

func newTestService(t *testing.T) (*Service, *memSecurity, *memPrefs, *clockwork.FakeClock) {
	t.Helper()
	sec := &memSecurity{rows: map[string]*entity.SecuritySettings{"u1": entity.DefaultSecurity("s1", "u1")}}
	prefs := &memPrefs{rows: map[string]*entity.Preferences{"u1": entity.DefaultPreferences("u1")}}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := NewServiceWithClock(Config{}, sec, prefs, session.NewMemoryStore(), nil, clock)
	return svc, sec, prefs, clock
}

func TestLoginGuard(t *testing.T) {
	svc, sec, _, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		svc.RecordFailure(ctx, "u1")
	}
	locked, err := svc.Locked(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, locked)

	svc.RecordFailure(ctx, "u1")
	locked, err = svc.Locked(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, locked, "fifth failure locks the account")

	clock.Advance(16 * time.Minute)
	locked, err = svc.Locked(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, locked, "lock expires")

	svc.RecordSuccess(ctx, "u1")
	assert.Equal(t, 0, sec.rows["u1"].FailedLoginAttempts)

	locked, err = svc.Locked(ctx, "no-row")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestLoginGuard_FailureAfterLockoutStartsFreshCount(t *testing.T) {
	svc, sec, _, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordFailure(ctx, "u1")
	}
	clock.Advance(16 * time.Minute)

	svc.RecordFailure(ctx, "u1")
	locked, err := svc.Locked(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, locked, "one failure after the lock expires does not re-lock")
	assert.Equal(t, 1, sec.rows["u1"].FailedLoginAttempts)
	assert.Nil(t, sec.rows["u1"].LockedUntil)

	for i := 0; i < 4; i++ {
		svc.RecordFailure(ctx, "u1")
	}
	locked, err = svc.Locked(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, locked, "a full new run of failures locks again")
}

func TestVerifyTwoFactorDropsPendingSecret(t *testing.T) {
	sec := &memSecurity{rows: map[string]*entity.SecuritySettings{"u1": entity.DefaultSecurity("s1", "u1")}}
	prefs := &memPrefs{rows: map[string]*entity.Preferences{"u1": entity.DefaultPreferences("u1")}}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := session.NewMemoryStore()
	svc := NewServiceWithClock(Config{}, sec, prefs, store, nil, clock)
	ctx := context.Background()

	setup, err := svc.SetupTwoFactor(ctx, "sid-1", "u1", "jane@sxc.edu.np")
	require.NoError(t, err)
	code, err := totp.GenerateCode(setup.Secret, clock.Now())
	require.NoError(t, err)
	require.NoError(t, svc.VerifyTwoFactor(ctx, "sid-1", "u1", code))

	_, err = store.GetTemp(ctx, "sid-1", "2fa_pending")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, svc.VerifyTwoFactor(ctx, "sid-1", "u1", code), ErrNoPendingSetup)
}

func TestTwoFactorLifecycle(t *testing.T) {
	svc, sec, _, clock := newTestService(t)
	ctx := context.Background()

	err := svc.VerifyTwoFactor(ctx, "sid-1", "u1", "123456")
	assert.ErrorIs(t, err, ErrNoPendingSetup)

	setup, err := svc.SetupTwoFactor(ctx, "sid-1", "u1", "jane@sxc.edu.np")
	require.NoError(t, err)
	assert.Contains(t, setup.URL, "otpauth://totp/")
	assert.False(t, sec.rows["u1"].TwoFactorEnabled, "setup alone does not enable")

	assert.ErrorIs(t, svc.VerifyTwoFactor(ctx, "sid-1", "u1", "000000"), ErrInvalidCode)

	code, err := totp.GenerateCode(setup.Secret, clock.Now())
	require.NoError(t, err)
	require.NoError(t, svc.VerifyTwoFactor(ctx, "sid-1", "u1", code))

	need, err := svc.SecondFactorRequired(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, need)
	ok, err := svc.VerifySecondFactor(ctx, "u1", code)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.SetupTwoFactor(ctx, "sid-1", "u1", "jane@sxc.edu.np")
	assert.ErrorIs(t, err, ErrTwoFactorEnabled)

	clock.Advance(5 * time.Minute)
	assert.ErrorIs(t, svc.DisableTwoFactor(ctx, "u1", code), ErrInvalidCode, "stale code")
	code, err = totp.GenerateCode(setup.Secret, clock.Now())
	require.NoError(t, err)
	require.NoError(t, svc.DisableTwoFactor(ctx, "u1", code))
	assert.False(t, sec.rows["u1"].TwoFactorEnabled)
	assert.Nil(t, sec.rows["u1"].TwoFactorSecret)
}

func TestUpdateSecurity(t *testing.T) {
	svc, sec, _, _ := newTestService(t)
	ctx := context.Background()
	private := entity.VisibilityPrivate
	bogus := "everyone"

	st, err := svc.UpdateSecurity(ctx, "u1", entity.SecurityPatch{ProfileVisibility: &private})
	require.NoError(t, err)
	assert.Equal(t, "private", st.ProfileVisibility)
	assert.EqualValues(t, 2, sec.rows["u1"].Version)

	_, err = svc.UpdateSecurity(ctx, "u1", entity.SecurityPatch{ProfileVisibility: &bogus})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.UpdateSecurity(ctx, "missing", entity.SecurityPatch{ProfileVisibility: &private})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePreferences(t *testing.T) {
	svc, _, prefs, _ := newTestService(t)
	off := false

	p, err := svc.UpdatePreferences(context.Background(), "u1", entity.PreferencesPatch{SurveyReminders: &off})
	require.NoError(t, err)
	assert.False(t, p.SurveyReminders)
	assert.True(t, p.EmailNotifications)
	assert.False(t, prefs.rows["u1"].SurveyReminders)
}
