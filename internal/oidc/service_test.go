package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/oidc/repo"
)

type memRefresh struct {
	mu   sync.Mutex
	rows map[string]*repo.RefreshRow
}

func newMemRefresh() *memRefresh { return &memRefresh{rows: map[string]*repo.RefreshRow{}} }

func (m *memRefresh) Save(_ context.Context, row *repo.RefreshRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.rows[row.TokenHash] = &cp
	return nil
}

func (m *memRefresh) Get(_ context.Context, h string) (*repo.RefreshRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[h]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *row
	return &cp, nil
}

func (m *memRefresh) Take(ctx context.Context, h string) (*repo.RefreshRow, error) {
	row, err := m.Get(ctx, h)
	if err == nil {
		_ = m.Delete(ctx, h)
	}
	return row, err
}

func (m *memRefresh) Delete(_ context.Context, h string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, h)
	return nil
}

func (m *memRefresh) DeleteBySession(_ context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.rows {
		if v.SessionID == sid {
			delete(m.rows, k)
		}
	}
	return nil
}

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func newTestService(t *testing.T, clock clockwork.Clock) (*OIDCService, *memRefresh) {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		testKey = k
	})
	store := newMemRefresh()
	cfg := Config{Issuer: "https://accounts.test", Audience: "portal", AccessTTL: time.Minute, RefreshTTL: time.Hour}
	return newWithKey(cfg, store, testKey, clock), store
}

var jane = identity.Identity{
	ID:            "u1",
	Email:         "jane@sxc.edu.np",
	EmailVerified: true,
	Claims:        identity.Claims{GivenName: "Jane", FamilyName: "Doe"},
}

func TestIssueAndParse(t *testing.T) {
	svc, _ := newTestService(t, clockwork.NewRealClock())
	toks, err := svc.IssueTokens(context.Background(), jane, "sid-1", 3)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", toks.TokenType)
	assert.EqualValues(t, 60, toks.ExpiresIn)

	c, err := svc.ParseAccess(toks.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Subject)
	assert.Equal(t, "sid-1", c.SessionID)
	assert.EqualValues(t, 3, c.Version)

	idc, err := svc.ParseAccess(toks.IDToken)
	require.NoError(t, err)
	assert.Equal(t, "Jane", idc.GivenName)

	_, err = svc.ParseAccess(toks.AccessToken + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseAccess_Expired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	svc, _ := newTestService(t, clock)
	toks, err := svc.IssueTokens(context.Background(), jane, "sid-1", 1)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = svc.ParseAccess(toks.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshRotation(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	svc, store := newTestService(t, clock)
	ctx := context.Background()

	toks, err := svc.IssueTokens(ctx, jane, "sid-1", 1)
	require.NoError(t, err)
	for h := range store.rows {
		assert.NotEqual(t, toks.RefreshToken, h, "raw token must not be stored")
	}

	rs, err := svc.Redeem(ctx, toks.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "sid-1", rs.SessionID)

	_, err = svc.Redeem(ctx, toks.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshInvalid, "refresh tokens are single use")

	toks, err = svc.IssueTokens(ctx, jane, "sid-1", 1)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = svc.Lookup(ctx, toks.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshInvalid)
}

func TestRevokeSession(t *testing.T) {
	svc, store := newTestService(t, clockwork.NewRealClock())
	ctx := context.Background()
	_, err := svc.IssueTokens(ctx, jane, "sid-1", 1)
	require.NoError(t, err)
	_, err = svc.IssueTokens(ctx, jane, "sid-2", 1)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeSession(ctx, "sid-1"))
	assert.Len(t, store.rows, 1)
}

func TestHandler_IntrospectAndJWKS(t *testing.T) {
	svc, _ := newTestService(t, clockwork.NewRealClock())
	h := NewHandler(svc, zap.NewNop().Sugar())
	toks, err := svc.IssueTokens(context.Background(), jane, "sid-1", 1)
	require.NoError(t, err)

	introspect := func(tok string) map[string]any {
		form := url.Values{"token": {tok}}
		req := httptest.NewRequest(http.MethodPost, "/oidc/introspect", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		h.Introspect(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
		out := map[string]any{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
		return out
	}

	assert.Equal(t, "refresh_token", introspect(toks.RefreshToken)["token_type"])
	acc := introspect(toks.AccessToken)
	assert.Equal(t, true, acc["active"])
	assert.Equal(t, "sid-1", acc["sid"])
	assert.Equal(t, false, introspect("garbage")["active"])

	rr := httptest.NewRecorder()
	h.JWKS(rr, httptest.NewRequest(http.MethodGet, "/oidc/jwks.json", nil))
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "RS256", jwks.Keys[0]["alg"])

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oidc/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+toks.AccessToken)
	h.Userinfo(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "jane@sxc.edu.np")
}
