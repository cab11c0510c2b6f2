package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewRedisStoreWithClient(c, "test"), mr
}

func stores(t *testing.T) map[string]Store {
	rs, _ := newRedisStore(t)
	return map[string]Store{
		"redis":  rs,
		"memory": NewMemoryStore(),
	}
}

func sampleSession() *identity.Session {
	return &identity.Session{
		ID:           "sid-1",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(15 * time.Minute).UTC().Truncate(time.Second),
		Identity: identity.Identity{
			ID:     "u1",
			Email:  "a@sxc.edu.np",
			Claims: identity.Claims{GivenName: "Jane", Provider: "email"},
		},
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := sampleSession()

			_, err := st.Get(ctx, s.ID)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.Put(ctx, s, time.Hour))
			got, err := st.Get(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, s.Identity, got.Identity)
			assert.Equal(t, s.RefreshToken, got.RefreshToken)

			require.NoError(t, st.Delete(ctx, s.ID))
			_, err = st.Get(ctx, s.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_DeleteClearsTempStorage(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := sampleSession()
			require.NoError(t, st.Put(ctx, s, time.Hour))
			require.NoError(t, st.SetTemp(ctx, s.ID, "2fa_pending", []byte("secret"), time.Minute))
			require.NoError(t, st.SetTemp(ctx, s.ID, "draft", []byte("x"), 0))

			v, err := st.GetTemp(ctx, s.ID, "2fa_pending")
			require.NoError(t, err)
			assert.Equal(t, []byte("secret"), v)

			require.NoError(t, st.Delete(ctx, s.ID))
			_, err = st.GetTemp(ctx, s.ID, "2fa_pending")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = st.GetTemp(ctx, s.ID, "draft")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_CodesAreSingleUse(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.PutCode(ctx, "signup", "a@sxc.edu.np", "123456", time.Hour))

			assert.ErrorIs(t, st.ConsumeCode(ctx, "signup", "a@sxc.edu.np", "000000"), ErrNoCode)
			require.NoError(t, st.ConsumeCode(ctx, "signup", "a@sxc.edu.np", "123456"))
			assert.ErrorIs(t, st.ConsumeCode(ctx, "signup", "a@sxc.edu.np", "123456"), ErrNoCode)
		})
	}
}

func TestRedisStore_SessionExpires(t *testing.T) {
	st, mr := newRedisStore(t)
	ctx := context.Background()
	s := sampleSession()
	require.NoError(t, st.Put(ctx, s, time.Minute))

	mr.FastForward(2 * time.Minute)
	_, err := st.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Expiry(t *testing.T) {
	clk := clockwork.NewFakeClock()
	st := NewMemoryStoreWithClock(clk)
	ctx := context.Background()
	s := sampleSession()
	require.NoError(t, st.Put(ctx, s, time.Minute))
	require.NoError(t, st.PutCode(ctx, "signup", "a@sxc.edu.np", "1", time.Minute))

	clk.Advance(2 * time.Minute)
	_, err := st.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.ConsumeCode(ctx, "signup", "a@sxc.edu.np", "1"), ErrNoCode)
}

func TestStore_CodeDiscardedAfterRepeatedMisses(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.PutCode(ctx, "signup", "a@sxc.edu.np", "123456", time.Hour))

			for i := 0; i < MaxCodeAttempts; i++ {
				assert.ErrorIs(t, st.ConsumeCode(ctx, "signup", "a@sxc.edu.np", "000000"), ErrNoCode)
			}
			assert.ErrorIs(t, st.ConsumeCode(ctx, "signup", "a@sxc.edu.np", "123456"), ErrNoCode)
		})
	}
}

func TestStore_NewCodeResetsMisses(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.PutCode(ctx, "login", "a@sxc.edu.np", "111111", time.Hour))
			for i := 0; i < MaxCodeAttempts-1; i++ {
				assert.ErrorIs(t, st.ConsumeCode(ctx, "login", "a@sxc.edu.np", "000000"), ErrNoCode)
			}

			require.NoError(t, st.PutCode(ctx, "login", "a@sxc.edu.np", "222222", time.Hour))
			assert.ErrorIs(t, st.ConsumeCode(ctx, "login", "a@sxc.edu.np", "000000"), ErrNoCode)
			require.NoError(t, st.ConsumeCode(ctx, "login", "a@sxc.edu.np", "222222"))
		})
	}
}

func TestStore_MissesArePerPurposeAndEmail(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.PutCode(ctx, "signup", "a@sxc.edu.np", "123456", time.Hour))
			require.NoError(t, st.PutCode(ctx, "signup", "b@sxc.edu.np", "654321", time.Hour))
			for i := 0; i < MaxCodeAttempts; i++ {
				_ = st.ConsumeCode(ctx, "signup", "a@sxc.edu.np", "000000")
			}
			require.NoError(t, st.ConsumeCode(ctx, "signup", "b@sxc.edu.np", "654321"))
		})
	}
}

func TestRedisStore_MissCounterExpiresWithCode(t *testing.T) {
	st, mr := newRedisStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutCode(ctx, "signup", "a@sxc.edu.np", "123456", time.Minute))
	assert.ErrorIs(t, st.ConsumeCode(ctx, "signup", "a@sxc.edu.np", "000000"), ErrNoCode)

	key := st.missKey("signup", "a@sxc.edu.np")
	assert.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))

	require.NoError(t, st.ConsumeCode(ctx, "signup", "a@sxc.edu.np", "123456"))
	assert.False(t, mr.Exists(key))
}

func TestStore_DeleteTemp(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.SetTemp(ctx, "sid-1", "2fa_pending", []byte("secret"), time.Minute))
			require.NoError(t, st.SetTemp(ctx, "sid-1", "draft", []byte("x"), 0))

			require.NoError(t, st.DeleteTemp(ctx, "sid-1", "2fa_pending"))
			_, err := st.GetTemp(ctx, "sid-1", "2fa_pending")
			assert.ErrorIs(t, err, ErrNotFound)
			v, err := st.GetTemp(ctx, "sid-1", "draft")
			require.NoError(t, err)
			assert.Equal(t, []byte("x"), v)
		})
	}
}
