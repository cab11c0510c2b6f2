package profile

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/profile/entity"
)

type memProfiles struct {
	rows    map[string]*entity.Profile
	updates int
}

func (m *memProfiles) GetByUserID(_ context.Context, userID string) (*entity.Profile, error) {
	p, ok := m.rows[userID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (m *memProfiles) Update(_ context.Context, p *entity.Profile) error {
	cp := *p
	m.rows[p.UserID] = &cp
	m.updates++
	return nil
}

func strp(s string) *string { return &s }

func TestService_Get(t *testing.T) {
	store := &memProfiles{rows: map[string]*entity.Profile{
		"u1": {ID: "p1", UserID: "u1", FirstName: "Jane"},
	}}
	svc := NewService(store)

	p, err := svc.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Jane", p.FirstName)

	_, err = svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Update(t *testing.T) {
	store := &memProfiles{rows: map[string]*entity.Profile{
		"u1": {ID: "p1", UserID: "u1", FirstName: "Jane", LastName: "Doe"},
	}}
	svc := NewService(store)
	year := 3

	p, err := svc.Update(context.Background(), "u1", entity.Patch{Department: strp("Physics"), Year: &year})
	require.NoError(t, err)
	assert.Equal(t, "Jane", p.FirstName)
	assert.Equal(t, "Physics", *store.rows["u1"].Department)
	assert.Equal(t, 1, store.updates)

	bad := 42
	_, err = svc.Update(context.Background(), "u1", entity.Patch{Year: &bad})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.Update(context.Background(), "u1", entity.Patch{AvatarURL: strp("not a url")})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.Update(context.Background(), "nobody", entity.Patch{Bio: strp("hi")})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, store.updates)
}
