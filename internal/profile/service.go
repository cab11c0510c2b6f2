package profile

import (
	"context"
	"errors"
	"time"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/profile/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
)

var (
	ErrNotFound = errors.New("profile not found")
	ErrInvalid  = errors.New("invalid profile")
)

// Store is the persistence the service needs; *repo.ProfileRepo satisfies it.
type Store interface {
	GetByUserID(ctx context.Context, userID string) (*entity.Profile, error)
	Update(ctx context.Context, p *entity.Profile) error
}

type Service struct {
	repo Store
}

func NewService(r Store) *Service {
	return &Service{repo: r}
}

// Get returns the user's profile.
func (s *Service) Get(ctx context.Context, userID string) (*entity.Profile, error) {
	p, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// Update applies a partial update. A missing profile is not created here;
// that is the completeness repair's job.
func (s *Service) Update(ctx context.Context, userID string, in entity.Patch) (*entity.Profile, error) {
	if err := in.Validate(); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	p, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.Apply(in)
	if err := p.Validate(); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}
