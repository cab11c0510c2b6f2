package completeness

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	pentity "github.com/ovaphlow/pitchfork/service-account-go/internal/profile/entity"
	sentity "github.com/ovaphlow/pitchfork/service-account-go/internal/setting/entity"
	uentity "github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

type StepStatus string

const (
	StepCreated StepStatus = "created"
	StepExists  StepStatus = "exists"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// Step is the outcome of one repair step.
type Step struct {
	Table  Table      `json:"table"`
	Status StepStatus `json:"status"`
	Code   string     `json:"code,omitempty"`
	Error  string     `json:"error,omitempty"`
}

type AccountWriter interface {
	CreateIfAbsent(ctx context.Context, a *uentity.Account) (bool, error)
}

type ProfileWriter interface {
	CreateIfAbsent(ctx context.Context, p *pentity.Profile) (bool, error)
}

type SecurityWriter interface {
	CreateIfAbsent(ctx context.Context, s *sentity.SecuritySettings) (bool, error)
}

type PreferencesWriter interface {
	CreateIfAbsent(ctx context.Context, p *sentity.Preferences) (bool, error)
}

// Repairer creates missing per-user rows one table at a time. Steps are
// independent: a failed step is logged and the next one still runs, and
// nothing already written is rolled back.
type Repairer struct {
	accounts AccountWriter
	profiles ProfileWriter
	security SecurityWriter
	prefs    PreferencesWriter
	logger   *zap.SugaredLogger
}

func NewRepairer(accounts AccountWriter, profiles ProfileWriter, security SecurityWriter, prefs PreferencesWriter, logger *zap.SugaredLogger) *Repairer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Repairer{accounts: accounts, profiles: profiles, security: security, prefs: prefs, logger: logger}
}

// Repair writes exactly the rows res reports missing. Rows whose existence
// check failed are skipped rather than guessed at.
func (r *Repairer) Repair(ctx context.Context, id identity.Identity, res Result) []Step {
	steps := make([]Step, 0, len(Tables))
	for _, t := range Tables {
		switch {
		case res.Exists(t):
			steps = append(steps, Step{Table: t, Status: StepExists})
			continue
		case res.CheckFailed(t):
			steps = append(steps, Step{Table: t, Status: StepSkipped})
			continue
		}
		created, err := r.create(ctx, t, id)
		switch {
		case err != nil:
			code := database.Code(err)
			r.logger.Errorw("repair step failed", "user_id", id.ID, "table", t, "code", code, "err", err)
			steps = append(steps, Step{Table: t, Status: StepFailed, Code: code, Error: err.Error()})
		case created:
			r.logger.Infow("repair created row", "user_id", id.ID, "table", t)
			steps = append(steps, Step{Table: t, Status: StepCreated})
		default:
			// written concurrently by another request
			steps = append(steps, Step{Table: t, Status: StepExists})
		}
	}
	return steps
}

func (r *Repairer) create(ctx context.Context, t Table, id identity.Identity) (bool, error) {
	switch t {
	case TableUsers:
		return r.accounts.CreateIfAbsent(ctx, DefaultAccount(id))
	case TableProfiles:
		return r.profiles.CreateIfAbsent(ctx, DefaultProfile(id))
	case TableSecurity:
		return r.security.CreateIfAbsent(ctx, sentity.DefaultSecurity(utilities.NewKSUID(), id.ID))
	case TablePreferences:
		return r.prefs.CreateIfAbsent(ctx, sentity.DefaultPreferences(id.ID))
	}
	return false, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func DefaultAccount(id identity.Identity) *uentity.Account {
	return &uentity.Account{
		ID:        id.ID,
		Email:     id.Email,
		FullName:  optional(id.DisplayName()),
		AvatarURL: optional(id.Claims.AvatarURL),
		Role:      "student",
	}
}

// DefaultProfile derives names from the provider claims, falling back to
// "User" and "". Claims are cut to what the profile row accepts so the
// result always reads back: long names are clamped and an avatar that is
// not a URL is dropped.
func DefaultProfile(id identity.Identity) *pentity.Profile {
	first := strings.TrimSpace(id.Claims.GivenName)
	last := strings.TrimSpace(id.Claims.FamilyName)
	if first == "" && last == "" {
		if parts := strings.Fields(id.Claims.FullName); len(parts) > 0 {
			first = parts[0]
			last = strings.Join(parts[1:], " ")
		}
	}
	first = pentity.ClampName(first)
	last = pentity.ClampName(last)
	if first == "" {
		first = "User"
	}
	avatar := optional(id.Claims.AvatarURL)
	if avatar != nil && !pentity.ValidURL(*avatar) {
		avatar = nil
	}
	return &pentity.Profile{
		ID:        utilities.NewKSUID(),
		UserID:    id.ID,
		FirstName: first,
		LastName:  last,
		AvatarURL: avatar,
	}
}
