package entity

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

const (
	VisibilityPublic   = "public"
	VisibilityStudents = "students"
	VisibilityPrivate  = "private"
)

// SecuritySettings is the per-user security and privacy row.
type SecuritySettings struct {
	ID                  string     `db:"id" json:"id" validate:"required"`
	UserID              string     `db:"user_id" json:"user_id" validate:"required"`
	TwoFactorEnabled    bool       `db:"two_factor_enabled" json:"two_factor_enabled"`
	TwoFactorSecret     *string    `db:"two_factor_secret" json:"-"`
	FailedLoginAttempts int        `db:"failed_login_attempts" json:"failed_login_attempts" validate:"min=0"`
	LastFailedLogin     *time.Time `db:"last_failed_login" json:"last_failed_login,omitempty"`
	LockedUntil         *time.Time `db:"locked_until" json:"locked_until,omitempty"`
	ProfileVisibility   string     `db:"profile_visibility" json:"profile_visibility" validate:"oneof=public students private"`
	Version             int64      `db:"version" json:"version"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

func (s *SecuritySettings) Validate() error { return validate.Struct(s) }

// Locked reports whether sign-in is blocked at now.
func (s *SecuritySettings) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// DefaultSecurity returns the row created for a user that has none:
// two-factor off, no failed attempts, public profile.
func DefaultSecurity(id, userID string) *SecuritySettings {
	return &SecuritySettings{
		ID:                id,
		UserID:            userID,
		ProfileVisibility: VisibilityPublic,
		Version:           1,
	}
}

type SecurityPatch struct {
	ProfileVisibility *string `json:"profile_visibility" validate:"omitempty,oneof=public students private"`
}

func (p *SecurityPatch) Validate() error { return validate.Struct(p) }

// Preferences holds the per-user notification switches.
type Preferences struct {
	UserID             string    `db:"user_id" json:"user_id" validate:"required"`
	EmailNotifications bool      `db:"email_notifications" json:"email_notifications"`
	SurveyReminders    bool      `db:"survey_reminders" json:"survey_reminders"`
	PetitionUpdates    bool      `db:"petition_updates" json:"petition_updates"`
	ForumReplies       bool      `db:"forum_replies" json:"forum_replies"`
	VotingReminders    bool      `db:"voting_reminders" json:"voting_reminders"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

func (p *Preferences) Validate() error { return validate.Struct(p) }

// DefaultPreferences turns every notification on.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:             userID,
		EmailNotifications: true,
		SurveyReminders:    true,
		PetitionUpdates:    true,
		ForumReplies:       true,
		VotingReminders:    true,
	}
}

type PreferencesPatch struct {
	EmailNotifications *bool `json:"email_notifications"`
	SurveyReminders    *bool `json:"survey_reminders"`
	PetitionUpdates    *bool `json:"petition_updates"`
	ForumReplies       *bool `json:"forum_replies"`
	VotingReminders    *bool `json:"voting_reminders"`
}

// Apply copies the set switches onto p.
func (p *Preferences) Apply(in PreferencesPatch) {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.EmailNotifications, in.EmailNotifications)
	set(&p.SurveyReminders, in.SurveyReminders)
	set(&p.PetitionUpdates, in.PetitionUpdates)
	set(&p.ForumReplies, in.ForumReplies)
	set(&p.VotingReminders, in.VotingReminders)
}
