package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/setting/entity"
)

// PreferencesRepo is the repository for user_preferences.
type PreferencesRepo struct {
	db *sqlx.DB
}

func NewPreferencesRepo(db *sqlx.DB) *PreferencesRepo {
	return &PreferencesRepo{db: db}
}

func (r *PreferencesRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS user_preferences (
  user_id varchar(32) PRIMARY KEY,
  email_notifications boolean NOT NULL DEFAULT true,
  survey_reminders boolean NOT NULL DEFAULT true,
  petition_updates boolean NOT NULL DEFAULT true,
  forum_replies boolean NOT NULL DEFAULT true,
  voting_reminders boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *PreferencesRepo) Exists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := r.db.GetContext(ctx, &ok, `SELECT EXISTS(SELECT 1 FROM user_preferences WHERE user_id=$1)`, userID)
	return ok, err
}

// CreateIfAbsent inserts p unless the user already has preferences.
func (r *PreferencesRepo) CreateIfAbsent(ctx context.Context, p *entity.Preferences) (bool, error) {
	const q = `INSERT INTO user_preferences
		(user_id, email_notifications, survey_reminders, petition_updates, forum_replies, voting_reminders)
	  VALUES (:user_id, :email_notifications, :survey_reminders, :petition_updates, :forum_replies, :voting_reminders)
	  ON CONFLICT (user_id) DO NOTHING`
	res, err := r.db.NamedExecContext(ctx, q, p)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PreferencesRepo) GetByUserID(ctx context.Context, userID string) (*entity.Preferences, error) {
	const q = `SELECT user_id, email_notifications, survey_reminders, petition_updates, forum_replies,
		voting_reminders, created_at, updated_at
	  FROM user_preferences WHERE user_id=$1`
	var p entity.Preferences
	if err := r.db.GetContext(ctx, &p, q, userID); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("preferences %s: %w", p.UserID, err)
	}
	return &p, nil
}

func (r *PreferencesRepo) Update(ctx context.Context, p *entity.Preferences) error {
	const q = `UPDATE user_preferences SET email_notifications=:email_notifications,
		survey_reminders=:survey_reminders, petition_updates=:petition_updates,
		forum_replies=:forum_replies, voting_reminders=:voting_reminders, updated_at=NOW()
	  WHERE user_id=:user_id`
	_, err := r.db.NamedExecContext(ctx, q, p)
	return err
}
