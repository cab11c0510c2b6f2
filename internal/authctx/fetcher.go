// Package authctx holds per-session application state: who is signed in
// and their profile, security settings and preferences, kept complete and
// fresh in the background.
package authctx

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	pentity "github.com/ovaphlow/pitchfork/service-account-go/internal/profile/entity"
	sentity "github.com/ovaphlow/pitchfork/service-account-go/internal/setting/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
)

type ProfileReader interface {
	GetByUserID(ctx context.Context, userID string) (*pentity.Profile, error)
}

type SecurityReader interface {
	GetByUserID(ctx context.Context, userID string) (*sentity.SecuritySettings, error)
}

type PreferencesReader interface {
	GetByUserID(ctx context.Context, userID string) (*sentity.Preferences, error)
}

// Data is one load of the user's dependent records. A nil field means it
// could not be loaded; Errors says why.
type Data struct {
	Profile     *pentity.Profile
	Security    *sentity.SecuritySettings
	Preferences *sentity.Preferences
	Errors      []string
}

// Fetcher loads the three dependent records for a user.
type Fetcher struct {
	profiles ProfileReader
	security SecurityReader
	prefs    PreferencesReader
	timeout  time.Duration
	logger   *zap.SugaredLogger
}

func NewFetcher(profiles ProfileReader, security SecurityReader, prefs PreferencesReader, timeout time.Duration, logger *zap.SugaredLogger) *Fetcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Fetcher{profiles: profiles, security: security, prefs: prefs, timeout: timeout, logger: logger}
}

// Load runs the three reads concurrently under a shared deadline. The
// deadline cancels the queries themselves. Failures never cancel sibling
// reads and are never returned, only recorded.
func (f *Fetcher) Load(ctx context.Context, userID string) Data {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var (
		d                    Data
		errP, errS, errPrefs error
		g                    errgroup.Group
	)
	g.Go(func() error {
		d.Profile, errP = f.profiles.GetByUserID(ctx, userID)
		return nil
	})
	g.Go(func() error {
		d.Security, errS = f.security.GetByUserID(ctx, userID)
		return nil
	})
	g.Go(func() error {
		d.Preferences, errPrefs = f.prefs.GetByUserID(ctx, userID)
		return nil
	})
	_ = g.Wait()

	for _, e := range []struct {
		name string
		err  error
	}{{"profile", errP}, {"security", errS}, {"preferences", errPrefs}} {
		if e.err == nil {
			continue
		}
		switch {
		case database.IsNotFound(e.err):
			d.Errors = append(d.Errors, e.name+": not found")
		case errors.Is(e.err, context.DeadlineExceeded):
			d.Errors = append(d.Errors, e.name+": timeout")
			f.logger.Warnw("fetch timed out", "user_id", userID, "record", e.name)
		default:
			d.Errors = append(d.Errors, e.name+": "+e.err.Error())
			f.logger.Warnw("fetch failed", "user_id", userID, "record", e.name, "code", database.Code(e.err), "err", e.err)
		}
	}
	return d
}
