package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/authctx"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/completeness"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/oidc"
	oidcrepo "github.com/ovaphlow/pitchfork/service-account-go/internal/oidc/repo"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/profile"
	profilerepo "github.com/ovaphlow/pitchfork/service-account-go/internal/profile/repo"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/session"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/setting"
	settingrepo "github.com/ovaphlow/pitchfork/service-account-go/internal/setting/repo"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-account-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

type tableOwner interface {
	EnsureTable(ctx context.Context) error
}

type ownedTable struct {
	name  string
	owner tableOwner
}

func main() {
	// best-effort: a missing .env leaves the real environment in charge
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-account-go")

	db, err := database.ConnectX(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	credentials := userrepo.NewCredentialRepo(db)
	accounts := userrepo.NewAccountRepo(db)
	profiles := profilerepo.NewProfileRepo(db)
	security := settingrepo.NewSecurityRepo(db)
	prefs := settingrepo.NewPreferencesRepo(db)
	refresh := oidcrepo.NewRefreshRepo(db)

	for _, t := range []ownedTable{
		{"auth_identities", credentials},
		{"users", accounts},
		{"profiles", profiles},
		{"security_settings", security},
		{"user_preferences", prefs},
		{"oidc_refresh_sessions", refresh},
	} {
		if err := t.owner.EnsureTable(ctx); err != nil {
			sugar.Fatalf("ensure table %s: %v", t.name, err)
		}
	}

	store, err := session.New(session.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("session store: %v", err)
	}
	defer store.Close()
	var rdb redis.Cmdable
	if rs, ok := store.(*session.RedisStore); ok {
		rdb = rs.C
		sugar.Info("sessions and rate limits in redis")
	}

	oidcSvc, err := oidc.NewOIDCService(oidc.ConfigFromEnv(), refresh)
	if err != nil {
		sugar.Fatalf("oidc: %v", err)
	}

	settingSvc := setting.NewService(setting.ConfigFromEnv(), security, prefs, store, sugar)
	credSvc := user.NewCredentialService(credentials, user.BcryptHasher{}, sugar)
	credSvc.SetLoginGuard(settingSvc)

	client := auth.NewLocalClient(auth.ConfigFromEnv(), credSvc, oidcSvc, store, auth.LogMailer{Logger: sugar}, sugar)
	client.SetSecondFactor(settingSvc)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clock := clockwork.NewRealClock()
	ccfg := completeness.ConfigFromEnv()
	checker := completeness.NewChecker(ccfg, map[completeness.Table]completeness.ExistenceChecker{
		completeness.TableUsers:       accounts,
		completeness.TableProfiles:    profiles,
		completeness.TableSecurity:    security,
		completeness.TablePreferences: prefs,
	}, clock, sugar)
	repairer := completeness.NewRepairer(accounts, profiles, security, prefs, sugar)
	ensureSvc := completeness.NewService(checker, repairer, completeness.NewMetrics(reg), sugar)

	fetcher := authctx.NewFetcher(profiles, security, prefs, 0, sugar)
	contexts := authctx.NewRegistry(ccfg.Interval, ensureSvc, fetcher, store, clock, sugar)
	contexts.Attach(client)
	defer contexts.Close()
	go contexts.Run(ctx)
	go purgeRefreshTokens(ctx, refresh, sugar)

	handler := router.RegisterRoutes(router.ConfigFromEnv(), router.Deps{
		Client:       client,
		Auth:         auth.NewHandler(client, sugar),
		AuthContext:  authctx.NewHandler(contexts),
		OIDC:         oidc.NewHandler(oidcSvc, sugar),
		Users:        user.NewHandler(accounts, sugar),
		Profiles:     profile.NewHandler(profile.NewService(profiles), sugar),
		Settings:     setting.NewHandler(settingSvc, sugar),
		Completeness: completeness.NewHandler(ensureSvc, sugar),
		Redis:        rdb,
		Registry:     reg,
		Ready: func(r *http.Request) error {
			if err := db.PingContext(r.Context()); err != nil {
				return fmt.Errorf("db: %w", err)
			}
			if err := store.Ping(r.Context()); err != nil {
				return fmt.Errorf("session store: %w", err)
			}
			return nil
		},
	}, sugar)

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Infow("service is running", "addr", addr)

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}

// purgeRefreshTokens drops expired refresh sessions once an hour.
func purgeRefreshTokens(ctx context.Context, r *oidcrepo.RefreshRepo, sugar *zap.SugaredLogger) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := r.PurgeExpired(ctx, now.UTC())
			if err != nil {
				sugar.Warnw("purge refresh tokens failed", "err", err)
				continue
			}
			if n > 0 {
				sugar.Infow("purged refresh tokens", "count", n)
			}
		}
	}
}
