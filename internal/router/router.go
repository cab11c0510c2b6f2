package router

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/authctx"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/completeness"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/oidc"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/setting"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user"
)

type Config struct {
	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
	RateBlock      time.Duration
	RatePrefix     string
	// TrustProxy takes the client address from forwarding headers. Only
	// set it when every request arrives through a proxy that overwrites
	// them.
	TrustProxy bool
}

func ConfigFromEnv() Config {
	cfg := Config{
		AllowedOrigins: []string{"http://localhost:5173"},
		RateLimit:      20,
		RateWindow:     time.Minute,
		RateBlock:      5 * time.Minute,
		RatePrefix:     "acct:rl",
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit = n
		}
	}
	if v := os.Getenv("RATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RateWindow = d
		}
	}
	if v := os.Getenv("RATE_BLOCK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RateBlock = d
		}
	}
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		cfg.TrustProxy, _ = strconv.ParseBool(v)
	}
	return cfg
}

// Deps are the handlers and collaborators the routes are mounted on.
type Deps struct {
	Client       auth.Client
	Auth         *auth.Handler
	AuthContext  *authctx.Handler
	OIDC         *oidc.Handler
	Users        *user.Handler
	Profiles     *profile.Handler
	Settings     *setting.Handler
	Completeness *completeness.Handler

	// Redis backs the rate limiter; nil uses the in-process limiter.
	Redis    redis.Cmdable
	Registry *prometheus.Registry
	// Ready reports dependency health for /health.
	Ready func(r *http.Request) error
}

// RegisterRoutes builds the HTTP handler for the whole service.
func RegisterRoutes(cfg Config, d Deps, logger *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestID)
	r.Use(LoggingMiddleware(logger))
	r.Use(SecurityHeadersMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if d.Registry != nil {
		r.Use(NewHTTPMetrics(d.Registry).Middleware)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r); err != nil {
				logger.Warnw("health check failed", "err", err)
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/.well-known/openid-configuration", d.OIDC.Discovery)
	r.Route("/oidc", func(r chi.Router) {
		r.Get("/jwks.json", d.OIDC.JWKS)
		r.Get("/userinfo", d.OIDC.Userinfo)
		r.Post("/revoke", d.OIDC.Revoke)
		r.Post("/introspect", d.OIDC.Introspect)
	})

	limiter := NewRateLimiter(d.Redis, cfg, logger)
	requireSession := auth.RequireSession(d.Client, logger)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(limiter.Middleware)
				r.Post("/signup", d.Auth.SignUp)
				r.Post("/login", d.Auth.Login)
				r.Post("/otp", d.Auth.RequestOTP)
				r.Post("/verify-otp", d.Auth.VerifyOTP)
				r.Post("/refresh", d.Auth.Refresh)
				r.Get("/oauth/{provider}", d.Auth.OAuthStart)
				r.Get("/oauth/{provider}/callback", d.Auth.OAuthCallback)
			})
			r.With(requireSession).Post("/logout", d.Auth.Logout)
			r.With(auth.OptionalSession(d.Client, logger)).Get("/session", d.AuthContext.Session)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireSession)
			r.Get("/users/me", d.Users.Me)
			r.Get("/profile", d.Profiles.Get)
			r.Put("/profile", d.Profiles.Update)
			r.Get("/settings/security", d.Settings.GetSecurity)
			r.Put("/settings/security", d.Settings.UpdateSecurity)
			r.Get("/settings/preferences", d.Settings.GetPreferences)
			r.Put("/settings/preferences", d.Settings.UpdatePreferences)
			r.Post("/2fa/setup", d.Settings.SetupTwoFactor)
			r.Post("/2fa/verify", d.Settings.VerifyTwoFactor)
			r.Post("/2fa/disable", d.Settings.DisableTwoFactor)
			r.Post("/account/completeness", d.Completeness.Ensure)
		})
	})
	return r
}
