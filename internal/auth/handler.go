package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

type Handler struct {
	client Client
	logger *zap.SugaredLogger
}

func NewHandler(client Client, logger *zap.SugaredLogger) *Handler {
	return &Handler{client: client, logger: logger}
}

type sessionResponse struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token"`
	TokenType    string            `json:"token_type"`
	ExpiresAt    int64             `json:"expires_at"`
	ExpiresIn    int64             `json:"expires_in"`
	User         identity.Identity `json:"user"`
}

func writeSession(w http.ResponseWriter, s *identity.Session) {
	in := int64(time.Until(s.ExpiresAt).Seconds())
	if in < 0 {
		in = 0
	}
	utilities.WriteJSON(w, http.StatusOK, sessionResponse{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    s.ExpiresAt.Unix(),
		ExpiresIn:    in,
		User:         s.Identity,
	})
}

var codeStatus = map[string]int{
	"invalid_credentials":    http.StatusUnauthorized,
	"session_not_found":      http.StatusUnauthorized,
	"email_taken":            http.StatusConflict,
	"email_not_confirmed":    http.StatusForbidden,
	"second_factor_required": http.StatusUnauthorized,
	"invalid_code":           http.StatusUnauthorized,
	"locked":                 http.StatusLocked,
	"invalid_input":          http.StatusBadRequest,
	"invalid_state":          http.StatusBadRequest,
	"provider_unsupported":   http.StatusNotFound,
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	code := CodeOf(err)
	status, ok := codeStatus[code]
	if !ok {
		h.logger.Errorw("auth request failed", "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "unexpected")
		return
	}
	h.logger.Debugw("auth request rejected", "code", code, "err", err)
	utilities.WriteError(w, status, code)
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var in SignUpInput
	if err := utilities.DecodeJSON(r, &in); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, "invalid_input")
		return
	}
	id, err := h.client.SignUp(r.Context(), in)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	utilities.WriteJSON(w, http.StatusCreated, map[string]any{"user": id, "confirmation_sent": true})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var in PasswordInput
	if err := utilities.DecodeJSON(r, &in); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, "invalid_input")
		return
	}
	s, err := h.client.SignInWithPassword(r.Context(), in)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeSession(w, s)
}

func (h *Handler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := utilities.DecodeJSON(r, &in); err != nil || in.Email == "" {
		utilities.WriteError(w, http.StatusBadRequest, "invalid_input")
		return
	}
	if err := h.client.SignInWithOTP(r.Context(), in.Email); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
		Code  string `json:"code"`
		Type  string `json:"type"`
	}
	if err := utilities.DecodeJSON(r, &in); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, "invalid_input")
		return
	}
	if in.Type == "" {
		in.Type = PurposeSignup
	}
	s, err := h.client.VerifyOTP(r.Context(), in.Email, in.Code, in.Type)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeSession(w, s)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := utilities.DecodeJSON(r, &in); err != nil || in.RefreshToken == "" {
		utilities.WriteError(w, http.StatusBadRequest, "invalid_input")
		return
	}
	s, err := h.client.RefreshSession(r.Context(), in.RefreshToken)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeSession(w, s)
}

// Logout expects RequireSession in front of it.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	s, ok := identity.FromContext(r.Context())
	if !ok {
		utilities.WriteError(w, http.StatusUnauthorized, "session_not_found")
		return
	}
	if err := h.client.SignOut(r.Context(), s.ID); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	u, err := h.client.OAuthURL(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		utilities.WriteError(w, http.StatusBadRequest, e)
		return
	}
	s, err := h.client.SignInWithOAuth(r.Context(), chi.URLParam(r, "provider"), q.Get("code"), q.Get("state"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeSession(w, s)
}

func bearer(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(v[7:])
}

// RequireSession resolves the bearer token into a live session and stores
// it in the request context. Requests without one get 401.
func RequireSession(client Client, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return sessionMiddleware(client, logger, true)
}

// OptionalSession is RequireSession without the 401: requests without a
// live session pass through with no session in the context.
func OptionalSession(client Client, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return sessionMiddleware(client, logger, false)
}

func sessionMiddleware(client Client, logger *zap.SugaredLogger, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearer(r)
			if tok == "" {
				if required {
					utilities.WriteError(w, http.StatusUnauthorized, "missing_token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			s, err := client.GetSession(r.Context(), tok)
			if err != nil {
				if !errors.Is(err, ErrSessionNotFound) {
					logger.Warnw("session lookup failed", "err", err)
				}
				if required {
					utilities.WriteError(w, http.StatusUnauthorized, "session_not_found")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithSession(r.Context(), s)))
		})
	}
}
