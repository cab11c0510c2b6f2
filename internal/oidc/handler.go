package oidc

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

type Handler struct {
	svc    *OIDCService
	logger *zap.SugaredLogger
}

func NewHandler(svc *OIDCService, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	iss := h.svc.Issuer()
	utilities.WriteJSON(w, http.StatusOK, map[string]any{
		"issuer":                                iss,
		"jwks_uri":                              iss + "/oidc/jwks.json",
		"userinfo_endpoint":                     iss + "/oidc/userinfo",
		"revocation_endpoint":                   iss + "/oidc/revoke",
		"introspection_endpoint":                iss + "/oidc/introspect",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
	})
}

func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	utilities.WriteJSON(w, http.StatusOK, h.svc.JWKS())
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

func (h *Handler) Userinfo(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)
	if token == "" {
		utilities.WriteError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	c, err := h.svc.ParseAccess(token)
	if err != nil {
		h.logger.Debugw("userinfo rejected", "err", err)
		utilities.WriteError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	utilities.WriteJSON(w, http.StatusOK, map[string]any{
		"sub":            c.Subject,
		"email":          c.Email,
		"email_verified": c.EmailVerified,
		"sid":            c.SessionID,
	})
}

// Revoke implements RFC 7009 revocation for refresh tokens. It returns 200
// even if the token is unknown.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	token := r.Form.Get("token")
	if token == "" {
		utilities.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := h.svc.RevokeRefreshToken(r.Context(), token); err != nil {
		h.logger.Warnw("revoke failed", "err", err)
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect implements RFC 7662 for refresh tokens and access tokens.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	token := r.Form.Get("token")
	if token == "" {
		utilities.WriteError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if sess, err := h.svc.Lookup(r.Context(), token); err == nil {
		utilities.WriteJSON(w, http.StatusOK, map[string]any{
			"active":     true,
			"client_id":  sess.ClientID,
			"sub":        sess.UserID,
			"sid":        sess.SessionID,
			"exp":        sess.ExpiresAt.Unix(),
			"token_type": "refresh_token",
		})
		return
	}
	if c, err := h.svc.ParseAccess(token); err == nil {
		out := map[string]any{
			"active":     true,
			"sub":        c.Subject,
			"aud":        c.Audience,
			"iss":        c.Issuer,
			"sid":        c.SessionID,
			"token_type": "access_token",
		}
		if c.ExpiresAt != nil {
			out["exp"] = c.ExpiresAt.Unix()
		}
		if c.IssuedAt != nil {
			out["iat"] = c.IssuedAt.Unix()
		}
		utilities.WriteJSON(w, http.StatusOK, out)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, map[string]any{"active": false})
}
