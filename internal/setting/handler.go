package setting

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/setting/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

// Handler contains dependencies for handling setting endpoints.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

// NewHandler constructs a new Handler.
func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*identity.Session, bool) {
	s, ok := identity.FromContext(r.Context())
	if !ok {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return s, ok
}

func (h *Handler) writeErr(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		utilities.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrInvalid):
		utilities.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrVersionConflict):
		utilities.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidCode):
		utilities.WriteError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrNoPendingSetup), errors.Is(err, ErrTwoFactorEnabled), errors.Is(err, ErrTwoFactorDisabled):
		utilities.WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Warnw("settings request failed", "user_id", userID, "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "settings request failed")
	}
}

func (h *Handler) GetSecurity(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := h.svc.GetSecurity(r.Context(), s.Identity.ID)
	if err != nil {
		h.writeErr(w, s.Identity.ID, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) UpdateSecurity(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var in entity.SecurityPatch
	if err := utilities.DecodeJSON(r, &in); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	st, err := h.svc.UpdateSecurity(r.Context(), s.Identity.ID, in)
	if err != nil {
		h.writeErr(w, s.Identity.ID, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	p, err := h.svc.GetPreferences(r.Context(), s.Identity.ID)
	if err != nil {
		h.writeErr(w, s.Identity.ID, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var in entity.PreferencesPatch
	if err := utilities.DecodeJSON(r, &in); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	p, err := h.svc.UpdatePreferences(r.Context(), s.Identity.ID, in)
	if err != nil {
		h.writeErr(w, s.Identity.ID, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, p)
}

type codeRequest struct {
	Code string `json:"totp_code"`
}

func (h *Handler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	out, err := h.svc.SetupTwoFactor(r.Context(), s.ID, s.Identity.ID, s.Identity.Email)
	if err != nil {
		h.writeErr(w, s.Identity.ID, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var in codeRequest
	if err := utilities.DecodeJSON(r, &in); err != nil || in.Code == "" {
		utilities.WriteError(w, http.StatusBadRequest, "totp_code required")
		return
	}
	if err := h.svc.VerifyTwoFactor(r.Context(), s.ID, s.Identity.ID, in.Code); err != nil {
		h.writeErr(w, s.Identity.ID, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, map[string]bool{"two_factor_enabled": true})
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var in codeRequest
	if err := utilities.DecodeJSON(r, &in); err != nil || in.Code == "" {
		utilities.WriteError(w, http.StatusBadRequest, "totp_code required")
		return
	}
	if err := h.svc.DisableTwoFactor(r.Context(), s.Identity.ID, in.Code); err != nil {
		h.writeErr(w, s.Identity.ID, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, map[string]bool{"two_factor_enabled": false})
}
