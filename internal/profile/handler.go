package profile

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/profile/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

// Handler contains dependencies for handling profile endpoints.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := identity.FromContext(r.Context())
	if !ok {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	p, err := h.svc.Get(r.Context(), s.Identity.ID)
	if err != nil {
		h.writeErr(w, s.Identity.ID, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	s, ok := identity.FromContext(r.Context())
	if !ok {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var in entity.Patch
	if err := utilities.DecodeJSON(r, &in); err != nil {
		h.logger.Debugw("invalid profile payload", "err", err)
		utilities.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	p, err := h.svc.Update(r.Context(), s.Identity.ID, in)
	if err != nil {
		h.writeErr(w, s.Identity.ID, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, p)
}

func (h *Handler) writeErr(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		utilities.WriteError(w, http.StatusNotFound, "profile not found")
	case errors.Is(err, ErrInvalid):
		utilities.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Warnw("profile request failed", "user_id", userID, "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "profile request failed")
	}
}
