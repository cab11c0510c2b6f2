package completeness

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Ensure runs the check for the signed-in user. ?force=true skips the
// throttle.
func (h *Handler) Ensure(w http.ResponseWriter, r *http.Request) {
	s, ok := identity.FromContext(r.Context())
	if !ok {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res := h.svc.Ensure(r.Context(), s.Identity, force)
	utilities.WriteJSON(w, http.StatusOK, res)
}
