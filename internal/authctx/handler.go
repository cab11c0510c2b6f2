package authctx

import (
	"net/http"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

type Handler struct {
	registry *Registry
}

func NewHandler(r *Registry) *Handler { return &Handler{registry: r} }

// Session reports the auth context of the calling session. Without a
// session it reports unauthenticated rather than failing.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	s, ok := identity.FromContext(r.Context())
	if !ok {
		utilities.WriteJSON(w, http.StatusOK, State{Status: StatusUnauthenticated})
		return
	}
	p := h.registry.ForSession(r.Context(), s.ID)
	utilities.WriteJSON(w, http.StatusOK, p.State())
}
