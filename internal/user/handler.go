package user

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-account-go/pkg/utilities"
)

// AccountReader loads the `users` row for the signed-in identity.
type AccountReader interface {
	GetByID(ctx context.Context, id string) (*entity.Account, error)
}

// Handler exposes the account endpoint.
type Handler struct {
	accounts AccountReader
	logger   *zap.SugaredLogger
}

func NewHandler(accounts AccountReader, logger *zap.SugaredLogger) *Handler {
	return &Handler{accounts: accounts, logger: logger}
}

// Me returns the account row of the current session. A missing row is
// reported as 404 so the client can ask for a completeness repair.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	s, ok := identity.FromContext(r.Context())
	if !ok {
		utilities.WriteError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	a, err := h.accounts.GetByID(r.Context(), s.Identity.ID)
	if err != nil {
		if database.IsNotFound(err) {
			utilities.WriteError(w, http.StatusNotFound, "account not found")
			return
		}
		h.logger.Warnw("load account failed", "user_id", s.Identity.ID, "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "load account failed")
		return
	}
	utilities.WriteJSON(w, http.StatusOK, a)
}
