package permission

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/hexagram/access-core-go/internal/auth"
	"github.com/ovaphlow/hexagram/access-core-go/internal/httpapi"
	"github.com/ovaphlow/hexagram/access-core-go/internal/permission/entity"
)

// Handler exposes HTTP endpoints for permission checks and role grants.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Check implements check_permission: a non-charging quota snapshot.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	d, err := h.svc.Check(r.Context(), identity)
	if err != nil {
		h.logger.Warnw("permission check failed", "identity", identity, "err", err)
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, d)
}

// GrantRoleRequest is the admin role-grant payload.
type GrantRoleRequest struct {
	Identity         string `json:"identity"`
	Role             string `json:"role"`
	SubscriptionDays int    `json:"subscription_days"`
}

// GrantRole applies a role grant. The router only routes admins here.
func (h *Handler) GrantRole(w http.ResponseWriter, r *http.Request) {
	var req GrantRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteJSON(w, http.StatusBadRequest, httpapi.ErrorBody{Error: "invalid_payload"})
		return
	}
	role, ok := entity.ParseRole(req.Role)
	if !ok {
		httpapi.WriteJSON(w, http.StatusBadRequest, httpapi.ErrorBody{Error: "invalid_role"})
		return
	}
	p, err := h.svc.GrantRole(r.Context(), req.Identity, role, req.SubscriptionDays)
	if err != nil {
		h.logger.Warnw("grant role failed", "identity", req.Identity, "role", role, "err", err)
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"identity":         p.Identity,
		"role":             p.Role,
		"subscription_end": p.SubscriptionEnd,
	})
}
