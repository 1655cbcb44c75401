package divination

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/hexagram/access-core-go/internal/auth"
	"github.com/ovaphlow/hexagram/access-core-go/internal/httpapi"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
)

// Handler exposes the weekly eligibility and perform endpoints.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Eligibility implements check_weekly_eligibility.
func (h *Handler) Eligibility(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	ok, existing, err := h.svc.Eligible(r.Context(), identity)
	if err != nil {
		h.logger.Warnw("eligibility check failed", "identity", identity, "err", err)
		httpapi.WriteError(w, err)
		return
	}
	body := map[string]any{"eligible": ok}
	if existing != nil {
		body["existing_result"] = existing.Result()
		body["performed_at"] = existing.PerformedAt
	}
	httpapi.WriteJSON(w, http.StatusOK, body)
}

// PerformRequest carries the optional gender override.
type PerformRequest struct {
	Gender string `json:"gender"`
}

// Perform implements perform_weekly_divination. A same-week repeat returns
// the original result with rejected=already_done.
func (h *Handler) Perform(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	var req PerformRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	u, err := h.svc.Perform(r.Context(), identity, req.Gender)
	if err != nil {
		if apperr.Reason(err) == "already_done" && u != nil {
			httpapi.WriteJSON(w, http.StatusConflict, map[string]any{
				"success":  false,
				"rejected": "already_done",
				"result":   u.Result(),
			})
			return
		}
		h.logger.Warnw("divination failed", "identity", identity, "err", err)
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  u.Result(),
	})
}
