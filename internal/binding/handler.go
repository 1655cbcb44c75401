package binding

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/hexagram/access-core-go/internal/auth"
	"github.com/ovaphlow/hexagram/access-core-go/internal/binding/entity"
	"github.com/ovaphlow/hexagram/access-core-go/internal/httpapi"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
)

// Handler exposes the anonymous create endpoint and the authenticated claim
// endpoint.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Create implements create_pending_binding. Unauthenticated by design; the
// response carries only the offer TTL.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var birth entity.BirthData
	if err := json.NewDecoder(r.Body).Decode(&birth); err != nil {
		httpapi.WriteJSON(w, http.StatusBadRequest, httpapi.ErrorBody{Error: "invalid_payload"})
		return
	}
	res, err := h.svc.Create(r.Context(), birth)
	if err != nil {
		h.logger.Debugw("binding create rejected", "err", err)
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, res)
}

// ClaimResponse is the claim outcome. Reason is set on business rejection.
type ClaimResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Claim implements claim_binding.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	_, err := h.svc.Claim(r.Context(), identity)
	if err != nil {
		if apperr.IsConflict(err) {
			httpapi.WriteJSON(w, http.StatusConflict, ClaimResponse{Success: false, Reason: apperr.Reason(err)})
			return
		}
		h.logger.Warnw("binding claim failed", "identity", identity, "err", err)
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, ClaimResponse{Success: true})
}
