package device

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/hexagram/access-core-go/internal/auth"
	"github.com/ovaphlow/hexagram/access-core-go/internal/device/entity"
	"github.com/ovaphlow/hexagram/access-core-go/internal/httpapi"
)

// Handler exposes HTTP endpoints for device admission and management.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// AdmitRequest carries explicit client signals. Absent fields fall back to
// what the transport itself presents.
type AdmitRequest struct {
	UserAgent string `json:"user_agent"`
	Address   string `json:"address"`
	Extra     string `json:"extra"`
}

// Admit implements admit_device.
func (h *Handler) Admit(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	var req AdmitRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	sig := entity.Signals{UserAgent: req.UserAgent, Address: req.Address, Extra: req.Extra}
	if sig.UserAgent == "" {
		sig.UserAgent = r.UserAgent()
	}
	if sig.Address == "" {
		sig.Address = r.RemoteAddr
	}

	d, err := h.svc.Admit(r.Context(), identity, sig)
	if err != nil {
		h.logger.Warnw("device admission failed", "identity", identity, "err", err)
		httpapi.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusForbidden
	}
	httpapi.WriteJSON(w, status, d)
}

// List implements the device listing endpoint.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	includeInactive := r.URL.Query().Get("include_inactive") == "1"
	rows, err := h.svc.List(r.Context(), identity, includeInactive)
	if err != nil {
		h.logger.Warnw("device list failed", "identity", identity, "err", err)
		httpapi.WriteError(w, err)
		return
	}
	if rows == nil {
		rows = []entity.Device{}
	}
	httpapi.WriteJSON(w, http.StatusOK, rows)
}

// DeactivateRequest names the device to soft-delete.
type DeactivateRequest struct {
	DeviceID string `json:"device_id"`
}

// Deactivate implements manual device management.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	var req DeactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteJSON(w, http.StatusBadRequest, httpapi.ErrorBody{Error: "invalid_payload"})
		return
	}
	found, err := h.svc.Deactivate(r.Context(), identity, req.DeviceID)
	if err != nil {
		h.logger.Warnw("device deactivate failed", "identity", identity, "err", err)
		httpapi.WriteError(w, err)
		return
	}
	if !found {
		httpapi.WriteJSON(w, http.StatusNotFound, httpapi.ErrorBody{Error: "device_not_found"})
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}
