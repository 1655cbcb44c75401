package session

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/hexagram/access-core-go/internal/auth"
	"github.com/ovaphlow/hexagram/access-core-go/internal/httpapi"
	"github.com/ovaphlow/hexagram/access-core-go/internal/session/entity"
	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
)

// Handler exposes the session transition endpoint.
type Handler struct {
	svc    *Service
	logger *zap.SugaredLogger
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// TransitionRequest names the target state (the event) plus a context
// payload merged into the session.
type TransitionRequest struct {
	Event   string            `json:"event"`
	Payload map[string]string `json:"payload"`
}

// Transition implements transition_session. The executing event runs the
// full divination leg; everything else is a plain state move.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	identity := auth.Identity(r.Context())
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteJSON(w, http.StatusBadRequest, httpapi.ErrorBody{Error: "invalid_payload"})
		return
	}
	target, ok := entity.ParseState(req.Event)
	if !ok {
		httpapi.WriteJSON(w, http.StatusBadRequest, httpapi.ErrorBody{Error: "invalid_event"})
		return
	}

	var sess *entity.Session
	var err error
	if target == entity.StateExecuting {
		sess, err = h.svc.Execute(r.Context(), identity, req.Payload["gender"])
	} else {
		sess, err = h.svc.Transition(r.Context(), identity, target, req.Payload)
	}
	if err != nil {
		if apperr.IsConflict(err) {
			body := map[string]any{"rejected": apperr.Reason(err)}
			if sess != nil {
				body["current_state"] = sess.CurrentState
			}
			httpapi.WriteJSON(w, http.StatusConflict, body)
			return
		}
		h.logger.Warnw("session transition failed", "identity", identity, "event", req.Event, "err", err)
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"new_state": sess.CurrentState})
}
