// Package httpapi holds the response helpers shared by all HTTP handlers.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ovaphlow/hexagram/access-core-go/pkg/apperr"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the uniform error payload. Conflicts carry an actionable
// reason; transient failures deliberately leak nothing beyond "try again".
type ErrorBody struct {
	Error      string `json:"error"`
	Suggestion string `json:"suggestion,omitempty"`
}

// WriteError maps the apperr taxonomy onto HTTP statuses:
// validation 400, conflict 409, transient 503. Anything untyped is a 500.
func WriteError(w http.ResponseWriter, err error) {
	if e := apperr.As(err); e != nil {
		switch e.Kind {
		case apperr.KindValidation:
			WriteJSON(w, http.StatusBadRequest, ErrorBody{Error: e.Reason})
		case apperr.KindConflict:
			WriteJSON(w, http.StatusConflict, ErrorBody{Error: e.Reason, Suggestion: e.Suggestion})
		case apperr.KindTransient:
			WriteJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: "try_again"})
		default:
			WriteJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal"})
		}
		return
	}
	WriteJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal"})
}
