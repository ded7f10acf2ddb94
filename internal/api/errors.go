package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// relayError is the body of every failed request, whether it was refused by
// a huma operation or by a plain chi handler.
type relayError struct {
	status  int
	Message string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (e *relayError) Error() string  { return e.Message }
func (e *relayError) GetStatus() int { return e.status }

// newRelayError replaces huma.NewError so operation errors share the relay's
// shape instead of RFC 9457 problem documents.
func newRelayError(status int, msg string, errs ...error) huma.StatusError {
	e := &relayError{status: status, Message: msg}
	for _, err := range errs {
		if err != nil {
			e.Details = append(e.Details, err.Error())
		}
	}
	return e
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encode relay response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, newRelayError(status, msg))
}
