package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"sessiond/internal/errkind"
	"sessiond/internal/store"
	"sessiond/pkg/types"
)

// ErrNotConfigured is returned by optional endpoints whose backing component
// (models directory, snapshot store) was not configured.
var ErrNotConfigured = errors.New("not configured")

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps err to an HTTP status: 404 for missing or unconfigured
// resources, the error's own code for HTTPError, 500 otherwise.
func statusFor(err error) int {
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	resp := types.ErrorResponse{Error: err.Error(), Code: statusFor(err)}
	if k := errkind.KindOf(err); k != errkind.Unknown {
		resp.Kind = k.String()
	}
	writeJSON(w, resp.Code, resp)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
