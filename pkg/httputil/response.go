package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code.
// Encoding errors are ignored (best-effort).
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"code": ..., "error": msg} with a code derived from the
// status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"code": statusCode(status), "error": msg})
}

// WriteAppError renders err with its stable code and mapped status. The
// chi request id, when present, is echoed as trace_id.
func WriteAppError(w http.ResponseWriter, r *http.Request, err error) {
	errors.WriteHTTPError(w, err, middleware.GetReqID(r.Context()))
}

// WriteSuccess writes {"status": "ok"}.
func WriteSuccess(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func statusCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return errors.CodeInvalidArgument
	case http.StatusNotFound:
		return errors.CodeNotFound
	case http.StatusTooManyRequests:
		return errors.CodeRateLimited
	case http.StatusServiceUnavailable:
		return errors.CodeProviderUnavailable
	default:
		if status < 400 {
			return errors.CodeOK
		}
		return errors.CodeInternal
	}
}
