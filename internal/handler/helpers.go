package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/model"
	"github.com/keyfleet/keyfleet/internal/secret"
	"github.com/keyfleet/keyfleet/internal/service"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// writeList wraps items in the list envelope.
func writeList(w http.ResponseWriter, items interface{}, count, limit int) {
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: items,
		Meta:     &model.ResponseMeta{Count: count, Limit: limit},
	})
}

// readJSON decodes the request body as JSON into v. Unknown fields are
// rejected. The body is closed after decoding.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryString extracts a string query parameter.
func queryString(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}

// classifyError maps an error from the service layer to an HTTP status and a
// client-safe message.
func classifyError(err error) (int, string) {
	var (
		authErr *controlplane.AuthenticationError
		apiErr  *controlplane.RemoteAPIError
	)
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, config.ErrInvalidRecord):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, config.ErrNotFound), errors.Is(err, controlplane.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, config.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrKeyRevoked):
		return http.StatusGone, err.Error()
	case errors.As(err, &authErr):
		return http.StatusBadGateway, "control plane authentication failed"
	case controlplane.IsTransient(err):
		return http.StatusGatewayTimeout, err.Error()
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, secret.ErrCrypto):
		return http.StatusInternalServerError, "stored key could not be decrypted"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeServiceError logs err and writes the mapped error response.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, msg := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, msg)
}
