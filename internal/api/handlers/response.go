package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/narvanalabs/hubfleet/internal/api/errors"
	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/pkg/logger"
)

// maxBodyBytes caps request bodies. Component sync reports are the largest.
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, message string) {
	apierrors.WriteError(w, apierrors.NewValidationError(message))
}

// WriteFleetError writes err classified by its fleet error kind. Internal and
// collaborator failures are logged.
func WriteFleetError(w http.ResponseWriter, r *http.Request, log *slog.Logger, msg string, err error) {
	requestID := middleware.GetReqID(r.Context())
	apiErr := apierrors.FromError(err).WithRequestID(requestID)

	l := (&logger.Logger{Logger: log}).WithContext(r.Context())
	switch fleeterr.KindOf(err) {
	case fleeterr.KindInternal, fleeterr.KindExternalCollaborator:
		l.Error(msg, "error", err, "path", r.URL.Path)
	default:
		l.Debug(msg, "error", err, "code", apiErr.Code)
	}
	apierrors.WriteError(w, apiErr)
}

// decodeJSON reads a JSON body into dst. An empty body is allowed when
// optional is true.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// queryLimit parses the "limit" query parameter. Zero means the default.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		WriteBadRequest(w, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}
