package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lightdash/metricqueryd/internal/apierror"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// ---------------------------------------------------------------------------
// Request helpers
// ---------------------------------------------------------------------------

// readJSON decodes a size-limited JSON request body into T. On failure it
// writes a BAD_REQUEST envelope and returns ok=false.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeErr(w, apierror.New(apierror.CodeBadRequest, "invalid request body: "+err.Error()))
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// requireField writes a BAD_REQUEST envelope and returns false when value
// is empty.
func requireField(w http.ResponseWriter, value, fieldName string) bool {
	if value == "" {
		writeErr(w, apierror.Newf(apierror.CodeBadRequest, "%s is required", fieldName))
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

// writeOK writes a 200 envelope wrapping data.
func writeOK(w http.ResponseWriter, data any) {
	writeEnvelope(w, http.StatusOK, apierror.Ok(data))
}

// writeErr converts err to the closed taxonomy and writes the matching
// status and envelope. Unrecognized errors map to INTERNAL_ERROR/500 and
// are logged server-side, since their message may leak internals.
func writeErr(w http.ResponseWriter, err error) {
	apiErr := apierror.As(err)
	if apiErr.Code == apierror.CodeInternal {
		slog.Error("request failed", "error", err)
	}
	writeEnvelope(w, apiErr.HTTPStatus(), apierror.Fail(err))
}

func writeEnvelope(w http.ResponseWriter, status int, env apierror.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}
