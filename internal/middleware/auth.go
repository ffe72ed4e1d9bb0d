package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lightdash/metricqueryd/internal/domain/environment"
)

// writeJSONError writes a JSON error response with the correct Content-Type.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type projectCtxKey struct{}

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// EnvironmentResolver is the slice of the Environment Registry Auth
// needs: looking up a project's config to authorize a token against it.
type EnvironmentResolver interface {
	Get(projectID string) (environment.Config, error)
}

// Auth returns middleware that authorizes a request's bearer token
// against the {project_id}'s configured token list. Authentication token
// *transport* (scheme, header parsing) is this service's own concern;
// the comparison itself is delegated to environment.Config.Authorize's
// constant-time membership check. Token issuance and rotation happen
// outside this service.
func Auth(registry EnvironmentResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			projectID := chi.URLParam(r, "projectId")
			if projectID == "" {
				writeJSONError(w, http.StatusBadRequest, "project id required")
				return
			}

			env, err := registry.Get(projectID)
			if err != nil {
				writeJSONError(w, http.StatusNotFound, "unknown project")
				return
			}

			authHeader := r.Header.Get("Authorization")
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == "" || token == authHeader {
				writeJSONError(w, http.StatusUnauthorized, "authorization required")
				return
			}

			if !env.Authorize(token) {
				writeJSONError(w, http.StatusForbidden, "token not authorized for this project")
				return
			}

			ctx := context.WithValue(r.Context(), projectCtxKey{}, projectID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProjectFromContext returns the authorized project id set by Auth.
func ProjectFromContext(ctx context.Context) string {
	id, _ := ctx.Value(projectCtxKey{}).(string)
	return id
}
