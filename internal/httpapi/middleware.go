package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const workspaceKey contextKey = "workspace"

// DefaultWorkspaceID is used when the caller sends no workspace header.
// Single-tenant deployments never need to set the header at all.
const DefaultWorkspaceID = "00000000-0000-0000-0000-000000000000"

const workspaceHeader = "X-Workspace-ID"

// workspace resolves the tenant for the request from the X-Workspace-ID
// header and stores it in the request context.
func (s *Server) workspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws := r.Header.Get(workspaceHeader)
		if ws == "" {
			ws = DefaultWorkspaceID
		} else if _, err := uuid.Parse(ws); err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+workspaceHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), workspaceKey, ws)))
	})
}

func workspaceID(ctx context.Context) string {
	if ws, ok := ctx.Value(workspaceKey).(string); ok && ws != "" {
		return ws
	}
	return DefaultWorkspaceID
}
