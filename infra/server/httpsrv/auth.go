package httpsrv

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/webitel/im-fanout-service/internal/domain/model"
	"github.com/webitel/im-fanout-service/internal/service"
)

type contextKey string

const (
	// AuthContextKey is the key used to store/retrieve the caller identity from context
	AuthContextKey contextKey = "auth_user"
)

// NewAuthMiddleware rejects requests without a verified identity before any
// handler (including the WebSocket upgrade) runs.
func NewAuthMiddleware(auther service.Auther, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// [PRE_AUTH] Validate identity before allowing the request through
			userID, err := auther.Inspect(r.Context(), r.Header)
			if err != nil {
				logger.Debug("AUTH_REJECTED", slog.String("path", r.URL.Path), slog.String("reason", err.Error()))
				WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
				return
			}

			// [ENRICHMENT] Inject the identity into the context for downstream handlers
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

// WithUser stores the caller identity on ctx.
func WithUser(ctx context.Context, userID model.UserID) context.Context {
	return context.WithValue(ctx, AuthContextKey, userID)
}

// UserFromContext is a helper to extract the identity from context safely.
func UserFromContext(ctx context.Context) (model.UserID, bool) {
	userID, ok := ctx.Value(AuthContextKey).(model.UserID)
	return userID, ok && userID != ""
}

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
