package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/chatecho/internal/logging"
	"github.com/Tyrowin/chatecho/internal/store"
)

type contextKey string

// UserContextKey holds the *store.User resolved by Middleware.
const UserContextKey contextKey = "user"

// Middleware authenticates REST requests with the token in the
// Authorization header, raw or with a Bearer scheme, and stores the user the
// token names in the request context.
func Middleware(v Verifier, users store.Users) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				unauthorized(w)
				return
			}

			id, err := v.Verify(r.Context(), token)
			if err != nil {
				logging.Debug().Err(err).Str("path", r.URL.Path).Msg("REST token rejected")
				unauthorized(w)
				return
			}

			user, err := users.FindByEmail(r.Context(), id.Email)
			if errors.Is(err, store.ErrNotFound) {
				unauthorized(w)
				return
			}
			if err != nil {
				logging.Error().Err(err).Str("email", id.Email).Msg("User lookup failed")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// unauthorized writes the body clients of the REST API expect on a 401.
func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"isAuthenticated": false,
		"message":         "Unauthorized",
	})
}

// UserFromContext returns the user stored by Middleware.
func UserFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(UserContextKey).(*store.User)
	return u, ok && u != nil
}
