package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mara/identity-service/internal/api/authcookie"
	"github.com/mara/identity-service/internal/domain"
	"github.com/mara/identity-service/internal/service"
)

type contextKey string

const (
	tokenKey     contextKey = "token"
	principalKey contextKey = "principal"
)

// Principal is the resolved identity for one request: the session that
// authenticated it and the user it belongs to. It is threaded through
// the request context explicitly; nothing ambient survives the request.
type Principal struct {
	User    *domain.User
	Session *domain.Session
}

// WithToken extracts the signed cookie's token, if any, into the
// request context. It never rejects; handlers that can serve anonymous
// callers read the token as optional.
func WithToken(cookies *authcookie.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token, ok := cookies.Read(r); ok {
				r = r.WithContext(context.WithValue(r.Context(), tokenKey, token))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Auth requires a live session. The cookie token is resolved to a
// session and user once, and the Principal rides the context for the
// rest of the request.
func Auth(authService *service.AuthService, cookies *authcookie.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := GetToken(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			result, err := authService.SessionStatus(r.Context(), token)
			if err != nil {
				if service.IsNotFound(err) {
					cookies.Clear(w)
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				slog.ErrorContext(r.Context(), "failed to resolve session", "error", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			principal := &Principal{User: result.User, Session: result.Session}
			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey).(string)
	return token, ok
}

func GetPrincipal(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalKey).(*Principal)
	return principal, ok
}
