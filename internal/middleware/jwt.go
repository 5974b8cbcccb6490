package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"go-chat-realtime/internal/auth"
)

type contextKey string

const IdentityKey contextKey = "identity"

// TokenValidator decouples the middleware from the auth package.
type TokenValidator interface {
	Validate(tokenString string) (*auth.Identity, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle requires a valid token.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return am.handle(next, true)
}

// Optional lets requests without a token through unauthenticated. A token that
// is present but invalid is still refused.
func (am *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return am.handle(next, false)
}

func (am *AuthMiddleware) handle(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := TokenFromRequest(r)
		if tokenString == "" {
			if required {
				http.Error(w, "Missing authentication token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		id, err := am.validator.Validate(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// TokenFromRequest reads a bearer header, falling back to the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

func WithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(*auth.Identity)
	return id, ok && id != nil
}
