package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ledgertx/backend/internal/services"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller taken from a bearer token.
type Principal struct {
	Subject string
	Role    string
}

// PrincipalFrom returns the caller stored by Auth, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Auth validates HS256 bearer tokens signed with secret.
func Auth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Get token from Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				services.SendErrorResponse(w, services.CodeUnauthorized, "Authorization header required", http.StatusUnauthorized, nil)
				return
			}

			// Extract token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				services.SendErrorResponse(w, services.CodeUnauthorized, "Invalid authorization header format", http.StatusUnauthorized, nil)
				return
			}

			principal, err := validateToken(parts[1], secret)
			if err != nil {
				services.SendErrorResponse(w, services.CodeUnauthorized, "Invalid token", http.StatusUnauthorized, nil)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers whose role claim differs from role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				services.SendErrorResponse(w, services.CodeUnauthorized, "Authentication required", http.StatusUnauthorized, nil)
				return
			}
			if principal.Role != role {
				services.SendErrorResponse(w, services.CodeForbidden, "Insufficient role", http.StatusForbidden, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validateToken(tokenString string, secret []byte) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Principal{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("invalid claims")
	}

	subject, _ := claims.GetSubject()
	role, _ := claims["role"].(string)
	return Principal{Subject: subject, Role: role}, nil
}
