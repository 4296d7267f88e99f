package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

const (
	ClaimsContextKey contextKey = "claims"
	bearerPrefix                = "Bearer "
)

// Middleware handles authentication for protected routes
type Middleware struct {
	jwtManager *JWTManager
	logger     *zap.Logger
	onFailure  func(r *http.Request, err error)
}

// NewMiddleware creates new auth middleware. onFailure, if set, is called for
// every rejected request.
func NewMiddleware(jwtManager *JWTManager, logger *zap.Logger, onFailure func(r *http.Request, err error)) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{jwtManager: jwtManager, logger: logger.Named("auth"), onFailure: onFailure}
}

// RequireAuth middleware checks for a valid bearer token
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			m.reject(w, r, ErrInvalidToken)
			return
		}

		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			m.reject(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	m.logger.Debug("rejected request", zap.String("path", r.URL.Path), zap.Error(err))
	if m.onFailure != nil {
		m.onFailure(r, err)
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="plantnode"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// BearerToken extracts the token from the Authorization header
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

// ClaimsFromContext extracts token claims from request context
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	if !ok {
		return nil
	}
	return claims
}
