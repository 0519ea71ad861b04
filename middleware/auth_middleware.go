package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/llm-router/utils"
	"go.uber.org/zap"
)

// RoleAdmin grants access to the backend administration API
const RoleAdmin = "admin"

// TokenValidator verifies a raw bearer token.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// AuthMiddleware guards the admin API with bearer tokens.
type AuthMiddleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

func NewAuthMiddleware(validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{validator: validator, logger: logger}
}

// RequireAuth rejects requests without a verifiable bearer token and puts
// the claims on the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := m.logger.With(zap.String("request_id", GetRequestIDFromContext(r.Context())))

		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			log.Warn("admin request without bearer token", zap.String("path", r.URL.Path))
			_ = utils.WriteUnauthorized(w, "bearer token required")
			return
		}

		claims, err := m.validator.ValidateToken(r.Context(), raw)
		if err != nil {
			log.Warn("admin token rejected", zap.Error(err))
			_ = utils.WriteUnauthorized(w, "token is invalid or expired")
			return
		}

		log.Debug("admin token accepted", zap.String("subject", claims.Subject))
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireRole must be chained after RequireAuth.
func (m *AuthMiddleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaimsFromContext(r.Context())
			switch {
			case claims == nil:
				m.logger.Error("role check reached without claims",
					zap.String("request_id", GetRequestIDFromContext(r.Context())))
				_ = utils.WriteUnauthorized(w, "authentication required")
			case !claims.HasRole(role):
				m.logger.Warn("admin role missing",
					zap.String("request_id", GetRequestIDFromContext(r.Context())),
					zap.String("subject", claims.Subject),
					zap.String("want", role),
					zap.Strings("have", claims.Roles))
				_ = utils.WriteForbidden(w, "role "+role+" required")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// bearerToken parses an "Authorization: Bearer <token>" value.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
