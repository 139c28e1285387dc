package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/narvanalabs/hubfleet/internal/api/errors"
	"github.com/narvanalabs/hubfleet/internal/auth"
	"github.com/narvanalabs/hubfleet/pkg/logger"
)

// Context keys for the authenticated principal. The subject and node id
// live under the logger's keys so context-aware loggers pick them up.
type contextKey string

const (
	// RoleKey is the context key for the authenticated operator role.
	RoleKey contextKey = "role"

	principalKey contextKey = "principal"
)

type principalHolder struct {
	subject string
	nodeID  string
}

func withPrincipalHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, principalKey, h)
}

func recordPrincipal(ctx context.Context, subject, nodeID string) {
	if h, ok := ctx.Value(principalKey).(*principalHolder); ok {
		h.subject = subject
		h.nodeID = nodeID
	}
}

// GetSubject extracts the operator id from the request context.
func GetSubject(ctx context.Context) string {
	return logger.SubjectFromContext(ctx)
}

// GetRole extracts the operator role from the request context.
func GetRole(ctx context.Context) auth.Role {
	if v := ctx.Value(RoleKey); v != nil {
		return v.(auth.Role)
	}
	return ""
}

// GetNodeID extracts the authenticated agent's node id from the request context.
func GetNodeID(ctx context.Context) string {
	return logger.NodeIDFromContext(ctx)
}

// AuthMiddleware validates bearer tokens for the operator and agent APIs.
type AuthMiddleware struct {
	authService *auth.Service
	logger      *slog.Logger
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(authService *auth.Service, log *slog.Logger) *AuthMiddleware {
	if log == nil {
		log = slog.Default()
	}
	return &AuthMiddleware{
		authService: authService,
		logger:      log,
	}
}

// Operator accepts only operator tokens and stores the subject and role.
func (m *AuthMiddleware) Operator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := m.validate(w, r, auth.KindOperator)
		if !ok {
			return
		}
		recordPrincipal(r.Context(), claims.Subject, "")
		ctx := logger.ContextWithSubject(r.Context(), claims.Subject)
		ctx = context.WithValue(ctx, RoleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Node accepts only node tokens and stores the node id.
func (m *AuthMiddleware) Node(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := m.validate(w, r, auth.KindNode)
		if !ok {
			return
		}
		recordPrincipal(r.Context(), "", claims.Subject)
		ctx := logger.ContextWithNodeID(r.Context(), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validate(w http.ResponseWriter, r *http.Request, kind auth.TokenKind) (*auth.Claims, bool) {
	token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeUnauthorized(w, "Missing authentication")
		return nil, false
	}

	claims, err := m.authService.ValidateToken(token)
	if err != nil {
		m.logger.Debug("JWT validation failed", "error", err)
		if errors.Is(err, auth.ErrExpiredToken) {
			writeUnauthorized(w, "Token has expired")
			return nil, false
		}
		writeUnauthorized(w, "Invalid token")
		return nil, false
	}
	if claims.Kind != kind {
		m.logger.Debug("token kind rejected", "kind", claims.Kind, "want", kind, "path", r.URL.Path)
		writeForbidden(w, auth.ErrWrongTokenKind.Error())
		return nil, false
	}
	return claims, true
}

// RequirePermission returns a middleware that rejects operators whose role
// lacks perm. It must run after Operator.
func RequirePermission(perm auth.Permission, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetRole(r.Context())
			if err := auth.CheckRolePermission(role, perm); err != nil {
				log.Debug("permission check failed",
					"subject", GetSubject(r.Context()),
					"role", role,
					"permission", perm,
				)
				writeForbidden(w, "Access denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	apierrors.WriteError(w, apierrors.NewUnauthorizedError(message))
}

func writeForbidden(w http.ResponseWriter, message string) {
	apierrors.WriteError(w, apierrors.NewForbiddenError(message))
}
