package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/logging"
)

// ContextKeyIdentity is the gin context key holding the *Identity.
const ContextKeyIdentity = "authIdentity"

// extractKey pulls the raw API key from the request. Both header forms
// are accepted because the widget sends X-API-Key while server-side
// integrations tend to use a Bearer token.
func extractKey(c *gin.Context) string {
	if h := c.GetHeader("X-API-Key"); h != "" {
		return strings.TrimSpace(h)
	}
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// Middleware authenticates the request and attaches the Identity to the
// context. Requests that fail any check are rejected; the error code
// distinguishes exactly why so integrators can tell a typo'd key from a
// revoked one.
func Middleware(m *Manager) gin.HandlerFunc {
	return middleware(m.Authenticate)
}

// MiddlewareAllowInactive authenticates without the active-tenant
// check. Billing routes stay reachable for suspended stores so they
// can resolve the payment that suspended them.
func MiddlewareAllowInactive(m *Manager) gin.HandlerFunc {
	return middleware(m.AuthenticateAnyStatus)
}

func middleware(authenticate func(ctx context.Context, rawKey string) (*Identity, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := authenticate(c.Request.Context(), extractKey(c))
		if err != nil {
			apierr.Write(c, authError(err))
			return
		}

		c.Set(ContextKeyIdentity, ident)
		ctx := logging.WithTenantID(c.Request.Context(), ident.Tenant.ID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// authError maps authentication failures onto the API error taxonomy.
func authError(err error) *apierr.Error {
	var inactive *TenantInactiveError
	switch {
	case errors.Is(err, ErrMissingKey):
		return apierr.Unauthorized(apierr.CodeMissingAPIKey, "API key required. Include an X-API-Key header.")
	case errors.Is(err, ErrBadFormat):
		return apierr.Unauthorized(apierr.CodeInvalidKeyFormat, "API key is malformed")
	case errors.Is(err, ErrKeyNotFound):
		return apierr.Unauthorized(apierr.CodeInvalidAPIKey, "Invalid API key")
	case errors.Is(err, ErrKeyDeactivated):
		return apierr.Unauthorized(apierr.CodeAPIKeyDeactivated, "This API key has been deactivated")
	case errors.As(err, &inactive):
		return apierr.Forbidden(apierr.CodeTenantInactive, "Store account is "+string(inactive.Status))
	default:
		return apierr.New(500, apierr.CodeAuthError, "Authentication failed", true)
	}
}

// GetIdentity returns the authenticated identity from context.
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	ident, ok := v.(*Identity)
	return ident, ok
}

// MustIdentity returns the identity set by Middleware. It panics if the
// route was wired without the middleware, which is a programming error.
func MustIdentity(c *gin.Context) *Identity {
	ident, ok := GetIdentity(c)
	if !ok {
		panic("auth: handler requires auth.Middleware")
	}
	return ident
}
