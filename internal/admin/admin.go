// Package admin provides operator-only endpoints: store moderation,
// usage retention pruning, and on-demand overage reporting.
//
// Authentication is a shared secret in the X-Admin-Secret header. The
// surface is meant for operators and cron jobs, not merchants.
package admin

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"github.com/tryonplugin/tryon/internal/apierr"
)

// Middleware rejects requests without the admin secret. An empty
// configured secret disables the surface entirely rather than leaving
// it open.
func Middleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			apierr.Write(c, apierr.Forbidden(apierr.CodeForbidden, "Admin API is disabled"))
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			apierr.Write(c, apierr.Forbidden(apierr.CodeForbidden, "Invalid admin secret"))
			return
		}
		c.Next()
	}
}
