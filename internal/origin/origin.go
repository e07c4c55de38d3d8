// Package origin enforces the per-tenant browser origin allow-list.
//
// Requests without an Origin header pass: server-to-server callers don't
// send one, and a forged header is no harder to fake than its absence.
// The check exists to stop the casual case of one store's key pasted
// into another store's site.
package origin

import (
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/auth"
	"github.com/tryonplugin/tryon/internal/logging"
)

// Allowed reports whether hostname matches any pattern in the allow-list.
// A pattern is either an exact hostname or "*.base", which matches base
// itself and any subdomain of it.
func Allowed(hostname string, patterns []string) bool {
	hostname = strings.ToLower(hostname)
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if base, ok := strings.CutPrefix(p, "*."); ok {
			if hostname == base || strings.HasSuffix(hostname, "."+base) {
				return true
			}
			continue
		}
		if hostname == p {
			return true
		}
	}
	return false
}

// Middleware checks the Origin header against the authenticated tenant's
// allow-list. Must run after auth.Middleware.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		originHeader := c.GetHeader("Origin")
		if originHeader == "" {
			c.Next()
			return
		}

		ident := auth.MustIdentity(c)

		u, err := url.Parse(originHeader)
		if err != nil || u.Hostname() == "" {
			apierr.Write(c, apierr.Forbidden(apierr.CodeInvalidOrigin, "Origin header is not a valid URL"))
			return
		}

		if !Allowed(u.Hostname(), ident.Tenant.AllowedDomains) {
			logging.L(c.Request.Context()).Warn("origin rejected",
				"origin", u.Hostname(),
				"allowed_domains", ident.Tenant.AllowedDomains,
			)
			apierr.Write(c, apierr.Forbidden(apierr.CodeOriginNotAllowed,
				"This domain is not authorized to use this API key"))
			return
		}

		c.Next()
	}
}
