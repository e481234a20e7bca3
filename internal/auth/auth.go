// Package auth guards the HTTP surfaces: bearer API keys on the public
// API, the shared secret on the internal runner endpoints, and optional
// per-key rate limiting.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/pkg/types"
)

const (
	contextKeyTenant = "ash_tenant"
	contextKeyAPIKey = "ash_api_key_id"
)

// TenantHeader carries the authenticated tenant across the internal hop,
// where bearer auth is replaced by the shared secret.
const TenantHeader = "X-Ash-Tenant"

// Tenant returns the authenticated tenant for a request, defaulting when
// auth is disabled.
func Tenant(c echo.Context) string {
	if v, ok := c.Get(contextKeyTenant).(string); ok && v != "" {
		return v
	}
	return types.DefaultTenant
}

// unauthenticatedPaths skip bearer auth entirely.
func openPath(path string) bool {
	return path == "/health" || path == "/metrics" || strings.HasPrefix(path, "/docs/")
}

// BearerMiddleware validates Authorization: Bearer tokens. The static env
// key is checked with a constant-time compare; anything else is looked up
// by SHA-256 hash in the repository. With no static key and no stored
// keys the server runs open (dev mode) — the caller logs the warning.
func BearerMiddleware(repo db.Repository, staticKey string, devMode bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if openPath(c.Path()) {
				return next(c)
			}
			if devMode {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			token := strings.TrimPrefix(header, "Bearer ")

			if staticKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(staticKey)) == 1 {
				c.Set(contextKeyTenant, types.DefaultTenant)
				return next(c)
			}

			key, err := repo.GetAPIKeyByHash(c.Request().Context(), db.HashAPIKey(token))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid bearer token")
			}
			c.Set(contextKeyTenant, key.TenantID)
			c.Set(contextKeyAPIKey, key.ID)
			return next(c)
		}
	}
}

// InternalSecretMiddleware guards the runner<->coordinator endpoints with
// the shared X-Internal-Secret header.
func InternalSecretMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "internal API disabled: no internal secret configured")
			}
			got := c.Request().Header.Get("X-Internal-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid internal secret")
			}
			if tenant := c.Request().Header.Get(TenantHeader); tenant != "" {
				c.Set(contextKeyTenant, tenant)
			}
			return next(c)
		}
	}
}
