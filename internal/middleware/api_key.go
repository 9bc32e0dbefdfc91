package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// APIKeyAuth guards the API with a single static key, accepted either as
// "Authorization: Bearer <key>" or an "X-API-Key" header. With no key
// configured the API is open (local / development mode).
func APIKeyAuth(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}

			presented := c.Request().Header.Get("X-API-Key")
			if presented == "" {
				auth := c.Request().Header.Get(echo.HeaderAuthorization)
				presented = strings.TrimPrefix(auth, "Bearer ")
			}

			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}
			return next(c)
		}
	}
}
