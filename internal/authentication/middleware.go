package authentication

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/utils"
)

// Middleware generates middleware that rejects requests without a valid JWT
// and stores the verified tenant ID in the echo context.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			tokenString, found := strings.CutPrefix(header, "Bearer ")
			if !found || tokenString == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "a bearer token is required")
			}
			tenantID, err := a.VerifyToken(tokenString)
			if err != nil {
				slog.Info(
					"AUTH MIDDLEWARE",
					"message", "token verification failed",
					"error", err,
					"requestID", utils.GetRequestID(c),
				)
				return echo.NewHTTPError(http.StatusUnauthorized, "the bearer token is not valid")
			}
			c.Set(config.TenantIDCtxKey, tenantID)
			return next(c)
		}
	}
}

// TenantID reads the tenant ID that the middleware stored in the context.
func TenantID(c echo.Context) (int, bool) {
	tenantID, ok := c.Get(config.TenantIDCtxKey).(int)
	return tenantID, ok
}
