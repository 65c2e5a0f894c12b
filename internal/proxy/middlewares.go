package proxy

import "github.com/labstack/echo/v4"

// noCookies middleware removes all cookies from a request so browser cookies
// never leak to the upstream API.
func noCookies(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Request().Header.Set("cookie", "")
		return next(c)
	}
}
