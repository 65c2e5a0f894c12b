package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/gwerrors"
	"github.com/parishly/pco-gateway/internal/pco"
	"github.com/parishly/pco-gateway/internal/utils"
)

// Headers that must not be forwarded in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func (p *Proxy) forward(c echo.Context) error {
	tenantID, ok := c.Get(config.TenantIDCtxKey).(int)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "the tenant could not be determined")
	}
	req := c.Request()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	path := strings.TrimPrefix(req.URL.Path, routePrefix+"/")

	options := []pco.RequestOption{}
	for key, values := range req.Header {
		// the gateway JWT and any cookies stay behind, the upstream gets the
		// tenant's bearer token instead
		if hopByHopHeaders[key] || key == echo.HeaderAuthorization || key == "Cookie" || key == "Host" {
			continue
		}
		for _, value := range values {
			options = append(options, pco.WithHeader(key, value))
		}
	}
	for key, values := range req.URL.Query() {
		for _, value := range values {
			options = append(options, pco.WithQuery(key, value))
		}
	}

	resp, err := p.client.Do(req.Context(), tenantID, req.Method, path, body, options...)
	if err != nil {
		return p.mapError(c, tenantID, err)
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if hopByHopHeaders[key] || key == echo.HeaderContentType {
			continue
		}
		for _, value := range values {
			c.Response().Header().Add(key, value)
		}
	}
	return c.Stream(resp.StatusCode, resp.Header.Get(echo.HeaderContentType), resp.Body)
}

// mapError translates credential errors into responses the application
// backend can act on without seeing the upstream token machinery.
func (p *Proxy) mapError(c echo.Context, tenantID int, err error) error {
	refreshErr := &gwerrors.RefreshError{}
	switch {
	case errors.Is(err, gwerrors.ErrTenantNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no Planning Center integration exists for this tenant",
		})
	case errors.Is(err, gwerrors.ErrNotConnected), errors.Is(err, gwerrors.ErrReauthorizationRequired):
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "the Planning Center integration is not connected",
			"hint":  "reauthorize",
		})
	case errors.Is(err, gwerrors.ErrConfiguration):
		slog.Error(
			"PROXY",
			"message", "the Planning Center client credentials are not configured",
			"tenantID", tenantID,
			"requestID", utils.GetRequestID(c),
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "the gateway is not configured for Planning Center",
		})
	case errors.As(err, &refreshErr):
		slog.Error(
			"PROXY",
			"message", "token refresh failed",
			"status", refreshErr.Status,
			"tenantID", tenantID,
			"requestID", utils.GetRequestID(c),
			"traceID", utils.GetTraceID(c),
		)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "the Planning Center token could not be refreshed",
		})
	default:
		slog.Error(
			"PROXY",
			"message", "upstream request failed",
			"error", err,
			"tenantID", tenantID,
			"requestID", utils.GetRequestID(c),
			"traceID", utils.GetTraceID(c),
		)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "the Planning Center API could not be reached",
		})
	}
}
