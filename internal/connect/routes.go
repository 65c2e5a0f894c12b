package connect

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/gwerrors"
	"github.com/parishly/pco-gateway/internal/models"
	"github.com/parishly/pco-gateway/internal/utils"
	"golang.org/x/oauth2"
)

// getConnect starts the authorization flow by persisting a single-use state
// for the tenant and redirecting the browser to the upstream consent page.
func (s *ConnectServer) getConnect(c echo.Context) error {
	tenantID, ok := c.Get(config.TenantIDCtxKey).(int)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "the tenant could not be determined")
	}
	state := uuid.NewString()
	err := s.store.SetConnectState(c.Request().Context(), state, tenantID, stateTTL)
	if err != nil {
		return err
	}
	slog.Info(
		"CONNECT",
		"message", "starting the authorization flow",
		"tenantID", tenantID,
		"requestID", utils.GetRequestID(c),
	)
	return c.Redirect(http.StatusFound, s.oauthConfig.AuthCodeURL(state))
}

func (s *ConnectServer) getCallback(c echo.Context) error {
	if errCode := c.QueryParam("error"); errCode != "" {
		slog.Info(
			"CONNECT",
			"message", "the authorization was denied upstream",
			"error", errCode,
			"requestID", utils.GetRequestID(c),
		)
		return echo.NewHTTPError(http.StatusBadRequest, "the authorization was not granted")
	}
	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" || code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "state and code are required")
	}
	tenantID, err := s.store.PopConnectState(c.Request().Context(), state)
	if err != nil {
		if errors.Is(err, gwerrors.ErrConnectStateNotFound) {
			return echo.NewHTTPError(http.StatusBadRequest, "the authorization flow has expired, start over")
		}
		return err
	}

	ctx := c.Request().Context()
	if s.httpClient != nil {
		// the oauth2 package picks the exchange client up from the context
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}
	token, err := s.oauthConfig.Exchange(ctx, code)
	if err != nil {
		slog.Error(
			"CONNECT",
			"message", "the code exchange failed",
			"error", err,
			"tenantID", tenantID,
			"requestID", utils.GetRequestID(c),
		)
		return echo.NewHTTPError(http.StatusBadGateway, "the authorization could not be completed")
	}
	cred := models.TenantCredential{
		TenantID:     tenantID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC(),
	}
	err = s.store.SetCredential(c.Request().Context(), cred)
	if err != nil {
		return err
	}
	slog.Info(
		"CONNECT",
		"message", "the integration is connected",
		"tenantID", tenantID,
		"requestID", utils.GetRequestID(c),
	)
	if s.metrics != nil {
		if err := s.metrics.IntegrationConnected(tenantID); err != nil {
			slog.Error("CONNECT", "message", "metrics enqueue failed", "error", err)
		}
	}
	return c.Render(http.StatusOK, "connected", map[string]any{"returnURL": s.returnURL})
}

func (s *ConnectServer) postDisconnect(c echo.Context) error {
	tenantID, ok := c.Get(config.TenantIDCtxKey).(int)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "the tenant could not be determined")
	}
	err := s.store.ClearCredential(c.Request().Context(), tenantID)
	if err != nil {
		return err
	}
	slog.Info(
		"CONNECT",
		"message", "the integration is disconnected",
		"tenantID", tenantID,
		"requestID", utils.GetRequestID(c),
	)
	if s.metrics != nil {
		if err := s.metrics.IntegrationDisconnected(tenantID); err != nil {
			slog.Error("CONNECT", "message", "metrics enqueue failed", "error", err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}
