// Package connect implements the OAuth authorization code flow that links a
// tenant's Planning Center account to the gateway.
package connect

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/models"
	"golang.org/x/oauth2"
)

const stateTTL = 10 * time.Minute

// CredentialStore persists tenant credentials and the single-use states of
// in-flight authorization flows.
type CredentialStore interface {
	SetCredential(ctx context.Context, cred models.TenantCredential) error
	ClearCredential(ctx context.Context, tenantID int) error
	SetConnectState(ctx context.Context, state string, tenantID int, ttl time.Duration) error
	PopConnectState(ctx context.Context, state string) (int, error)
}

// MetricsClient records product metrics for connect and disconnect events.
type MetricsClient interface {
	IntegrationConnected(tenantID int) error
	IntegrationDisconnected(tenantID int) error
}

type ConnectServer struct {
	oauthConfig *oauth2.Config
	store       CredentialStore
	metrics     MetricsClient
	returnURL   string
	httpClient  *http.Client
}

func (s *ConnectServer) RegisterHandlers(
	e *echo.Echo,
	authMiddleware echo.MiddlewareFunc,
	commonMiddlewares ...echo.MiddlewareFunc,
) {
	// the callback is requested by the browser following the upstream
	// redirect, the flow state takes the place of the JWT there
	e.GET("/connect", s.getConnect, append(commonMiddlewares, authMiddleware)...)
	e.GET("/connect/callback", s.getCallback, commonMiddlewares...)
	e.POST("/connect/disconnect", s.postDisconnect, append(commonMiddlewares, authMiddleware)...)
}

type ConnectServerOption func(*ConnectServer)

func WithConfig(pcoConfig config.PlanningCenterConfig) ConnectServerOption {
	return func(s *ConnectServer) {
		oauthConfig := oauth2.Config{
			ClientID:     pcoConfig.ClientID,
			ClientSecret: string(pcoConfig.ClientSecret),
			Scopes:       pcoConfig.Scopes,
		}
		if pcoConfig.AuthorizeURL != nil {
			oauthConfig.Endpoint.AuthURL = pcoConfig.AuthorizeURL.String()
		}
		if pcoConfig.TokenURL != nil {
			oauthConfig.Endpoint.TokenURL = pcoConfig.TokenURL.String()
		}
		if pcoConfig.RedirectURL != nil {
			oauthConfig.RedirectURL = pcoConfig.RedirectURL.String()
		}
		s.oauthConfig = &oauthConfig
	}
}

func WithCredentialStore(store CredentialStore) ConnectServerOption {
	return func(s *ConnectServer) {
		s.store = store
	}
}

func WithMetricsClient(metrics MetricsClient) ConnectServerOption {
	return func(s *ConnectServer) {
		s.metrics = metrics
	}
}

func WithReturnURL(returnURL string) ConnectServerOption {
	return func(s *ConnectServer) {
		s.returnURL = returnURL
	}
}

func WithHTTPClient(client *http.Client) ConnectServerOption {
	return func(s *ConnectServer) {
		s.httpClient = client
	}
}

func NewServer(options ...ConnectServerOption) (*ConnectServer, error) {
	server := ConnectServer{}
	for _, opt := range options {
		opt(&server)
	}
	if server.oauthConfig == nil {
		return &ConnectServer{}, fmt.Errorf("oauth config not provided")
	}
	if server.oauthConfig.Endpoint.AuthURL == "" || server.oauthConfig.Endpoint.TokenURL == "" {
		return &ConnectServer{}, fmt.Errorf("the authorize and token URLs are not set")
	}
	if server.store == nil {
		return &ConnectServer{}, fmt.Errorf("credential store not initialized")
	}
	return &server, nil
}
