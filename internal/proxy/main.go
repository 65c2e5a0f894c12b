// Package proxy exposes the authenticated /api/pco routes that forward
// requests from the application backend to the Planning Center API with the
// tenant's credentials attached.
package proxy

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/parishly/pco-gateway/internal/pco"
)

const routePrefix = "/api/pco"

// TenantAuthenticator generates the middleware that verifies the caller and
// resolves the tenant the request is made for.
type TenantAuthenticator interface {
	Middleware() echo.MiddlewareFunc
}

type Proxy struct {
	client *pco.Client
	auth   TenantAuthenticator
}

func (p *Proxy) RegisterHandlers(e *echo.Echo, commonMiddlewares ...echo.MiddlewareFunc) {
	middlewares := append(commonMiddlewares, p.auth.Middleware(), noCookies)
	e.Group(routePrefix, middlewares...).Any("/*", p.forward)
}

type ProxyOption func(*Proxy)

func WithClient(client *pco.Client) ProxyOption {
	return func(p *Proxy) {
		p.client = client
	}
}

func WithAuthenticator(auth TenantAuthenticator) ProxyOption {
	return func(p *Proxy) {
		p.auth = auth
	}
}

func NewServer(options ...ProxyOption) (*Proxy, error) {
	server := Proxy{}
	for _, opt := range options {
		opt(&server)
	}
	if server.client == nil {
		return &Proxy{}, fmt.Errorf("upstream client not initialized")
	}
	if server.auth == nil {
		return &Proxy{}, fmt.Errorf("authenticator not initialized")
	}
	return &server, nil
}
