// Package pco contains the HTTP client used for all calls to the Planning
// Center API. It injects the tenant's bearer token and recovers once from an
// upstream 401 by forcing a token refresh.
package pco

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/tokenstore"
)

const defaultRequestTimeout = 30 * time.Second

// TokenProvider hands out valid access tokens for a tenant.
type TokenProvider interface {
	GetValidAccessToken(ctx context.Context, tenantID int) (string, error)
	ForceRefresh(ctx context.Context, tenantID int) (string, error)
}

// RequestOption modifies the outgoing upstream request before it is sent.
type RequestOption func(req *http.Request)

func WithHeader(key string, value string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

func WithQuery(key string, value string) RequestOption {
	return func(req *http.Request) {
		query := req.URL.Query()
		query.Set(key, value)
		req.URL.RawQuery = query.Encode()
	}
}

type Client struct {
	apiBaseURL *url.URL
	tokens     TokenProvider
	httpClient *http.Client
}

// Do sends a request to the Planning Center API on behalf of the tenant.
// The tenant's access token is injected as a bearer token unless the request
// already carries an Authorization header. When the upstream responds with
// 401 the token is refreshed once and the request retried, a second 401 is
// returned to the caller as is. The caller must close the response body.
func (c *Client) Do(
	ctx context.Context,
	tenantID int,
	method string,
	path string,
	body []byte,
	options ...RequestOption,
) (*http.Response, error) {
	token, err := c.tokens.GetValidAccessToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, method, path, body, token, options...)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	// The stored expiry said the token was valid but the upstream disagrees,
	// e.g. the token was revoked upstream. Refresh once and retry.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	slog.Info(
		"PCO CLIENT",
		"message", "upstream returned 401 for a token considered valid, forcing a refresh",
		"tenantID", tenantID,
		"path", path,
	)
	token, err = c.tokens.ForceRefresh(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, method, path, body, token, options...)
}

func (c *Client) send(
	ctx context.Context,
	method string,
	path string,
	body []byte,
	token string,
	options ...RequestOption,
) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBaseURL.JoinPath(path).String(), reader)
	if err != nil {
		return nil, err
	}
	for _, opt := range options {
		opt(req)
	}
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	return c.httpClient.Do(req)
}

type ClientOption func(*Client) error

func WithConfig(pcoConfig config.PlanningCenterConfig) ClientOption {
	return func(c *Client) error {
		c.apiBaseURL = pcoConfig.APIBaseURL
		if pcoConfig.RequestTimeoutSeconds > 0 {
			c.httpClient = &http.Client{Timeout: time.Duration(pcoConfig.RequestTimeoutSeconds) * time.Second}
		}
		return nil
	}
}

func WithAPIBaseURL(apiBaseURL *url.URL) ClientOption {
	return func(c *Client) error {
		c.apiBaseURL = apiBaseURL
		return nil
	}
}

func WithTokenProvider(tokens TokenProvider) ClientOption {
	return func(c *Client) error {
		c.tokens = tokens
		return nil
	}
}

func WithTokenStore(ts *tokenstore.TokenStore) ClientOption {
	return func(c *Client) error {
		c.tokens = ts
		return nil
	}
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// NewClient creates a new client for the Planning Center API.
func NewClient(options ...ClientOption) (*Client, error) {
	client := Client{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range options {
		err := opt(&client)
		if err != nil {
			return &Client{}, err
		}
	}
	if client.apiBaseURL == nil {
		return &Client{}, fmt.Errorf("the API base URL is not set")
	}
	if client.tokens == nil {
		return &Client{}, fmt.Errorf("token provider not initialized")
	}
	return &client, nil
}
