package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/gwerrors"
	"github.com/parishly/pco-gateway/internal/pco"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticAuth admits every request carrying the test header and resolves it to
// a fixed tenant.
type staticAuth struct {
	tenantID int
}

func (s *staticAuth) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("X-Test-Authenticated") == "" {
				return echo.NewHTTPError(http.StatusUnauthorized)
			}
			c.Set(config.TenantIDCtxKey, s.tenantID)
			return next(c)
		}
	}
}

type staticTokens struct {
	token string
	err   error
}

func (s *staticTokens) GetValidAccessToken(ctx context.Context, tenantID int) (string, error) {
	return s.token, s.err
}

func (s *staticTokens) ForceRefresh(ctx context.Context, tenantID int) (string, error) {
	return s.token, s.err
}

func newTestProxy(t *testing.T, tokens pco.TokenProvider, upstream http.HandlerFunc) *echo.Echo {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	baseURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client, err := pco.NewClient(pco.WithAPIBaseURL(baseURL), pco.WithTokenProvider(tokens))
	require.NoError(t, err)
	server, err := NewServer(WithClient(client), WithAuthenticator(&staticAuth{tenantID: 42}))
	require.NoError(t, err)
	e := echo.New()
	server.RegisterHandlers(e)
	return e
}

func TestForward(t *testing.T) {
	var got *http.Request
	var gotBody string
	e := newTestProxy(t, &staticTokens{token: "at-123"}, func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/vnd.api+json")
		w.Header().Set("X-PCO-API-Request-Rate-Limit", "100")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"type":"Plan","id":"1"}}`))
	})

	req := httptest.NewRequest(
		http.MethodPost,
		"/api/pco/services/v2/service_types/1/plans?include=series",
		strings.NewReader(`{"data":{"type":"Plan"}}`),
	)
	req.Header.Set("X-Test-Authenticated", "yes")
	req.Header.Set(echo.HeaderContentType, "application/json")
	req.Header.Set(echo.HeaderAuthorization, "Bearer gateway-jwt")
	req.AddCookie(&http.Cookie{Name: "session", Value: "browser-cookie"})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/vnd.api+json", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "100", rec.Header().Get("X-PCO-API-Request-Rate-Limit"))
	assert.Contains(t, rec.Body.String(), `"type":"Plan"`)

	require.NotNil(t, got)
	assert.Equal(t, "/services/v2/service_types/1/plans", got.URL.Path)
	assert.Equal(t, "series", got.URL.Query().Get("include"))
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, `{"data":{"type":"Plan"}}`, gotBody)
	// the tenant's token replaces the gateway JWT and cookies never leave
	assert.Equal(t, "Bearer at-123", got.Header.Get("Authorization"))
	assert.Empty(t, got.Header.Get("Cookie"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
}

func TestForwardUnauthenticated(t *testing.T) {
	e := newTestProxy(t, &staticTokens{token: "at-123"}, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("the upstream must not be reached")
	})
	req := httptest.NewRequest(http.MethodGet, "/api/pco/services/v2/plans", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestForwardErrorMapping(t *testing.T) {
	testCases := []struct {
		name       string
		tokenErr   error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "tenant not found",
			tokenErr:   gwerrors.ErrTenantNotFound,
			wantStatus: http.StatusNotFound,
			wantBody:   "no Planning Center integration",
		},
		{
			name:       "not connected",
			tokenErr:   gwerrors.ErrNotConnected,
			wantStatus: http.StatusUnauthorized,
			wantBody:   "reauthorize",
		},
		{
			name:       "reauthorization required",
			tokenErr:   gwerrors.ErrReauthorizationRequired,
			wantStatus: http.StatusUnauthorized,
			wantBody:   "reauthorize",
		},
		{
			name:       "missing client configuration",
			tokenErr:   gwerrors.ErrConfiguration,
			wantStatus: http.StatusInternalServerError,
			wantBody:   "not configured",
		},
		{
			name:       "refresh failed",
			tokenErr:   &gwerrors.RefreshError{Status: http.StatusServiceUnavailable, Body: "down"},
			wantStatus: http.StatusBadGateway,
			wantBody:   "could not be refreshed",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestProxy(t, &staticTokens{err: tc.tokenErr}, func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("the upstream must not be reached")
			})
			req := httptest.NewRequest(http.MethodGet, "/api/pco/services/v2/plans", nil)
			req.Header.Set("X-Test-Authenticated", "yes")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.wantBody)
		})
	}
}

func TestForwardUpstreamErrorsPassThrough(t *testing.T) {
	e := newTestProxy(t, &staticTokens{token: "at-123"}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"errors":[{"detail":"title is required"}]}`))
	})
	req := httptest.NewRequest(http.MethodPost, "/api/pco/services/v2/plans", nil)
	req.Header.Set("X-Test-Authenticated", "yes")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "title is required")
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer()
	assert.Error(t, err)
	_, err = NewServer(WithAuthenticator(&staticAuth{}))
	assert.Error(t, err)
}
