package tokenstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/db"
	"github.com/parishly/pco-gateway/internal/gwerrors"
	"github.com/parishly/pco-gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamToken struct {
	calls       int
	lastRequest refreshRequest
	status      int
	response    tokenResponse
}

// newUpstreamToken returns a test server standing in for the upstream OAuth
// token endpoint, counting the refresh calls it receives.
func newUpstreamToken(t *testing.T, status int, response tokenResponse) (*upstreamToken, *httptest.Server) {
	t.Helper()
	upstream := upstreamToken{status: status, response: response}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstream.calls++
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		err := json.NewDecoder(r.Body).Decode(&upstream.lastRequest)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(upstream.status)
		if upstream.status == http.StatusOK {
			err = json.NewEncoder(w).Encode(&upstream.response)
			require.NoError(t, err)
		} else {
			_, err = w.Write([]byte(`{"error":"upstream says no"}`))
			require.NoError(t, err)
		}
	}))
	t.Cleanup(srv.Close)
	return &upstream, srv
}

func newTestTokenStore(t *testing.T, tokenURL string, repo CredentialRepository) *TokenStore {
	t.Helper()
	parsed, err := url.Parse(tokenURL)
	require.NoError(t, err)
	ts, err := NewTokenStore(
		WithConfig(config.PlanningCenterConfig{
			ClientID:     "client-id-123",
			ClientSecret: "client-secret-123",
			TokenURL:     parsed,
		}),
		WithCredentialRepository(repo),
	)
	require.NoError(t, err)
	return ts
}

func TestGetValidAccessTokenFastPath(t *testing.T) {
	ctx := context.Background()
	upstream, srv := newUpstreamToken(t, http.StatusOK, tokenResponse{})
	adapter := db.NewMockRedisAdapter()
	require.NoError(t, adapter.SetCredential(ctx, models.TenantCredential{
		TenantID:     42,
		AccessToken:  "at-valid",
		RefreshToken: "rt-valid",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}))
	ts := newTestTokenStore(t, srv.URL, adapter)

	token, err := ts.GetValidAccessToken(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "at-valid", token)
	// calling again yields the same token, still with no upstream calls
	token, err = ts.GetValidAccessToken(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "at-valid", token)
	assert.Equal(t, 0, upstream.calls)
}

func TestGetValidAccessTokenRefreshesExpired(t *testing.T) {
	ctx := context.Background()
	upstream, srv := newUpstreamToken(t, http.StatusOK, tokenResponse{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		Type:         "bearer",
		ExpiresIn:    7200,
	})
	adapter := db.NewMockRedisAdapter()
	require.NoError(t, adapter.SetCredential(ctx, models.TenantCredential{
		TenantID:     42,
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().UTC().Add(-10 * time.Second),
	}))
	ts := newTestTokenStore(t, srv.URL, adapter)

	token, err := ts.GetValidAccessToken(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "at-new", token)
	assert.Equal(t, 1, upstream.calls)
	assert.Equal(t, "refresh_token", upstream.lastRequest.GrantType)
	assert.Equal(t, "rt-old", upstream.lastRequest.RefreshToken)
	assert.Equal(t, "client-id-123", upstream.lastRequest.ClientID)
	assert.Equal(t, "client-secret-123", upstream.lastRequest.ClientSecret)

	cred, err := adapter.GetCredential(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "at-new", cred.AccessToken)
	assert.Equal(t, "rt-new", cred.RefreshToken)
	assert.WithinDuration(t, time.Now().UTC().Add(7200*time.Second), cred.ExpiresAt, 5*time.Second)
}

func TestGetValidAccessTokenRefreshesWithinMargin(t *testing.T) {
	ctx := context.Background()
	upstream, srv := newUpstreamToken(t, http.StatusOK, tokenResponse{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		ExpiresIn:    7200,
		CreatedAt:    time.Now().Unix(),
	})
	adapter := db.NewMockRedisAdapter()
	require.NoError(t, adapter.SetCredential(ctx, models.TenantCredential{
		TenantID:     7,
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		// within the 5 minute margin but not yet expired
		ExpiresAt: time.Now().UTC().Add(2 * time.Minute),
	}))
	ts := newTestTokenStore(t, srv.URL, adapter)

	token, err := ts.GetValidAccessToken(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "at-new", token)
	assert.Equal(t, 1, upstream.calls)
}

func TestGetValidAccessTokenRejectedRefreshClearsCredential(t *testing.T) {
	ctx := context.Background()
	upstream, srv := newUpstreamToken(t, http.StatusUnauthorized, tokenResponse{})
	adapter := db.NewMockRedisAdapter()
	require.NoError(t, adapter.SetCredential(ctx, models.TenantCredential{
		TenantID:     42,
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().UTC().Add(-10 * time.Second),
	}))
	ts := newTestTokenStore(t, srv.URL, adapter)

	_, err := ts.GetValidAccessToken(ctx, 42)
	assert.ErrorIs(t, err, gwerrors.ErrReauthorizationRequired)
	assert.Equal(t, 1, upstream.calls)

	cred, err := adapter.GetCredential(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, cred.AccessToken)
	assert.Empty(t, cred.RefreshToken)
	assert.True(t, cred.ExpiresAt.IsZero())
}

func TestGetValidAccessTokenRefreshFailure(t *testing.T) {
	ctx := context.Background()
	upstream, srv := newUpstreamToken(t, http.StatusInternalServerError, tokenResponse{})
	adapter := db.NewMockRedisAdapter()
	require.NoError(t, adapter.SetCredential(ctx, models.TenantCredential{
		TenantID:     42,
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().UTC().Add(-10 * time.Second),
	}))
	ts := newTestTokenStore(t, srv.URL, adapter)

	_, err := ts.GetValidAccessToken(ctx, 42)
	refreshErr := &gwerrors.RefreshError{}
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, http.StatusInternalServerError, refreshErr.Status)
	assert.Contains(t, refreshErr.Body, "upstream says no")
	assert.Equal(t, 1, upstream.calls)
	// a failed refresh does not clear the stored credential
	cred, err := adapter.GetCredential(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "rt-old", cred.RefreshToken)
}

func TestGetValidAccessTokenMissingRefreshToken(t *testing.T) {
	ctx := context.Background()
	upstream, srv := newUpstreamToken(t, http.StatusOK, tokenResponse{})
	adapter := db.NewMockRedisAdapter()
	require.NoError(t, adapter.SetCredential(ctx, models.TenantCredential{
		TenantID:    7,
		AccessToken: "at-expired",
		ExpiresAt:   time.Now().UTC().Add(-time.Minute),
	}))
	ts := newTestTokenStore(t, srv.URL, adapter)

	_, err := ts.GetValidAccessToken(ctx, 7)
	assert.ErrorIs(t, err, gwerrors.ErrReauthorizationRequired)
	assert.Equal(t, 0, upstream.calls)
}

func TestGetValidAccessTokenMissingClientCredentials(t *testing.T) {
	ctx := context.Background()
	upstream, srv := newUpstreamToken(t, http.StatusOK, tokenResponse{})
	adapter := db.NewMockRedisAdapter()
	require.NoError(t, adapter.SetCredential(ctx, models.TenantCredential{
		TenantID:     7,
		AccessToken:  "at-expired",
		RefreshToken: "rt-ok",
		ExpiresAt:    time.Now().UTC().Add(-time.Minute),
	}))
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	ts, err := NewTokenStore(
		WithConfig(config.PlanningCenterConfig{TokenURL: parsed}),
		WithCredentialRepository(adapter),
	)
	require.NoError(t, err)

	_, err = ts.GetValidAccessToken(ctx, 7)
	assert.ErrorIs(t, err, gwerrors.ErrConfiguration)
	assert.Equal(t, 0, upstream.calls)
}

func TestGetValidAccessTokenUnknownTenant(t *testing.T) {
	ctx := context.Background()
	_, srv := newUpstreamToken(t, http.StatusOK, tokenResponse{})
	ts := newTestTokenStore(t, srv.URL, db.NewMockRedisAdapter())

	_, err := ts.GetValidAccessToken(ctx, 99)
	assert.ErrorIs(t, err, gwerrors.ErrTenantNotFound)
}

func TestGetValidAccessTokenNotConnected(t *testing.T) {
	ctx := context.Background()
	_, srv := newUpstreamToken(t, http.StatusOK, tokenResponse{})
	adapter := db.NewMockRedisAdapter()
	require.NoError(t, adapter.SetCredential(ctx, models.TenantCredential{TenantID: 42}))
	ts := newTestTokenStore(t, srv.URL, adapter)

	_, err := ts.GetValidAccessToken(ctx, 42)
	assert.ErrorIs(t, err, gwerrors.ErrNotConnected)
}

func TestForceRefreshIgnoresStoredExpiry(t *testing.T) {
	ctx := context.Background()
	upstream, srv := newUpstreamToken(t, http.StatusOK, tokenResponse{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		ExpiresIn:    7200,
	})
	adapter := db.NewMockRedisAdapter()
	require.NoError(t, adapter.SetCredential(ctx, models.TenantCredential{
		TenantID:     42,
		AccessToken:  "at-looks-valid",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
	}))
	ts := newTestTokenStore(t, srv.URL, adapter)

	token, err := ts.ForceRefresh(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "at-new", token)
	assert.Equal(t, 1, upstream.calls)
}

// conflictRepo simulates losing the refresh race: the swap always conflicts
// and the reload returns the winner's credential.
type conflictRepo struct {
	db.RedisAdapter
	winner models.TenantCredential
	swaps  int
}

func (r *conflictRepo) SwapCredential(ctx context.Context, spentRefreshToken string, cred models.TenantCredential) error {
	r.swaps++
	return gwerrors.ErrCredentialConflict
}

func (r *conflictRepo) GetCredential(ctx context.Context, tenantID int) (models.TenantCredential, error) {
	if r.swaps > 0 {
		return r.winner, nil
	}
	return r.RedisAdapter.GetCredential(ctx, tenantID)
}

func TestGetValidAccessTokenLostRefreshRace(t *testing.T) {
	ctx := context.Background()
	_, srv := newUpstreamToken(t, http.StatusOK, tokenResponse{
		AccessToken:  "at-loser",
		RefreshToken: "rt-loser",
		ExpiresIn:    7200,
	})
	adapter := db.NewMockRedisAdapter()
	require.NoError(t, adapter.SetCredential(ctx, models.TenantCredential{
		TenantID:     42,
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().UTC().Add(-time.Minute),
	}))
	repo := &conflictRepo{
		RedisAdapter: adapter,
		winner: models.TenantCredential{
			TenantID:     42,
			AccessToken:  "at-winner",
			RefreshToken: "rt-winner",
			ExpiresAt:    time.Now().UTC().Add(2 * time.Hour),
		},
	}
	ts := newTestTokenStore(t, srv.URL, repo)

	token, err := ts.GetValidAccessToken(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "at-winner", token)
	assert.Equal(t, 1, repo.swaps)
}
