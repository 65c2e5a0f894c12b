// Package tokenstore hands out valid Planning Center access tokens,
// transparently refreshing them against the upstream token endpoint when they
// are expired or about to expire.
package tokenstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/gwerrors"
	"github.com/parishly/pco-gateway/internal/models"
)

const defaultExpiryMargin = 5 * time.Minute
const defaultRequestTimeout = 30 * time.Second

// CredentialRepository is the persistence needed by the token store. Every
// call re-reads the stored record - there is no in-memory cache, so multiple
// gateway instances always agree on the stored expiry.
type CredentialRepository interface {
	GetCredential(ctx context.Context, tenantID int) (models.TenantCredential, error)
	SetCredential(ctx context.Context, cred models.TenantCredential) error
	SwapCredential(ctx context.Context, spentRefreshToken string, cred models.TenantCredential) error
	ClearCredential(ctx context.Context, tenantID int) error
}

// tokenResponse struct required to unmarshal the response from a POST token refresh request
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	Type         string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	CreatedAt    int64  `json:"created_at"`
}

func (t tokenResponse) String() string {
	return fmt.Sprintf("CreatedAt: %v, Type: %v, ExpiresIn: %v", t.CreatedAt, t.Type, t.ExpiresIn)
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type TokenStore struct {
	expiryMargin time.Duration

	clientID     string
	clientSecret string
	tokenURL     string

	credentials CredentialRepository
	httpClient  *http.Client
}

func (ts *TokenStore) ExpiryMargin() time.Duration {
	return ts.expiryMargin
}

// GetValidAccessToken returns a currently valid access token for the tenant.
// When the stored token expires more than the expiry margin from now it is
// returned as is, with no network call. Otherwise the stored refresh token is
// spent on a single refresh against the upstream token endpoint and the new
// pair is persisted.
func (ts *TokenStore) GetValidAccessToken(ctx context.Context, tenantID int) (string, error) {
	return ts.getValidAccessToken(ctx, tenantID, false)
}

// ForceRefresh refreshes the tenant's credential regardless of the stored
// expiry. Used when the upstream rejects a token that looks valid per the
// stored expiry, e.g. after an upstream-side revocation.
func (ts *TokenStore) ForceRefresh(ctx context.Context, tenantID int) (string, error) {
	return ts.getValidAccessToken(ctx, tenantID, true)
}

func (ts *TokenStore) getValidAccessToken(ctx context.Context, tenantID int, forceRefresh bool) (string, error) {
	cred, err := ts.credentials.GetCredential(ctx, tenantID)
	if err != nil {
		if err == gwerrors.ErrCredentialNotFound {
			return "", gwerrors.ErrTenantNotFound
		}
		return "", err
	}
	if !cred.Connected() {
		return "", gwerrors.ErrNotConnected
	}
	if !forceRefresh && !cred.ExpiresSoon(ts.expiryMargin) {
		return cred.AccessToken, nil
	}
	slog.Debug(
		"TOKEN STORE",
		"message", "token expires soon or refresh was forced",
		"tenantID", tenantID,
		"forceRefresh", forceRefresh,
	)
	return ts.refreshAccessToken(ctx, cred)
}

func (ts *TokenStore) refreshAccessToken(ctx context.Context, cred models.TenantCredential) (string, error) {
	if cred.RefreshToken == "" {
		return "", gwerrors.ErrReauthorizationRequired
	}
	if ts.clientID == "" || ts.clientSecret == "" {
		return "", gwerrors.ErrConfiguration
	}

	body, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: cred.RefreshToken,
		ClientID:     ts.clientID,
		ClientSecret: ts.clientSecret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		// An invalid refresh token cannot be retried. Clear the stored
		// credential so the tenant is sent through the authorization flow again.
		slog.Info(
			"TOKEN STORE",
			"message", "refresh token rejected, clearing the stored credential",
			"tenantID", cred.TenantID,
			"status", resp.StatusCode,
		)
		if clearErr := ts.credentials.ClearCredential(ctx, cred.TenantID); clearErr != nil {
			slog.Error("TOKEN STORE", "message", "ClearCredential failed", "error", clearErr, "tenantID", cred.TenantID)
			return "", clearErr
		}
		return "", gwerrors.ErrReauthorizationRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &gwerrors.RefreshError{Status: resp.StatusCode, Body: string(respBody)}
	}

	token := tokenResponse{}
	err = json.Unmarshal(respBody, &token)
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().UTC().Add(time.Second * time.Duration(token.ExpiresIn))
	// Planning Center reports the creation timestamp of the new pair, use it
	// when present so clock skew does not inflate the expiry.
	if token.CreatedAt != 0 {
		expiresAt = time.Unix(token.CreatedAt+token.ExpiresIn, 0).UTC()
	}

	newCred := models.TenantCredential{
		TenantID:     cred.TenantID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
	}
	err = ts.credentials.SwapCredential(ctx, cred.RefreshToken, newCred)
	if err == gwerrors.ErrCredentialConflict {
		// A concurrent refresh rotated the pair first - use the winner's token.
		slog.Debug("TOKEN STORE", "message", "lost the refresh race, reloading the credential", "tenantID", cred.TenantID)
		reloaded, reloadErr := ts.credentials.GetCredential(ctx, cred.TenantID)
		if reloadErr != nil {
			return "", reloadErr
		}
		if !reloaded.Connected() {
			return "", gwerrors.ErrReauthorizationRequired
		}
		return reloaded.AccessToken, nil
	}
	if err != nil {
		return "", err
	}
	slog.Debug("TOKEN STORE", "message", "new token received", "tenantID", cred.TenantID, "response", token)
	return newCred.AccessToken, nil
}

type TokenStoreOption func(*TokenStore) error

func WithExpiryMargin(expiryMargin time.Duration) TokenStoreOption {
	return func(ts *TokenStore) error {
		if expiryMargin <= 0 {
			return fmt.Errorf("invalid value for the expiry margin (%v)", expiryMargin)
		}
		ts.expiryMargin = expiryMargin
		return nil
	}
}

func WithConfig(pcoConfig config.PlanningCenterConfig) TokenStoreOption {
	return func(ts *TokenStore) error {
		ts.clientID = pcoConfig.ClientID
		ts.clientSecret = string(pcoConfig.ClientSecret)
		if pcoConfig.TokenURL != nil {
			ts.tokenURL = pcoConfig.TokenURL.String()
		}
		if pcoConfig.ExpiryMarginMinutes > 0 {
			ts.expiryMargin = time.Duration(pcoConfig.ExpiryMarginMinutes) * time.Minute
		}
		if pcoConfig.RequestTimeoutSeconds > 0 {
			ts.httpClient = &http.Client{Timeout: time.Duration(pcoConfig.RequestTimeoutSeconds) * time.Second}
		}
		return nil
	}
}

func WithCredentialRepository(repo CredentialRepository) TokenStoreOption {
	return func(ts *TokenStore) error {
		ts.credentials = repo
		return nil
	}
}

func WithHTTPClient(client *http.Client) TokenStoreOption {
	return func(ts *TokenStore) error {
		ts.httpClient = client
		return nil
	}
}

// NewTokenStore creates a new TokenStore that hands out valid access tokens,
// refreshing the ones that are expiring soon.
func NewTokenStore(options ...TokenStoreOption) (*TokenStore, error) {
	ts := TokenStore{
		expiryMargin: defaultExpiryMargin,
		httpClient:   &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range options {
		err := opt(&ts)
		if err != nil {
			return &TokenStore{}, err
		}
	}
	if ts.tokenURL == "" {
		return &TokenStore{}, fmt.Errorf("the token URL is not set")
	}
	if ts.credentials == nil {
		return &TokenStore{}, fmt.Errorf("credential repository not initialized")
	}
	return &ts, nil
}
