package config

import (
	"fmt"
	"net/url"
)

// PlanningCenterConfig holds the deployment-level OAuth application
// credentials and endpoints for the Planning Center API.
type PlanningCenterConfig struct {
	ClientID     string
	ClientSecret RedactedString
	TokenURL     *url.URL
	AuthorizeURL *url.URL
	APIBaseURL   *url.URL
	RedirectURL  *url.URL
	Scopes       []string
	// ExpiryMarginMinutes is how long before the stored expiry a token is
	// already considered expiring and gets refreshed. Defaults to 5.
	ExpiryMarginMinutes int
	// RequestTimeoutSeconds bounds every outbound call to Planning Center,
	// the token endpoint included. Defaults to 30.
	RequestTimeoutSeconds int
}

func (c *PlanningCenterConfig) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("the Planning Center client ID is not set")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("the Planning Center client secret is not set")
	}
	if c.TokenURL == nil {
		return fmt.Errorf("the Planning Center token URL is not set")
	}
	if c.AuthorizeURL == nil {
		return fmt.Errorf("the Planning Center authorize URL is not set")
	}
	if c.APIBaseURL == nil {
		return fmt.Errorf("the Planning Center API base URL is not set")
	}
	if c.RedirectURL == nil {
		return fmt.Errorf("the Planning Center OAuth redirect URL is not set")
	}
	if c.ExpiryMarginMinutes < 0 {
		return fmt.Errorf("the expiry margin cannot be negative (%d)", c.ExpiryMarginMinutes)
	}
	if c.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("the request timeout cannot be negative (%d)", c.RequestTimeoutSeconds)
	}
	return nil
}
