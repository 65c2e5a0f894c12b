package config

import "fmt"

// AuthConfig describes how inbound JWTs from the hosted authentication
// provider are verified and how the tenant is resolved from them.
type AuthConfig struct {
	Issuer   string
	Audience string
	Secret   RedactedString
	// TenantClaim is the name of the JWT claim carrying the tenant (church) ID.
	TenantClaim string
}

func (c *AuthConfig) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("the auth token issuer is not set")
	}
	if c.Audience == "" {
		return fmt.Errorf("the auth token audience is not set")
	}
	if c.Secret == "" {
		return fmt.Errorf("the auth token secret is not set")
	}
	if c.TenantClaim == "" {
		return fmt.Errorf("the tenant claim name is not set")
	}
	return nil
}
