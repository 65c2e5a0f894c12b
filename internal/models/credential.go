package models

import (
	"fmt"
	"time"
)

// TenantCredential is the Planning Center OAuth credential pair stored for a
// single tenant (church). The refresh token rotates on every refresh - the
// previous one becomes invalid upstream as soon as it is spent.
type TenantCredential struct {
	TenantID     int
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Connected indicates whether the tenant has completed the OAuth connect flow
// and holds an access token.
func (c TenantCredential) Connected() bool {
	return c.AccessToken != ""
}

// Expired reports whether the access token must be treated as expired. A zero
// ExpiresAt counts as expired.
func (c TenantCredential) Expired() bool {
	return c.ExpiresAt.IsZero() || time.Now().UTC().After(c.ExpiresAt)
}

// ExpiresSoon reports whether the access token expires within the provided
// margin from now.
func (c TenantCredential) ExpiresSoon(margin time.Duration) bool {
	return c.ExpiresAt.IsZero() || time.Now().UTC().Add(margin).After(c.ExpiresAt)
}

// String implements the Stringer interface for printing the credential in logs
func (c TenantCredential) String() string {
	return fmt.Sprintf(
		"TenantCredential<TenantID: %d, AccessToken: redacted, RefreshToken: redacted, ExpiresAt: %s>",
		c.TenantID,
		c.ExpiresAt,
	)
}
