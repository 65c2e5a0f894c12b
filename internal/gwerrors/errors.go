// Package gwerrors contains all common errors used by the gateway.
package gwerrors

import "fmt"

var ErrTenantNotFound = fmt.Errorf("the tenant credential record cannot be found")
var ErrNotConnected = fmt.Errorf("no access token; connect the Planning Center integration first")
var ErrReauthorizationRequired = fmt.Errorf("the stored refresh token is no longer valid, the integration must be authorized again")
var ErrConfiguration = fmt.Errorf("the Planning Center client credentials are not configured")
var ErrCredentialNotFound = fmt.Errorf("the credential cannot be found in the DB")
var ErrCredentialConflict = fmt.Errorf("the stored credential was changed by a concurrent refresh")
var ErrTenantParse = fmt.Errorf("cannot parse the tenant ID from the request context")
var ErrConnectStateNotFound = fmt.Errorf("the OAuth connect state cannot be found or has expired")

// RefreshError is returned when the upstream token endpoint rejects a refresh
// with a status that does not indicate an invalid refresh token. The upstream
// response body is carried for diagnostics.
type RefreshError struct {
	Status int
	Body   string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("the token refresh request failed with status %d: %s", e.Status, e.Body)
}
