// Package authentication verifies the JWTs that the application backend
// attaches to requests hitting the gateway and extracts the tenant they are
// made on behalf of.
package authentication

import (
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v4"
	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/gwerrors"
)

const defaultTenantClaim = "church_id"

type Authenticator struct {
	secret      []byte
	issuer      string
	audience    string
	tenantClaim string
}

// VerifyToken checks the token signature and standard claims and returns the
// tenant ID carried in the tenant claim.
func (a *Authenticator) VerifyToken(tokenString string) (int, error) {
	token, err := jwt.Parse(
		tokenString,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return 0, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("token claims could not be read")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return 0, fmt.Errorf("token has an unrecognized issuer")
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return 0, fmt.Errorf("token has an unrecognized audience")
	}
	return a.tenantID(claims)
}

func (a *Authenticator) tenantID(claims jwt.MapClaims) (int, error) {
	raw, found := claims[a.tenantClaim]
	if !found {
		return 0, gwerrors.ErrTenantParse
	}
	switch val := raw.(type) {
	case float64:
		return int(val), nil
	case string:
		tenantID, err := strconv.Atoi(val)
		if err != nil {
			return 0, gwerrors.ErrTenantParse
		}
		return tenantID, nil
	default:
		return 0, gwerrors.ErrTenantParse
	}
}

type AuthenticatorOption func(*Authenticator) error

func WithConfig(authConfig config.AuthConfig) AuthenticatorOption {
	return func(a *Authenticator) error {
		a.secret = []byte(authConfig.Secret)
		a.issuer = authConfig.Issuer
		a.audience = authConfig.Audience
		if authConfig.TenantClaim != "" {
			a.tenantClaim = authConfig.TenantClaim
		}
		return nil
	}
}

func WithTenantClaim(claim string) AuthenticatorOption {
	return func(a *Authenticator) error {
		if claim == "" {
			return fmt.Errorf("the tenant claim cannot be empty")
		}
		a.tenantClaim = claim
		return nil
	}
}

func NewAuthenticator(options ...AuthenticatorOption) (*Authenticator, error) {
	a := Authenticator{tenantClaim: defaultTenantClaim}
	for _, opt := range options {
		err := opt(&a)
		if err != nil {
			return &Authenticator{}, err
		}
	}
	if len(a.secret) == 0 {
		return &Authenticator{}, fmt.Errorf("the token signing secret is not set")
	}
	return &a, nil
}
