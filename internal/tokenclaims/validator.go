// Package tokenclaims decodes and checks access token claims without any
// network call. Tokens arrive directly from the provider's token endpoint
// over TLS, so signature verification is not repeated here; the checks that
// matter locally are tenant binding and expiry.
package tokenclaims

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed indicates the token could not be decoded or is missing
	// required claims.
	ErrMalformed = errors.New("tokenclaims: malformed token")

	// ErrTenantMismatch indicates the token's tenant claim does not equal
	// the tenant the caller intended to authenticate against. This is the
	// primary defense against cross-tenant token confusion and is never
	// silently corrected.
	ErrTenantMismatch = errors.New("tokenclaims: tenant mismatch")

	// ErrExpired indicates the token's expiry has already passed.
	ErrExpired = errors.New("tokenclaims: token expired")
)

// Claims holds the decoded fields this subsystem cares about.
type Claims struct {
	// TenantID is the provider-issued tenant identifier ("tid" claim).
	TenantID string
	// Subject is the user's display identity: "upn", falling back to
	// "preferred_username", falling back to "sub".
	Subject string
	// ExpiresAt is the token expiry ("exp" claim).
	ExpiresAt time.Time
}

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// Validator decodes token claims offline.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate decodes rawToken and requires its tenant id to equal
// expectedTenantID exactly (string equality on the provider's opaque
// identifier). An empty expectedTenantID accepts any tenant; the observed
// tenant id becomes the recorded one for the slot. The error values never
// carry token material.
func (v *Validator) Validate(rawToken, expectedTenantID string) (*Claims, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	token, _, err := jwtlib.NewParser().ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrMalformed)
	}

	tenantID, _ := claims["tid"].(string)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: missing tid claim", ErrMalformed)
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: missing exp claim", ErrMalformed)
	}
	expiresAt := time.Unix(int64(exp), 0)

	if expectedTenantID != "" && tenantID != expectedTenantID {
		return nil, fmt.Errorf("%w: token issued for a different tenant", ErrTenantMismatch)
	}

	if NowTimeFunc().After(expiresAt) {
		return nil, ErrExpired
	}

	subject, _ := claims["upn"].(string)
	if subject == "" {
		subject, _ = claims["preferred_username"].(string)
	}
	if subject == "" {
		subject, _ = claims["sub"].(string)
	}

	return &Claims{
		TenantID:  tenantID,
		Subject:   subject,
		ExpiresAt: expiresAt,
	}, nil
}
