package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotSignedIn indicates that no access token is configured on this device.
var ErrNotSignedIn = errors.New("auth: no access token configured")

// TokenIdentity exposes a stored access token to the sync client. The server
// validates the signature; the client only reads the subject so it can refuse
// to sync without a principal.
type TokenIdentity struct {
	token string
}

// NewTokenIdentity wraps an access token. An empty token yields an identity that reports ErrNotSignedIn.
func NewTokenIdentity(token string) *TokenIdentity {
	return &TokenIdentity{token: strings.TrimSpace(token)}
}

// PrincipalID returns the token subject.
func (i *TokenIdentity) PrincipalID(_ context.Context) (string, error) {
	if i == nil || i.token == "" {
		return "", ErrNotSignedIn
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(i.token, claims); err != nil {
		return "", fmt.Errorf("auth: parse access token: %w", err)
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}

// AccessToken returns the bearer token presented to the server.
func (i *TokenIdentity) AccessToken(_ context.Context) (string, error) {
	if i == nil || i.token == "" {
		return "", ErrNotSignedIn
	}
	return i.token, nil
}
