package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenIdentityReadsSubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "tunesync-auth",
		Audience:      "tunesync-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	token, _, err := issuer.IssueToken(context.Background(), "user-42")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	identity := NewTokenIdentity(" " + token + "\n")
	principal, err := identity.PrincipalID(context.Background())
	if err != nil {
		t.Fatalf("unexpected principal error: %v", err)
	}
	if principal != "user-42" {
		t.Fatalf("unexpected principal %s", principal)
	}
	bearer, err := identity.AccessToken(context.Background())
	if err != nil || bearer != token {
		t.Fatalf("expected trimmed token back, got %q (%v)", bearer, err)
	}
}

func TestTokenIdentityWithoutToken(t *testing.T) {
	identity := NewTokenIdentity("")
	if _, err := identity.PrincipalID(context.Background()); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}
	if _, err := identity.AccessToken(context.Background()); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}
}

func TestTokenIdentityRejectsMalformedToken(t *testing.T) {
	identity := NewTokenIdentity("not-a-jwt")
	if _, err := identity.PrincipalID(context.Background()); err == nil {
		t.Fatalf("expected malformed token error")
	}
}
