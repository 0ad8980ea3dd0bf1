package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestAuth(t *testing.T) *AuthService {
	t.Helper()
	return NewAuthService("test-secret-key-for-jwt")
}

func TestJWTRoundTrip(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	token, err := auth.IssueJWT(ctx, "owner-42", "owner@example.com", 1*time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	principal, err := auth.ValidateJWT(ctx, token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if principal.OwnerID != "owner-42" {
		t.Errorf("OwnerID: got %q, want %q", principal.OwnerID, "owner-42")
	}
	if principal.Email != "owner@example.com" {
		t.Errorf("Email: got %q, want %q", principal.Email, "owner@example.com")
	}
}

func TestJWTExpired(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	// Negative TTL yields an already expired token.
	token, err := auth.IssueJWT(ctx, "owner-1", "test@test.com", -1*time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	if _, err := auth.ValidateJWT(ctx, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestJWTInvalidToken(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()

	if _, err := auth.ValidateJWT(ctx, "garbage.token.here"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestJWTWrongSecret(t *testing.T) {
	ctx := context.Background()
	token, err := NewAuthService("secret-a").IssueJWT(ctx, "owner-1", "", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}
	if _, err := NewAuthService("secret-b").ValidateJWT(ctx, token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestJWTRejectsForeignIssuerAndMissingSubject(t *testing.T) {
	auth := newTestAuth(t)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name   string
		claims jwt.RegisteredClaims
	}{
		{"foreign issuer", jwt.RegisteredClaims{Subject: "o", Issuer: "other", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}},
		{"no subject", jwt.RegisteredClaims{Issuer: tokenIssuer, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}},
		{"no expiry", jwt.RegisteredClaims{Subject: "o", Issuer: tokenIssuer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tt.claims).SignedString([]byte("test-secret-key-for-jwt"))
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := auth.ValidateJWT(ctx, token); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestJWTEmptySecret(t *testing.T) {
	auth := NewAuthService("")
	if _, err := auth.IssueJWT(context.Background(), "owner-1", "", time.Hour); err == nil {
		t.Fatal("expected error issuing without a secret")
	}
	if _, err := auth.ValidateJWT(context.Background(), "a.b.c"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
