package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "keygate"

// OwnerPrincipal identifies the account that owns and manages API keys.
type OwnerPrincipal struct {
	OwnerID string
	Email   string
}

// AuthService issues and verifies owner bearer tokens (HS256 JWTs whose
// subject is the owner id).
type AuthService struct {
	jwtSecret []byte
}

func NewAuthService(jwtSecret string) *AuthService {
	return &AuthService{
		jwtSecret: []byte(jwtSecret),
	}
}

// ValidateJWT verifies a JWT bearer token and returns the owner identity.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*OwnerPrincipal, error) {
	if len(s.jwtSecret) == 0 {
		return nil, ErrInvalidCredentials
	}

	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidCredentials
	}

	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidCredentials
	}

	return &OwnerPrincipal{
		OwnerID: claims.Subject,
		Email:   claims.Email,
	}, nil
}

// IssueJWT creates a new signed JWT token for the given owner.
func (s *AuthService) IssueJWT(ctx context.Context, ownerID, email string, ttl time.Duration) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", newError(ErrInternal, "JWT secret is not configured", nil)
	}
	if ownerID == "" {
		return "", newError(ErrInvalidRequest, "owner id is required", nil)
	}

	now := time.Now()
	claims := jwtClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}
