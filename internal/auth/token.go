// ABOUTME: JWT token verification for authenticating HTTP requests
// ABOUTME: Uses HS256 signing with configurable secret; sub and role claims form the Viewer

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HS256 secret size accepted by NewJWTIdentity.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// JWTIdentity verifies HS256 signed JWTs and maps their claims to a Viewer.
type JWTIdentity struct {
	secret []byte
}

// NewJWTIdentity creates a new JWT identity with the given secret
func NewJWTIdentity(secret []byte) (*JWTIdentity, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTIdentity{secret: secret}, nil
}

// Verify validates the token and builds a Viewer from the "sub" and "role" claims
func (j *JWTIdentity) Verify(tokenString string) (*Viewer, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	roleClaim, ok := claims["role"].(string)
	if !ok || roleClaim == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	role, err := ParseRole(roleClaim)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	return &Viewer{ID: sub, Role: role}, nil
}

// Generate creates a new JWT token for the viewer with expiration
func (j *JWTIdentity) Generate(viewer Viewer, expiresIn time.Duration) (string, error) {
	if viewer.ID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if _, err := ParseRole(string(viewer.Role)); err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  viewer.ID,
		"role": string(viewer.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}
