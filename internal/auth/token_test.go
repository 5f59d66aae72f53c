// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and role claims

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func newTestIdentity(t *testing.T) *JWTIdentity {
	t.Helper()
	identity, err := NewJWTIdentity(testSecret)
	if err != nil {
		t.Fatalf("NewJWTIdentity() error = %v", err)
	}
	return identity
}

func TestNewJWTIdentity_WeakSecret(t *testing.T) {
	_, err := NewJWTIdentity([]byte("short"))
	if !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTIdentity() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTIdentity_ValidToken(t *testing.T) {
	identity := newTestIdentity(t)

	for _, role := range []Role{RoleAdmin, RoleTeamMember, RoleClient} {
		t.Run(string(role), func(t *testing.T) {
			token, err := identity.Generate(Viewer{ID: "user-123", Role: role}, time.Hour)
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}

			viewer, err := identity.Verify(token)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}

			if viewer.ID != "user-123" {
				t.Errorf("Verify() ID = %q, want %q", viewer.ID, "user-123")
			}
			if viewer.Role != role {
				t.Errorf("Verify() Role = %q, want %q", viewer.Role, role)
			}
		})
	}
}

func TestJWTIdentity_InvalidToken(t *testing.T) {
	identity := newTestIdentity(t)

	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		return token
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name:    "empty token",
			token:   "",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "garbage token",
			token:   "not-a-jwt-token",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "malformed JWT",
			token:   "header.payload.signature",
			wantErr: ErrInvalidToken,
		},
		{
			name: "wrong secret",
			token: func() string {
				other, _ := NewJWTIdentity([]byte("a-completely-different-secret-32b"))
				token, _ := other.Generate(Viewer{ID: "user-123", Role: RoleClient}, time.Hour)
				return token
			}(),
			wantErr: ErrInvalidToken,
		},
		{
			name:    "missing sub",
			token:   sign(jwt.MapClaims{"role": "client", "exp": time.Now().Add(time.Hour).Unix()}),
			wantErr: ErrMissingClaim,
		},
		{
			name:    "missing role",
			token:   sign(jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()}),
			wantErr: ErrMissingClaim,
		},
		{
			name:    "unknown role",
			token:   sign(jwt.MapClaims{"sub": "user-1", "role": "superuser", "exp": time.Now().Add(time.Hour).Unix()}),
			wantErr: ErrInvalidRole,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viewer, err := identity.Verify(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
			if viewer != nil {
				t.Errorf("Verify() viewer = %+v, want nil", viewer)
			}
		})
	}
}

func TestJWTIdentity_ExpiredToken(t *testing.T) {
	identity := newTestIdentity(t)

	token, err := identity.Generate(Viewer{ID: "user-123", Role: RoleClient}, -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = identity.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTIdentity_GenerateRejectsBadViewer(t *testing.T) {
	identity := newTestIdentity(t)

	if _, err := identity.Generate(Viewer{Role: RoleClient}, time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Generate() without id error = %v, want ErrMissingClaim", err)
	}
	if _, err := identity.Generate(Viewer{ID: "x", Role: "root"}, time.Hour); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("Generate() with bad role error = %v, want ErrInvalidRole", err)
	}
}
