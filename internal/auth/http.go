// ABOUTME: HTTP middleware that resolves the request's Viewer through an Identity
// ABOUTME: Supports bearer JWTs and a header-based development identity

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ErrNoCredentials is returned by an Identity when the request carries none.
// The middleware lets such requests through as anonymous.
var ErrNoCredentials = errors.New("no credentials")

// Header names read by HeaderIdentity
const (
	HeaderViewerID   = "X-Viewer-ID"
	HeaderViewerRole = "X-Viewer-Role"
)

// Identity resolves the viewer behind an HTTP request.
type Identity interface {
	Authenticate(r *http.Request) (*Viewer, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Authenticate reads a bearer token from the Authorization header.
func (j *JWTIdentity) Authenticate(r *http.Request) (*Viewer, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, ErrNoCredentials
	}
	token, errMsg := extractBearerToken(authHeader)
	if errMsg != "" {
		return nil, errors.New(errMsg)
	}
	return j.Verify(token)
}

// HeaderIdentity trusts X-Viewer-ID and X-Viewer-Role as sent. It is meant for
// development behind a trusted proxy and must not face the internet.
type HeaderIdentity struct{}

// Authenticate reads the viewer from request headers.
func (HeaderIdentity) Authenticate(r *http.Request) (*Viewer, error) {
	id := r.Header.Get(HeaderViewerID)
	if id == "" {
		return nil, ErrNoCredentials
	}
	role, err := ParseRole(r.Header.Get(HeaderViewerRole))
	if err != nil {
		return nil, err
	}
	return &Viewer{ID: id, Role: role}, nil
}

// HTTPAuthMiddleware creates an HTTP middleware that resolves the viewer and adds it
// to the request context. Requests without credentials continue anonymously so
// handlers can answer with their own 401; bad credentials are rejected here.
func HTTPAuthMiddleware(identity Identity, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewer, err := identity.Authenticate(r)
			if errors.Is(err, ErrNoCredentials) {
				next.ServeHTTP(w, r) // Continue as anonymous
				return
			}
			if err != nil {
				logger.Debug("rejecting credentials", "path", r.URL.Path, "error", err)
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				WriteJSONError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithViewer(r.Context(), viewer)))
		})
	}
}

// WriteJSONError writes {"error": message} with a JSON content type. It is
// shared by the middleware and the API handlers so every error body looks
// the same.
func WriteJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
