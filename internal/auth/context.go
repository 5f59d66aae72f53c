// ABOUTME: Viewer identity and roles carried through request handlers
// ABOUTME: Provides WithViewer/ViewerFromContext for propagating identity via context

package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidRole is returned when a role string is not one we recognize.
var ErrInvalidRole = errors.New("invalid role")

// Role is the viewer's role as asserted by the identity provider.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleTeamMember Role = "team_member"
	RoleClient     Role = "client"
)

// ParseRole validates s against the known roles.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleTeamMember, RoleClient:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// IsStaff returns true for roles that may see internal notes and manage
// conversations they do not own.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleTeamMember
}

// Viewer is the authenticated identity behind a request.
type Viewer struct {
	ID   string
	Role Role
}

// IsStaff reports whether the viewer holds a staff role. A nil viewer is not staff.
func (v *Viewer) IsStaff() bool {
	return v != nil && v.Role.IsStaff()
}

// viewerContextKey is the key type for storing Viewer in context.Context.
type viewerContextKey struct{}

// WithViewer returns a new context with the Viewer attached.
func WithViewer(ctx context.Context, viewer *Viewer) context.Context {
	return context.WithValue(ctx, viewerContextKey{}, viewer)
}

// ViewerFromContext retrieves the Viewer from the context, returning nil if not present.
func ViewerFromContext(ctx context.Context) *Viewer {
	val := ctx.Value(viewerContextKey{})
	if val == nil {
		return nil
	}
	viewer, ok := val.(*Viewer)
	if !ok {
		return nil
	}
	return viewer
}
