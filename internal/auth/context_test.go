// ABOUTME: Unit tests for viewer roles and context helpers
// ABOUTME: Tests ParseRole, IsStaff, and context propagation

package auth

import (
	"context"
	"errors"
	"testing"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		input   string
		want    Role
		wantErr bool
	}{
		{input: "admin", want: RoleAdmin},
		{input: "team_member", want: RoleTeamMember},
		{input: "client", want: RoleClient},
		{input: "", wantErr: true},
		{input: "Admin", wantErr: true},
		{input: "owner", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRole(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRole) {
					t.Errorf("ParseRole(%q) error = %v, want ErrInvalidRole", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRole(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseRole(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestViewer_IsStaff(t *testing.T) {
	tests := []struct {
		name   string
		viewer *Viewer
		want   bool
	}{
		{name: "admin", viewer: &Viewer{ID: "a", Role: RoleAdmin}, want: true},
		{name: "team member", viewer: &Viewer{ID: "t", Role: RoleTeamMember}, want: true},
		{name: "client", viewer: &Viewer{ID: "c", Role: RoleClient}, want: false},
		{name: "unknown role", viewer: &Viewer{ID: "u", Role: "guest"}, want: false},
		{name: "nil viewer", viewer: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.viewer.IsStaff(); got != tt.want {
				t.Errorf("IsStaff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithViewer_FromContext(t *testing.T) {
	viewer := &Viewer{ID: "user-1", Role: RoleClient}
	ctx := WithViewer(context.Background(), viewer)

	got := ViewerFromContext(ctx)
	if got != viewer {
		t.Errorf("ViewerFromContext() = %v, want %v", got, viewer)
	}
}

func TestViewerFromContext_Missing(t *testing.T) {
	if got := ViewerFromContext(context.Background()); got != nil {
		t.Errorf("ViewerFromContext() = %v, want nil", got)
	}
}
