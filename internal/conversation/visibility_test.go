// ABOUTME: Tests for FilterVisible
// ABOUTME: Covers staff, client and anonymous viewers plus order preservation

package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/store"
)

func sampleMessages() []*store.Message {
	return []*store.Message{
		{ID: "m4", Content: "we shipped a fix", IsInternalNote: false},
		{ID: "m3", Content: "customer is on legacy plan", IsInternalNote: true},
		{ID: "m2", Content: "checking", IsInternalNote: false},
		{ID: "m1", Content: "escalate if needed", IsInternalNote: true},
	}
}

func ids(messages []*store.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestFilterVisible(t *testing.T) {
	tests := []struct {
		name   string
		viewer *auth.Viewer
		want   []string
	}{
		{name: "admin sees all", viewer: &auth.Viewer{ID: "a", Role: auth.RoleAdmin}, want: []string{"m4", "m3", "m2", "m1"}},
		{name: "team member sees all", viewer: &auth.Viewer{ID: "t", Role: auth.RoleTeamMember}, want: []string{"m4", "m3", "m2", "m1"}},
		{name: "client loses notes", viewer: &auth.Viewer{ID: "c", Role: auth.RoleClient}, want: []string{"m4", "m2"}},
		{name: "nil viewer loses notes", viewer: nil, want: []string{"m4", "m2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := sampleMessages()
			got := FilterVisible(tt.viewer, input)
			assert.Equal(t, tt.want, ids(got))
			assert.Len(t, input, 4, "input slice untouched")
		})
	}
}

func TestFilterVisible_Empty(t *testing.T) {
	got := FilterVisible(&auth.Viewer{ID: "c", Role: auth.RoleClient}, nil)
	assert.Empty(t, got)

	got = FilterVisible(&auth.Viewer{ID: "c", Role: auth.RoleClient}, []*store.Message{{ID: "n", IsInternalNote: true}})
	assert.Empty(t, got)
}
