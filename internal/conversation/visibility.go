// ABOUTME: Per-viewer filtering of message lists
// ABOUTME: Staff see everything; everyone else never sees internal notes

package conversation

import (
	"github.com/samber/lo"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/store"
)

// FilterVisible returns the messages viewer may see, in their original order.
// Internal notes are dropped, not redacted, for non-staff and nil viewers.
// The input slice is not modified.
func FilterVisible(viewer *auth.Viewer, messages []*store.Message) []*store.Message {
	staff := viewer.IsStaff()
	return lo.Filter(messages, func(msg *store.Message, _ int) bool {
		return staff || !msg.IsInternalNote
	})
}
