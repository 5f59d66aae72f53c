// ABOUTME: JSON views of conversations and messages shared by the HTTP API and streams
// ABOUTME: Renders message Markdown to HTML with goldmark, raw HTML stripped

package conversation

import (
	"bytes"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/2389/support-gateway/internal/store"
)

// TimeFormat is used for every timestamp in JSON views.
const TimeFormat = time.RFC3339Nano

// ConversationView is the JSON representation of a conversation.
type ConversationView struct {
	ID         string  `json:"id"`
	ClientID   string  `json:"client_id"`
	Status     string  `json:"status"`
	AssignedTo *string `json:"assigned_to"`
	Priority   string  `json:"priority"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// MessageView is the JSON representation of a message.
type MessageView struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	AuthorID       string  `json:"author_id"`
	Content        string  `json:"content"`
	ContentHTML    string  `json:"content_html"`
	IsInternalNote bool    `json:"is_internal_note"`
	CreatedAt      string  `json:"created_at"`
	ReadAt         *string `json:"read_at"`
}

// The renderer is configured once and shared; goldmark keeps per-call state
// in the parse context.
var (
	markdownOnce     sync.Once
	markdownInstance goldmark.Markdown
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
			),
			goldmark.WithRendererOptions(
				html.WithHardWraps(),
			),
		)
	})
	return markdownInstance
}

// RenderMarkdown converts message content to HTML. Raw HTML in the source is
// omitted. On a render failure the result is empty; Content is still sent.
func RenderMarkdown(content string) string {
	var buf bytes.Buffer
	if err := markdown().Convert([]byte(content), &buf); err != nil {
		return ""
	}
	return buf.String()
}

// NewConversationView converts a conversation for JSON output.
func NewConversationView(c *store.Conversation) ConversationView {
	return ConversationView{
		ID:         c.ID,
		ClientID:   c.ClientID,
		Status:     string(c.Status),
		AssignedTo: c.AssignedTo,
		Priority:   string(c.Priority),
		CreatedAt:  c.CreatedAt.UTC().Format(TimeFormat),
		UpdatedAt:  c.UpdatedAt.UTC().Format(TimeFormat),
	}
}

// NewConversationViews converts a list of conversations for JSON output.
func NewConversationViews(convs []*store.Conversation) []ConversationView {
	return lo.Map(convs, func(c *store.Conversation, _ int) ConversationView {
		return NewConversationView(c)
	})
}

// NewMessageView converts a message for JSON output.
func NewMessageView(m *store.Message) MessageView {
	v := MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		Content:        m.Content,
		ContentHTML:    RenderMarkdown(m.Content),
		IsInternalNote: m.IsInternalNote,
		CreatedAt:      m.CreatedAt.UTC().Format(TimeFormat),
	}
	if m.ReadAt != nil {
		v.ReadAt = lo.ToPtr(m.ReadAt.UTC().Format(TimeFormat))
	}
	return v
}

// NewMessageViews converts a list of messages for JSON output, keeping order.
func NewMessageViews(msgs []*store.Message) []MessageView {
	return lo.Map(msgs, func(m *store.Message, _ int) MessageView {
		return NewMessageView(m)
	})
}
