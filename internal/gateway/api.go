// ABOUTME: HTTP API handlers for support conversations and their live streams
// ABOUTME: Maps conversation and stream errors to status codes with JSON bodies

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/store"
	"github.com/2389/support-gateway/internal/stream"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// IdempotencyKeyHeader carries the client's retry key for message posts.
const IdempotencyKeyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses that replay an earlier idempotent post.
const ReplayedHeader = "Idempotent-Replayed"

// CreateConversationRequest is the JSON request body for POST /api/conversations.
// Clients omit ClientID; staff name the client they are opening a conversation for.
type CreateConversationRequest struct {
	ClientID string `json:"client_id,omitempty"`
}

// PostMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type PostMessageRequest struct {
	Content      string `json:"content"`
	InternalNote bool   `json:"internal_note,omitempty"`
}

// UpdateConversationRequest is the JSON request body for PATCH /api/conversations/{id}.
// An empty assigned_to clears the assignee.
type UpdateConversationRequest struct {
	Status     *string `json:"status,omitempty"`
	AssignedTo *string `json:"assigned_to,omitempty"`
	Priority   *string `json:"priority,omitempty"`
}

// ConversationResponse is the JSON response for GET /api/conversations/{id}.
type ConversationResponse struct {
	Conversation conversation.ConversationView `json:"conversation"`
	Messages     []conversation.MessageView    `json:"messages"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []conversation.ConversationView `json:"conversations"`
}

// ListMessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type ListMessagesResponse struct {
	Messages []conversation.MessageView `json:"messages"`
}

// MarkReadResponse is the JSON response for POST /api/conversations/{id}/read.
type MarkReadResponse struct {
	Marked int64 `json:"marked"`
}

// handleConversations serves the collection: GET lists, POST gets or creates.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListConversations(w, r)
	case http.MethodPost:
		g.handleCreateConversation(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleConversationRoutes dispatches /api/conversations/{id}[/messages|/read|/stream].
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if !stream.ValidConversationID(id) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid conversation id format")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			g.handleGetConversation(w, r, id)
		case http.MethodPatch:
			g.handleUpdateConversation(w, r, id)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPatch)
		}
	case "messages":
		switch r.Method {
		case http.MethodGet:
			g.handleListMessages(w, r, id)
		case http.MethodPost:
			g.handlePostMessage(w, r, id)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case "read":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		g.handleMarkRead(w, r, id)
	case "stream":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		g.handleStream(w, r, id)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	viewer := auth.ViewerFromContext(r.Context())
	convs, err := g.conversation.ListForViewer(r.Context(), viewer)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ListConversationsResponse{
		Conversations: conversation.NewConversationViews(convs),
	})
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	viewer := auth.ViewerFromContext(r.Context())
	if viewer == nil {
		g.sendServiceError(w, r, conversation.ErrUnauthenticated)
		return
	}

	var req CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	clientID := viewer.ID
	if viewer.IsStaff() {
		if req.ClientID == "" {
			g.sendJSONError(w, http.StatusBadRequest, "client_id is required")
			return
		}
		clientID = req.ClientID
	} else if req.ClientID != "" && req.ClientID != viewer.ID {
		g.sendServiceError(w, r, conversation.ErrForbidden)
		return
	}

	conv, err := g.conversation.GetOrCreateForClient(r.Context(), clientID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conversation.NewConversationView(conv))
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	limit, offset, err := parsePaging(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	viewer := auth.ViewerFromContext(r.Context())
	conv, err := g.conversation.GetConversation(r.Context(), id, viewer)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	msgs, err := g.conversation.GetMessages(r.Context(), id, viewer, limit, offset)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	g.sendJSON(w, http.StatusOK, ConversationResponse{
		Conversation: conversation.NewConversationView(conv),
		Messages:     conversation.NewMessageViews(msgs),
	})
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request, id string) {
	limit, offset, err := parsePaging(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := g.conversation.GetMessages(r.Context(), id, auth.ViewerFromContext(r.Context()), limit, offset)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ListMessagesResponse{Messages: conversation.NewMessageViews(msgs)})
}

func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request, id string) {
	var req PostMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	viewer := auth.ViewerFromContext(r.Context())
	key := r.Header.Get(IdempotencyKeyHeader)
	msg, replayed, err := g.conversation.PostMessageIdempotent(r.Context(), id, viewer, req.Content, req.InternalNote, key)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		w.Header().Set(ReplayedHeader, "true")
		status = http.StatusOK
	}
	g.sendJSON(w, status, conversation.NewMessageView(msg))
}

func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request, id string) {
	var req UpdateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	patch := store.ConversationPatch{AssignedTo: req.AssignedTo}
	if req.Status != nil {
		patch.Status = lo.ToPtr(store.ConversationStatus(*req.Status))
	}
	if req.Priority != nil {
		patch.Priority = lo.ToPtr(store.Priority(*req.Priority))
	}

	conv, err := g.conversation.UpdateMetadata(r.Context(), id, auth.ViewerFromContext(r.Context()), patch)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conversation.NewConversationView(conv))
}

func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request, id string) {
	n, err := g.conversation.MarkRead(r.Context(), id, auth.ViewerFromContext(r.Context()))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, MarkReadResponse{Marked: n})
}

// handleStream opens a live stream. Setup errors are answered with a status
// code; once the first event is written the stream owns the response.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request, id string) {
	viewer := auth.ViewerFromContext(r.Context())
	session, err := g.streams.Open(r.Context(), id, viewer)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}

	sink, err := stream.NewSSESink(w, g.streams.Config().WriteTimeout)
	if err != nil {
		session.Close()
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	reason := session.Run(r.Context(), sink)
	g.logger.Debug("stream handler finished", "session_id", session.ID(), "reason", reason)
}

// parsePaging reads the optional limit and offset query parameters.
// Zero values defer to the store defaults.
func parsePaging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
	}
	if s := q.Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// statusFor maps an error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, conversation.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, stream.ErrMalformedID):
		return http.StatusBadRequest, "invalid conversation id format"
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, conversation.ErrConflict):
		return http.StatusConflict, "client already has an active conversation"
	case errors.Is(err, conversation.ErrTransient), errors.Is(err, stream.ErrGatewayClosed):
		return http.StatusServiceUnavailable, "temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// sendServiceError writes the mapped status for err, logging server-side failures.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	switch {
	case status >= http.StatusInternalServerError:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	default:
		g.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	g.sendJSONError(w, status, msg)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	auth.WriteJSONError(w, status, message)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	auth.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}
