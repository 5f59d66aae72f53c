// ABOUTME: Error taxonomy returned by the conversation service
// ABOUTME: Callers match with errors.Is; transport layers map each to a status code

package conversation

import (
	"errors"

	"github.com/2389/support-gateway/internal/store"
)

var (
	// ErrUnauthenticated means no viewer accompanied the request.
	ErrUnauthenticated = errors.New("authentication required")

	// ErrForbidden means the viewer may not access or change the target.
	ErrForbidden = errors.New("forbidden")

	// Store sentinels surface unchanged so one errors.Is works at every layer.
	ErrNotFound   = store.ErrNotFound
	ErrValidation = store.ErrValidation
	ErrConflict   = store.ErrDuplicateConversation
	ErrTransient  = store.ErrUnavailable
)
