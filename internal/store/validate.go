// ABOUTME: Field-level checks shared by every Store implementation
// ABOUTME: Content bounds and patch enum validation, returning ErrValidation

package store

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidateContent checks that content is non-empty after trimming and at most
// maxLen runes long. maxLen <= 0 selects DefaultMaxContentLength.
func ValidateContent(content string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxContentLength
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if n := utf8.RuneCountInString(content); n > maxLen {
		return fmt.Errorf("%w: content is %d characters, limit is %d", ErrValidation, n, maxLen)
	}
	return nil
}

// ValidatePatch checks the enum fields of a patch.
func ValidatePatch(patch ConversationPatch) error {
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, *patch.Status)
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, *patch.Priority)
	}
	return nil
}
