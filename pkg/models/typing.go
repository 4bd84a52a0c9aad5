package models

import (
	"time"
)

// TypingIndicator is the ephemeral signal that a user is actively editing
// a document at a given position. Exactly one live indicator exists per
// (document, user) pair; an update replaces any prior entry. Indicators
// expire on a short TTL even without an explicit stop signal.
type TypingIndicator struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name,omitempty"`

	Typing         bool `json:"typing"`
	CursorPosition int  `json:"cursor_position,omitempty"`

	// Selection range, when the user has text selected.
	SelectionStart *int `json:"selection_start,omitempty"`
	SelectionEnd   *int `json:"selection_end,omitempty"`

	// Display hints for rendering collaborator carets.
	CursorColor string `json:"cursor_color,omitempty"`
	Initials    string `json:"initials,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the indicator is past its TTL at the given instant.
func (t *TypingIndicator) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
