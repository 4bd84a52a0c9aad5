package models

import (
	"time"
)

// SessionState is the lifecycle state of a collaboration session.
//
// Uninitialized -> Active (participants > 0) -> Idle (participants == 0,
// retained) -> Closed (explicit close or long-idle GC).
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionIdle   SessionState = "idle"
	SessionClosed SessionState = "closed"
)

// SessionPermissions are the per-participant rights within a session.
type SessionPermissions struct {
	CanEdit    bool `json:"can_edit"`
	CanComment bool `json:"can_comment"`
	CanView    bool `json:"can_view"`
}

// SessionParticipant is one editor within a collaboration session.
type SessionParticipant struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Role     Role   `json:"role,omitempty"`

	Permissions    SessionPermissions `json:"permissions"`
	CursorPosition int                `json:"cursor_position,omitempty"`
	JoinedAt       time.Time          `json:"joined_at"`
	LastActivity   time.Time          `json:"last_activity"`
}

// DocumentLock grants one participant exclusive edit rights, time-bounded.
// A lock past its expiry is reclaimable even without explicit release, so a
// disconnected editor can never hold a document forever.
type DocumentLock struct {
	UserID     string    `json:"user_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock is past its expiry at the given instant.
func (l *DocumentLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// CollaborationSession is the live joint-editing context for one document.
// The version counter is monotonic and increments on every accepted
// mutation; it is the engine's sole conflict-detection mechanism.
type CollaborationSession struct {
	DocumentID string       `json:"document_id"`
	State      SessionState `json:"state"`

	Participants []*SessionParticipant `json:"participants"`
	Typing       []*TypingIndicator    `json:"typing,omitempty"`

	Version      int64         `json:"version"`
	Lock         *DocumentLock `json:"lock,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// Participant returns the session participant with the given user id, or
// nil if the user is not in the session.
func (s *CollaborationSession) Participant(userID string) *SessionParticipant {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}
