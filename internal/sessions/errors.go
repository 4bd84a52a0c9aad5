package sessions

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned for operations on a document with no
	// live session.
	ErrSessionNotFound = errors.New("session: document has no active session")

	// ErrNotParticipant is returned when a caller acts on a session they
	// never joined.
	ErrNotParticipant = errors.New("session: user is not a participant")
)

// LockedError is returned when a lock request loses to a live holder.
// Expected concurrency contention: the caller retries after ExpiresAt.
type LockedError struct {
	DocumentID string
	HolderID   string
	ExpiresAt  time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("session: document %s locked by %s until %s", e.DocumentID, e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}

// VersionConflictError is returned when a mutation carries a stale
// expected version. Expected contention: the caller refreshes and retries.
type VersionConflictError struct {
	DocumentID string
	Expected   int64
	Current    int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("session: version conflict on document %s: expected %d, current %d", e.DocumentID, e.Expected, e.Current)
}

// IsLocked reports whether err is a LockedError.
func IsLocked(err error) bool {
	var le *LockedError
	return errors.As(err, &le)
}

// IsVersionConflict reports whether err is a VersionConflictError.
func IsVersionConflict(err error) bool {
	var ve *VersionConflictError
	return errors.As(err, &ve)
}
