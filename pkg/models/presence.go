package models

import (
	"time"
)

// PresenceStatus is a user's observed availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Activity describes what a user is currently doing.
type Activity struct {
	// Type is a free-form activity label ("writing", "reading",
	// "commenting").
	Type string `json:"type"`

	// DocumentID references the story the activity concerns, if any.
	DocumentID string `json:"document_id,omitempty"`
}

// UserPresence is a user's current status as observed by heartbeats.
// Status downgrades to offline after a heartbeat timeout.
type UserPresence struct {
	UserID   string         `json:"user_id"`
	UserName string         `json:"user_name,omitempty"`
	Role     Role           `json:"role,omitempty"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
	Activity *Activity      `json:"activity,omitempty"`
}
