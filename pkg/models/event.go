// Package models provides domain types for the StoryWeave realtime engine.
package models

import (
	"time"
)

// EventType identifies the kind of realtime event. The set is closed:
// unknown types are rejected at the publish edge rather than forwarded.
type EventType string

const (
	// Document collaboration
	EventStoryUpdated    EventType = "story_updated"
	EventStoryPublished  EventType = "story_published"
	EventCommentAdded    EventType = "comment_added"
	EventTypingIndicator EventType = "typing_indicator"
	EventCursorMoved     EventType = "cursor_moved"
	EventLockAcquired    EventType = "lock_acquired"
	EventLockReleased    EventType = "lock_released"

	// Presence and membership
	EventPresenceChanged   EventType = "presence_changed"
	EventMentorOnline      EventType = "mentor_online"
	EventMentorOffline     EventType = "mentor_offline"
	EventParticipantJoined EventType = "participant_joined"
	EventParticipantLeft   EventType = "participant_left"

	// Platform
	EventAchievementUnlocked EventType = "achievement_unlocked"
	EventSystemNotice        EventType = "system_notice"
)

// eventTypes is the closed set of valid event types.
var eventTypes = map[EventType]struct{}{
	EventStoryUpdated:        {},
	EventStoryPublished:      {},
	EventCommentAdded:        {},
	EventTypingIndicator:     {},
	EventCursorMoved:         {},
	EventLockAcquired:        {},
	EventLockReleased:        {},
	EventPresenceChanged:     {},
	EventMentorOnline:        {},
	EventMentorOffline:       {},
	EventParticipantJoined:   {},
	EventParticipantLeft:     {},
	EventAchievementUnlocked: {},
	EventSystemNotice:        {},
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Priority orders event frames on a connection's outbound queue.
// It has no durability meaning: a high-priority event is still ephemeral.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority. The empty string is
// treated as PriorityNormal by the dispatcher, not as invalid input.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, "":
		return true
	}
	return false
}

// RealtimeEvent is a single event flowing through the engine.
//
// An event is immutable once handed to the dispatcher except for its two
// delivery-tracking sets, which the dispatcher populates. A user id appears
// in at most one of DeliveredTo/FailedDelivery; MarkDelivered and MarkFailed
// maintain that exclusivity.
type RealtimeEvent struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is the event kind (closed enum).
	Type EventType `json:"type"`

	// ChannelID names the channel the event was published to.
	ChannelID string `json:"channel_id"`

	// Originating user identity, supplied by the external auth layer.
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	UserRole Role   `json:"user_role,omitempty"`

	// Data is the arbitrary structured payload.
	Data map[string]any `json:"data,omitempty"`

	// Targeting. The audience is the channel's subscribers, intersected
	// with RoleFilter when set, minus ExcludeUsers, then restricted to
	// TargetUsers when non-empty.
	TargetUsers  []string `json:"target_users,omitempty"`
	ExcludeUsers []string `json:"exclude_users,omitempty"`
	RoleFilter   []Role   `json:"role_filter,omitempty"`

	// Timestamp is when the event was built.
	Timestamp time.Time `json:"timestamp"`

	// ExpiresAt, when set, bounds delivery: an event past its expiry is
	// never pushed to any connection.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Priority is used only for transport ordering.
	Priority Priority `json:"priority,omitempty"`

	// Delivery tracking, populated by the dispatcher.
	DeliveredTo    []string `json:"delivered_to"`
	FailedDelivery []string `json:"failed_delivery"`
}

// Expired reports whether the event is past its expiry at the given instant.
// Events without an expiry never expire.
func (e *RealtimeEvent) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// EffectivePriority resolves an unset priority to PriorityNormal.
func (e *RealtimeEvent) EffectivePriority() Priority {
	if e.Priority == "" {
		return PriorityNormal
	}
	return e.Priority
}

// MarkDelivered records a successful delivery to userID. If a previous
// attempt recorded the user as failed, the failure entry is removed so the
// user appears in exactly one tracking set.
func (e *RealtimeEvent) MarkDelivered(userID string) {
	if containsString(e.DeliveredTo, userID) {
		return
	}
	e.FailedDelivery = removeString(e.FailedDelivery, userID)
	e.DeliveredTo = append(e.DeliveredTo, userID)
}

// MarkFailed records a failed delivery to userID. A user already recorded
// as delivered is never downgraded to failed.
func (e *RealtimeEvent) MarkFailed(userID string) {
	if containsString(e.DeliveredTo, userID) || containsString(e.FailedDelivery, userID) {
		return
	}
	e.FailedDelivery = append(e.FailedDelivery, userID)
}

// WasDelivered reports whether userID is in the delivered set.
func (e *RealtimeEvent) WasDelivered(userID string) bool {
	return containsString(e.DeliveredTo, userID)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
