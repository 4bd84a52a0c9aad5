package models

import (
	"time"
)

// ChannelType scopes a channel to one part of the platform.
type ChannelType string

const (
	// ChannelStory carries collaboration traffic for one story.
	ChannelStory ChannelType = "story"

	// ChannelUser is a per-user channel for direct notifications.
	ChannelUser ChannelType = "user"

	// ChannelMentor connects mentors with their writers.
	ChannelMentor ChannelType = "mentor"

	// ChannelGlobal reaches every connected user.
	ChannelGlobal ChannelType = "global"

	// ChannelNotification carries platform notices.
	ChannelNotification ChannelType = "notification"

	// ChannelProgress carries achievement and progress updates.
	ChannelProgress ChannelType = "progress"
)

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelStory, ChannelUser, ChannelMentor, ChannelGlobal, ChannelNotification, ChannelProgress:
		return true
	}
	return false
}

// Role is a platform user role as issued by the external auth layer.
type Role string

const (
	RoleWriter    Role = "writer"
	RoleMentor    Role = "mentor"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleWriter, RoleMentor, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

// Permission is a per-participant right within a channel.
type Permission string

const (
	PermissionRead     Permission = "read"
	PermissionWrite    Permission = "write"
	PermissionModerate Permission = "moderate"
	PermissionAdmin    Permission = "admin"
)

// Channel is a named scope through which events are distributed to a
// participant roster. Lifecycle: created on first reference, marked
// inactive after the configured idle period, never silently deleted while
// participants remain.
type Channel struct {
	// ID uniquely identifies the channel (derived from type and name).
	ID string `json:"id"`

	// Type scopes the channel; Name distinguishes channels of one type.
	Type ChannelType `json:"type"`
	Name string      `json:"name"`

	// Public channels admit any authenticated user. Non-public channels
	// admit only allow-listed roles or user ids (union).
	Public       bool     `json:"public"`
	AllowedRoles []Role   `json:"allowed_roles,omitempty"`
	AllowedUsers []string `json:"allowed_users,omitempty"`

	// MaxParticipants caps the roster; zero means uncapped.
	MaxParticipants int `json:"max_participants,omitempty"`

	// RetentionHours bounds how long journaled events for this channel
	// are kept. Live delivery is unaffected.
	RetentionHours int `json:"retention_hours"`

	// RateLimitPerMinute caps publishes; events over the limit are
	// rejected, not queued.
	RateLimitPerMinute int `json:"rate_limit_per_minute"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Active       bool      `json:"active"`
}

// ChannelParticipant is one roster entry. Created on join, refreshed on
// every inbound activity, removed on explicit leave or connection loss.
type ChannelParticipant struct {
	UserID      string       `json:"user_id"`
	UserName    string       `json:"user_name,omitempty"`
	Role        Role         `json:"role"`
	JoinedAt    time.Time    `json:"joined_at"`
	LastSeen    time.Time    `json:"last_seen"`
	Active      bool         `json:"active"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// HasPermission reports whether the participant holds the given permission.
// Admin implies every other permission.
func (p *ChannelParticipant) HasPermission(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm || have == PermissionAdmin {
			return true
		}
	}
	return false
}

// HasRole reports whether role is in the given allow list.
func HasRole(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
