package models

import "time"

// RealtimeMetrics is a point-in-time snapshot of engine health, served by
// the stats endpoint. Counter fields are cumulative since process start.
type RealtimeMetrics struct {
	SSEConnections      int   `json:"sse_connections"`
	WSConnections       int   `json:"ws_connections"`
	ConnectedUsers      int   `json:"connected_users"`
	ActiveChannels      int   `json:"active_channels"`
	ActiveSessions      int   `json:"active_sessions"`
	SessionParticipants int   `json:"session_participants"`
	OnlineUsers         int   `json:"online_users"`
	TypingIndicators    int   `json:"typing_indicators"`
	EventsDispatched    int64 `json:"events_dispatched"`
	EventsDelivered     int64 `json:"events_delivered"`
	EventsFailed        int64 `json:"events_failed"`
	EventsDropped       int64 `json:"events_dropped"`
	RateLimitedEvents   int64 `json:"rate_limited_events"`

	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}
