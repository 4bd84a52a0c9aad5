package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/storyweave/realtime/internal/auth"
	"github.com/storyweave/realtime/internal/channels"
	"github.com/storyweave/realtime/internal/observability"
	"github.com/storyweave/realtime/internal/transport"
	"github.com/storyweave/realtime/pkg/models"
)

// handlePublish accepts an event and routes it through the channel's rate
// limit into the dispatcher. The origin identity always comes from the
// token, never the body.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	var event models.RealtimeEvent
	if err := decodeJSON(r, &event); err != nil {
		badRequest(w, err.Error())
		return
	}
	scrubClientEvent(&event, identity)

	result, err := s.engine.Channels.Publish(r.Context(), &event)
	if err != nil {
		if channels.IsCode(err, channels.ErrCodeRateLimited) {
			if channelType, _, ok := channels.ParseChannelID(event.ChannelID); ok {
				s.engine.Metrics.RateLimited(string(channelType))
			}
		}
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

// scrubClientEvent resets the fields the engine owns on an event decoded
// from a request body: the origin identity always comes from the token, the
// id and timestamp are assigned at dispatch, and the delivery-tracking sets
// start empty.
func scrubClientEvent(event *models.RealtimeEvent, identity *auth.Identity) {
	event.ID = ""
	event.Timestamp = time.Time{}
	event.UserID = identity.UserID
	event.UserName = identity.Name
	event.UserRole = identity.Role
	event.DeliveredTo = nil
	event.FailedDelivery = nil
}

// handleBroadcast pushes an event to every connected user. Moderator and
// admin only.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity.Role != models.RoleAdmin && identity.Role != models.RoleModerator {
		respondJSON(w, http.StatusForbidden, errorBody{Error: "broadcast requires moderator role", Code: "ACCESS_DENIED"})
		return
	}

	var event models.RealtimeEvent
	if err := decodeJSON(r, &event); err != nil {
		badRequest(w, err.Error())
		return
	}
	scrubClientEvent(&event, identity)
	if event.ChannelID == "" {
		event.ChannelID = channels.ChannelID(models.ChannelGlobal, "all")
	}

	result, err := s.engine.Dispatcher.BroadcastGlobal(r.Context(), &event)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

// handleSSE opens the caller's event stream over server-sent events. The
// connection doubles as a presence heartbeat and subscribes the user to
// their personal notification channel.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	conn := s.openConnection(identity, transport.KindSSE)
	defer s.engine.Connections.Unregister(conn.ID)

	ctx := observability.AddConnectionID(r.Context(), conn.ID)
	if err := s.engine.Connections.ServeSSE(w, r, conn, s.cfg.Realtime.HeartbeatInterval); err != nil {
		s.logger.Debug(ctx, "sse stream ended", "error", err)
	}
}

// handleWebSocket upgrades the request and runs the socket's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	ws, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	conn := s.openConnection(identity, transport.KindWebSocket)
	defer s.engine.Connections.Unregister(conn.ID)

	s.engine.Connections.ServeWebSocket(ws, conn, s.cfg.Realtime.HeartbeatInterval)
}

// openConnection registers a stream for the caller, marks them online, and
// joins them to their personal channel so direct notifications reach them.
func (s *Server) openConnection(identity *auth.Identity, kind transport.Kind) *transport.Connection {
	conn := transport.NewConnection(identity.UserID, identity.Name, identity.Role, kind, s.engine.clock.Now())
	s.engine.Connections.Register(conn)
	s.engine.Presence.Heartbeat(identity.UserID, identity.Name, identity.Role, nil)

	if ch, err := s.engine.Channels.CreateOrGet(models.ChannelUser, identity.UserID, channels.AccessPolicy{
		AllowedUsers: []string{identity.UserID},
	}); err == nil {
		_ = s.engine.Channels.Join(ch.ID, models.ChannelParticipant{
			UserID:   identity.UserID,
			UserName: identity.Name,
			Role:     identity.Role,
		})
	}
	return conn
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type               string   `json:"type"`
		Name               string   `json:"name"`
		Public             bool     `json:"public"`
		AllowedRoles       []string `json:"allowed_roles"`
		AllowedUsers       []string `json:"allowed_users"`
		MaxParticipants    int      `json:"max_participants"`
		RetentionHours     int      `json:"retention_hours"`
		RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.Name == "" {
		badRequest(w, "channel name required")
		return
	}

	roles := make([]models.Role, 0, len(req.AllowedRoles))
	for _, role := range req.AllowedRoles {
		roles = append(roles, models.Role(role))
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = s.cfg.Realtime.MaxParticipants
	}

	ch, err := s.engine.Channels.CreateOrGet(models.ChannelType(req.Type), req.Name, channels.AccessPolicy{
		Public:             req.Public,
		AllowedRoles:       roles,
		AllowedUsers:       req.AllowedUsers,
		MaxParticipants:    req.MaxParticipants,
		RetentionHours:     req.RetentionHours,
		RateLimitPerMinute: req.RateLimitPerMinute,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (s *Server) handleJoinChannel(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	channelID := r.PathValue("id")

	err := s.engine.Channels.Join(channelID, models.ChannelParticipant{
		UserID:   identity.UserID,
		UserName: identity.Name,
		Role:     identity.Role,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.notify(r, models.EventParticipantJoined, channelID, identity, models.PriorityNormal, map[string]any{
		"user_id":   identity.UserID,
		"user_name": identity.Name,
		"role":      string(identity.Role),
	})

	ch, err := s.engine.Channels.Get(channelID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (s *Server) handleLeaveChannel(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	channelID := r.PathValue("id")

	if err := s.engine.Channels.Leave(channelID, identity.UserID); err != nil {
		s.respondError(w, err)
		return
	}
	s.notify(r, models.EventParticipantLeft, channelID, identity, models.PriorityNormal, map[string]any{
		"user_id": identity.UserID,
		"reason":  "left",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")

	var roleFilter []models.Role
	for _, role := range r.URL.Query()["role"] {
		roleFilter = append(roleFilter, models.Role(role))
	}

	if _, err := s.engine.Channels.Get(channelID); err != nil {
		s.respondError(w, err)
		return
	}
	subscribers := s.engine.Channels.Subscribers(channelID, roleFilter)
	respondJSON(w, http.StatusOK, map[string]any{
		"channel_id":  channelID,
		"subscribers": subscribers,
	})
}

// handleChannelHistory serves recent journaled events for a channel,
// bounded by the channel's retention window.
func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	if s.engine.Journal == nil {
		respondJSON(w, http.StatusNotImplemented, errorBody{Error: "event journal is disabled"})
		return
	}
	channelID := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	// A channel's own retention can be tighter than the global purge, so
	// the window is applied at read time too.
	retention := time.Duration(s.cfg.Journal.RetentionHours) * time.Hour
	if ch, err := s.engine.Channels.Get(channelID); err == nil && ch.RetentionHours > 0 {
		retention = time.Duration(ch.RetentionHours) * time.Hour
	}
	notBefore := s.engine.clock.Now().Add(-retention)

	events, err := s.engine.Journal.Recent(r.Context(), channelID, limit, notBefore)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if events == nil {
		events = []*models.RealtimeEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"channel_id": channelID,
		"events":     events,
	})
}

// notify dispatches an engine-generated side event (join/leave, locks,
// typing) directly, bypassing the channel's publish budget so coordination
// traffic cannot starve user publishes. The actor is always excluded.
func (s *Server) notify(r *http.Request, eventType models.EventType, channelID string, identity *auth.Identity, priority models.Priority, data map[string]any) {
	event := s.engine.Dispatcher.NewEvent(eventType, channelID, identity.UserID, data)
	event.UserName = identity.Name
	event.UserRole = identity.Role
	event.Priority = priority
	event.ExcludeUsers = []string{identity.UserID}
	if _, err := s.engine.Dispatcher.Dispatch(r.Context(), event); err != nil {
		s.logger.Warn(r.Context(), "notification dispatch failed",
			"event_type", string(eventType),
			"channel_id", channelID,
			"error", err)
	}
}
