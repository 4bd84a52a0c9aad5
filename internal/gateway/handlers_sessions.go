package gateway

import (
	"net/http"
	"time"

	"github.com/storyweave/realtime/internal/auth"
	"github.com/storyweave/realtime/internal/channels"
	"github.com/storyweave/realtime/pkg/models"
)

func storyChannelID(documentID string) string {
	return channels.ChannelID(models.ChannelStory, documentID)
}

// handleJoinSession adds the caller to the document's collaboration session
// and subscribes them to the story channel so session events reach them.
func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	documentID := r.PathValue("documentID")

	var req struct {
		Permissions *models.SessionPermissions `json:"permissions"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	permissions := models.SessionPermissions{CanEdit: true, CanComment: true, CanView: true}
	if req.Permissions != nil {
		permissions = *req.Permissions
	}

	channelID := storyChannelID(documentID)
	if ch, err := s.engine.Channels.CreateOrGet(models.ChannelStory, documentID, channels.AccessPolicy{
		Public:          true,
		MaxParticipants: s.cfg.Realtime.MaxParticipants,
	}); err == nil {
		if err := s.engine.Channels.Join(ch.ID, models.ChannelParticipant{
			UserID:   identity.UserID,
			UserName: identity.Name,
			Role:     identity.Role,
		}); err != nil {
			s.respondError(w, err)
			return
		}
	}

	session := s.engine.Sessions.Join(documentID, models.SessionParticipant{
		UserID:      identity.UserID,
		UserName:    identity.Name,
		Role:        identity.Role,
		Permissions: permissions,
	})

	s.notify(r, models.EventParticipantJoined, channelID, identity, models.PriorityNormal, map[string]any{
		"document_id": documentID,
		"user_id":     identity.UserID,
		"user_name":   identity.Name,
	})
	respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleLeaveSession(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	documentID := r.PathValue("documentID")

	if err := s.engine.Sessions.Leave(documentID, identity.UserID); err != nil {
		s.respondError(w, err)
		return
	}
	_ = s.engine.Channels.Leave(storyChannelID(documentID), identity.UserID)

	s.notify(r, models.EventParticipantLeft, storyChannelID(documentID), identity, models.PriorityNormal, map[string]any{
		"document_id": documentID,
		"user_id":     identity.UserID,
		"reason":      "left",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.Sessions.Snapshot(r.PathValue("documentID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// handleRequestLock grants or refreshes the document's exclusive edit lock.
// A losing request returns 423 with the holder and expiry so the client can
// retry when the lease lapses.
func (s *Server) handleRequestLock(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	documentID := r.PathValue("documentID")

	var req struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.cfg.Realtime.LockTTL
	}

	lock, err := s.engine.Sessions.RequestLock(documentID, identity.UserID, ttl)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.notify(r, models.EventLockAcquired, storyChannelID(documentID), identity, models.PriorityHigh, map[string]any{
		"document_id": documentID,
		"user_id":     identity.UserID,
		"expires_at":  lock.ExpiresAt,
	})
	respondJSON(w, http.StatusOK, lock)
}

func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	documentID := r.PathValue("documentID")

	s.engine.Sessions.ReleaseLock(documentID, identity.UserID)
	s.notify(r, models.EventLockReleased, storyChannelID(documentID), identity, models.PriorityHigh, map[string]any{
		"document_id": documentID,
		"user_id":     identity.UserID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	documentID := r.PathValue("documentID")
	respondJSON(w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"lock":        s.engine.Sessions.LockInfo(documentID),
	})
}

// handleMutation runs the optimistic concurrency check for one document
// edit. On success the story channel hears about the new version.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	documentID := r.PathValue("documentID")

	var req struct {
		ExpectedVersion int64 `json:"expected_version"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	version, err := s.engine.Sessions.RecordMutation(documentID, req.ExpectedVersion)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.notify(r, models.EventStoryUpdated, storyChannelID(documentID), identity, models.PriorityNormal, map[string]any{
		"document_id": documentID,
		"version":     version,
		"user_id":     identity.UserID,
	})
	respondJSON(w, http.StatusOK, map[string]any{
		"document_id": documentID,
		"version":     version,
	})
}

// handleTyping upserts the caller's typing indicator and fans it out to the
// other session participants.
func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	documentID := r.PathValue("documentID")

	var indicator models.TypingIndicator
	if err := decodeJSON(r, &indicator); err != nil {
		badRequest(w, err.Error())
		return
	}
	indicator.UserID = identity.UserID
	indicator.UserName = identity.Name

	stored, err := s.engine.Sessions.UpdateTyping(documentID, indicator)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.notify(r, models.EventTypingIndicator, storyChannelID(documentID), identity, models.PriorityNormal, map[string]any{
		"indicator": stored,
	})
	respondJSON(w, http.StatusOK, stored)
}
