package gateway

import (
	"net/http"

	"github.com/storyweave/realtime/internal/auth"
	"github.com/storyweave/realtime/pkg/models"
)

// handleHeartbeat refreshes the caller's presence. Clients without an open
// stream (mobile apps backgrounding, flaky networks) use this to stay
// visible between reconnects.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	var req struct {
		Activity *models.Activity `json:"activity"`
	}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	p := s.engine.Presence.Heartbeat(identity.UserID, identity.Name, identity.Role, req.Activity)
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	var req struct {
		Status models.PresenceStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if !req.Status.Valid() {
		badRequest(w, "unknown presence status")
		return
	}

	p := s.engine.Presence.SetStatus(identity.UserID, req.Status)
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handlePresenceList(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"users": s.engine.Presence.Snapshot(),
	})
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Presence.Get(r.PathValue("userID")))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Stats())
}
