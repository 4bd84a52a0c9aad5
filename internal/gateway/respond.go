package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/storyweave/realtime/internal/channels"
	"github.com/storyweave/realtime/internal/dispatch"
	"github.com/storyweave/realtime/internal/sessions"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// respondError maps engine errors onto HTTP statuses. Contention errors
// (locks, stale versions, rate limits) are expected outcomes and carry
// enough detail for the client to schedule a retry.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var chErr *channels.Error
	var locked *sessions.LockedError
	var conflict *sessions.VersionConflictError

	switch {
	case errors.As(err, &chErr):
		body.Code = string(chErr.Code)
		body.Details = chErr.Context
		switch chErr.Code {
		case channels.ErrCodeAccessDenied:
			status = http.StatusForbidden
		case channels.ErrCodeChannelFull:
			status = http.StatusConflict
		case channels.ErrCodeRateLimited:
			status = http.StatusTooManyRequests
			if retry, ok := chErr.Context["retry_after"].(time.Duration); ok {
				seconds := int(retry.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				body.Details = map[string]any{"retry_after_seconds": seconds}
			}
		case channels.ErrCodeNotFound:
			status = http.StatusNotFound
		case channels.ErrCodeInvalidInput:
			status = http.StatusBadRequest
		}
	case errors.As(err, &locked):
		status = http.StatusLocked
		body.Code = "LOCKED"
		body.Details = map[string]any{
			"holder_id":  locked.HolderID,
			"expires_at": locked.ExpiresAt,
		}
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body.Code = "VERSION_CONFLICT"
		body.Details = map[string]any{
			"expected_version": conflict.Expected,
			"current_version":  conflict.Current,
		}
	case errors.Is(err, sessions.ErrSessionNotFound):
		status = http.StatusNotFound
		body.Code = "NOT_FOUND"
	case errors.Is(err, sessions.ErrNotParticipant):
		status = http.StatusForbidden
		body.Code = "ACCESS_DENIED"
	case errors.Is(err, dispatch.ErrInvalidEventType):
		status = http.StatusBadRequest
		body.Code = "INVALID_INPUT"
	}

	respondJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "INVALID_INPUT"})
}
