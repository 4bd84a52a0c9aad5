package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/internal/auth"
	"github.com/storyweave/realtime/internal/config"
	"github.com/storyweave/realtime/internal/observability"
	"github.com/storyweave/realtime/pkg/models"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *clockz.FakeClock) {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Journal.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	clock := clockz.NewFakeClock()
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine, err := NewEngine(cfg, logger, metrics, clock)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() {
		if engine.Journal != nil {
			engine.Journal.Close()
		}
	})
	return NewServer(cfg, engine, logger), clock
}

func doRequest(t *testing.T, s *Server, identity *auth.Identity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if identity != nil {
		token, err := s.JWT().Generate(*identity)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func alice() *auth.Identity {
	return &auth.Identity{UserID: "alice", Name: "Alice", Role: models.RoleWriter}
}

func bob() *auth.Identity {
	return &auth.Identity{UserID: "bob", Name: "Bob", Role: models.RoleWriter}
}

func TestGateway_RequiresAuth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, nil, "GET", "/api/realtime/stats", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	// Health and metrics stay open for probes and scrapers.
	if rec := doRequest(t, s, nil, "GET", "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
	if rec := doRequest(t, s, nil, "GET", "/metrics", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", rec.Code)
	}
}

func TestGateway_PublishStampsIdentity(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, alice(), "POST", "/api/events", map[string]any{
		"type":       "comment_added",
		"channel_id": "story:42",
		"user_id":    "mallory", // must be overridden by the token identity
		"data":       map[string]any{"text": "nice chapter!"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var event models.RealtimeEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatal(err)
	}
	if event.UserID != "alice" {
		t.Errorf("user_id = %q, want alice (from token)", event.UserID)
	}
	if event.ID == "" {
		t.Error("event should have an assigned id")
	}
}

func TestGateway_PublishUnknownTypeRejected(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, alice(), "POST", "/api/events", map[string]any{
		"type":       "bogus_event",
		"channel_id": "story:42",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGateway_PublishRateLimited(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, alice(), "POST", "/api/channels", map[string]any{
		"type":                  "story",
		"name":                  "rate-test",
		"public":                true,
		"rate_limit_per_minute": 2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create channel: status %d, body %s", rec.Code, rec.Body.String())
	}

	body := map[string]any{"type": "comment_added", "channel_id": "story:rate-test"}
	for i := 0; i < 2; i++ {
		if rec := doRequest(t, s, alice(), "POST", "/api/events", body); rec.Code != http.StatusAccepted {
			t.Fatalf("publish %d: status %d", i, rec.Code)
		}
	}

	rec = doRequest(t, s, alice(), "POST", "/api/events", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 must carry a Retry-After header")
	}
}

func TestGateway_LockContentionMapsTo423(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if rec := doRequest(t, s, alice(), "POST", "/api/documents/doc-1/lock", nil); rec.Code != http.StatusOK {
		t.Fatalf("alice lock: status %d", rec.Code)
	}

	rec := doRequest(t, s, bob(), "POST", "/api/documents/doc-1/lock", nil)
	if rec.Code != http.StatusLocked {
		t.Fatalf("bob lock: status = %d, want 423", rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != "LOCKED" || body.Details["holder_id"] != "alice" {
		t.Errorf("error body = %+v", body)
	}

	// Release, then bob succeeds.
	if rec := doRequest(t, s, alice(), "DELETE", "/api/documents/doc-1/lock", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("release: status %d", rec.Code)
	}
	if rec := doRequest(t, s, bob(), "POST", "/api/documents/doc-1/lock", nil); rec.Code != http.StatusOK {
		t.Errorf("bob lock after release: status %d", rec.Code)
	}
}

func TestGateway_VersionConflictMapsTo409(t *testing.T) {
	s, _ := newTestServer(t, nil)
	doRequest(t, s, alice(), "POST", "/api/sessions/doc-1/join", nil)

	rec := doRequest(t, s, alice(), "POST", "/api/documents/doc-1/mutations", map[string]any{"expected_version": 0})
	if rec.Code != http.StatusOK {
		t.Fatalf("first mutation: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, alice(), "POST", "/api/documents/doc-1/mutations", map[string]any{"expected_version": 0})
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale mutation: status = %d, want 409", rec.Code)
	}
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != "VERSION_CONFLICT" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestGateway_SessionJoinAndSnapshot(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, alice(), "POST", "/api/sessions/doc-1/join", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("join: status %d, body %s", rec.Code, rec.Body.String())
	}

	doRequest(t, s, bob(), "POST", "/api/sessions/doc-1/join", nil)

	rec = doRequest(t, s, alice(), "GET", "/api/sessions/doc-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: status %d", rec.Code)
	}
	var session models.CollaborationSession
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatal(err)
	}
	if len(session.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(session.Participants))
	}

	// Joining the session also joins the story channel.
	rec = doRequest(t, s, alice(), "GET", "/api/channels/story:doc-1/subscribers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("subscribers: status %d", rec.Code)
	}
	var subs struct {
		Subscribers []models.ChannelParticipant `json:"subscribers"`
	}
	json.Unmarshal(rec.Body.Bytes(), &subs)
	if len(subs.Subscribers) != 2 {
		t.Errorf("story channel subscribers = %d, want 2", len(subs.Subscribers))
	}
}

func TestGateway_BroadcastRequiresModerator(t *testing.T) {
	s, _ := newTestServer(t, nil)

	body := map[string]any{"type": "system_notice", "data": map[string]any{"message": "hi"}}
	if rec := doRequest(t, s, alice(), "POST", "/api/broadcast", body); rec.Code != http.StatusForbidden {
		t.Errorf("writer broadcast: status = %d, want 403", rec.Code)
	}

	moderator := &auth.Identity{UserID: "mod", Name: "Mod", Role: models.RoleModerator}
	if rec := doRequest(t, s, moderator, "POST", "/api/broadcast", body); rec.Code != http.StatusAccepted {
		t.Errorf("moderator broadcast: status = %d, want 202", rec.Code)
	}
}

func TestGateway_PresenceHeartbeatAndStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, alice(), "POST", "/api/presence/heartbeat", map[string]any{
		"activity": map[string]any{"type": "writing", "document_id": "doc-1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat: status %d", rec.Code)
	}
	var p models.UserPresence
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Status != models.PresenceOnline || p.Activity == nil || p.Activity.DocumentID != "doc-1" {
		t.Errorf("presence = %+v", p)
	}

	rec = doRequest(t, s, alice(), "PUT", "/api/presence/status", map[string]any{"status": "away"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set status: status %d", rec.Code)
	}

	rec = doRequest(t, s, bob(), "GET", "/api/presence/alice", nil)
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.Status != models.PresenceAway {
		t.Errorf("status = %s, want away", p.Status)
	}

	if rec := doRequest(t, s, alice(), "PUT", "/api/presence/status", map[string]any{"status": "invisible"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status: status = %d, want 400", rec.Code)
	}
}

func TestGateway_ChannelHistoryFromJournal(t *testing.T) {
	s, _ := newTestServer(t, nil)

	doRequest(t, s, alice(), "POST", "/api/events", map[string]any{
		"type":       "comment_added",
		"channel_id": "story:42",
	})
	s.engine.Journal.Flush()

	rec := doRequest(t, s, alice(), "GET", "/api/channels/story:42/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: status %d", rec.Code)
	}
	var body struct {
		Events []models.RealtimeEvent `json:"events"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Events) != 1 || body.Events[0].Type != models.EventCommentAdded {
		t.Errorf("events = %+v", body.Events)
	}
}

func TestGateway_Stats(t *testing.T) {
	s, _ := newTestServer(t, nil)

	doRequest(t, s, alice(), "POST", "/api/sessions/doc-1/join", nil)
	doRequest(t, s, alice(), "POST", "/api/events", map[string]any{
		"type":       "comment_added",
		"channel_id": "story:42",
	})

	rec := doRequest(t, s, alice(), "GET", "/api/realtime/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status %d", rec.Code)
	}
	var stats models.RealtimeMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("active sessions = %d, want 1", stats.ActiveSessions)
	}
	if stats.EventsDispatched < 1 {
		t.Errorf("events dispatched = %d, want >= 1", stats.EventsDispatched)
	}
}

func TestGateway_TypingFlow(t *testing.T) {
	s, _ := newTestServer(t, nil)
	doRequest(t, s, alice(), "POST", "/api/sessions/doc-1/join", nil)

	rec := doRequest(t, s, alice(), "POST", "/api/documents/doc-1/typing", map[string]any{
		"typing":          true,
		"cursor_position": 120,
		"cursor_color":    "#ff8800",
		"initials":        "AL",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("typing: status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, alice(), "GET", "/api/sessions/doc-1", nil)
	var session models.CollaborationSession
	json.Unmarshal(rec.Body.Bytes(), &session)
	if len(session.Typing) != 1 || session.Typing[0].CursorPosition != 120 {
		t.Errorf("typing = %+v", session.Typing)
	}
}

func TestGateway_PublishScrubsClientEventFields(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, alice(), "POST", "/api/events", map[string]any{
		"type":            "comment_added",
		"channel_id":      "story:42",
		"id":              "client-chosen-id",
		"delivered_to":    []string{"mallory"},
		"failed_delivery": []string{"mallory"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var event models.RealtimeEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatal(err)
	}
	if event.ID == "client-chosen-id" {
		t.Error("client-supplied event id must be replaced")
	}
	for _, userID := range append(event.DeliveredTo, event.FailedDelivery...) {
		if userID == "mallory" {
			t.Errorf("pre-seeded tracking entry survived: delivered=%v failed=%v",
				event.DeliveredTo, event.FailedDelivery)
		}
	}
}

func TestGateway_ChannelHistoryHonorsChannelRetention(t *testing.T) {
	s, clock := newTestServer(t, nil)

	rec := doRequest(t, s, alice(), "POST", "/api/channels", map[string]any{
		"type":            "story",
		"name":            "short-lived",
		"public":          true,
		"retention_hours": 1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create channel: status %d, body %s", rec.Code, rec.Body.String())
	}

	doRequest(t, s, alice(), "POST", "/api/events", map[string]any{
		"type":       "comment_added",
		"channel_id": "story:short-lived",
	})
	s.engine.Journal.Flush()

	var body struct {
		Events []models.RealtimeEvent `json:"events"`
	}
	rec = doRequest(t, s, alice(), "GET", "/api/channels/story:short-lived/events", nil)
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Events) != 1 {
		t.Fatalf("fresh history = %d events, want 1", len(body.Events))
	}

	// Past the channel's 1h retention the event must not be replayed, even
	// though the global purge has not run.
	clock.Advance(6 * time.Hour)
	rec = doRequest(t, s, alice(), "GET", "/api/channels/story:short-lived/events", nil)
	body.Events = nil
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Events) != 0 {
		t.Errorf("history served %d event(s) older than the retention window", len(body.Events))
	}
}

func TestGateway_LockDefaultsToConfiguredTTL(t *testing.T) {
	s, clock := newTestServer(t, func(cfg *config.Config) {
		cfg.Realtime.LockTTL = 2 * time.Minute
	})

	rec := doRequest(t, s, alice(), "POST", "/api/documents/doc-1/lock", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lock: status %d, body %s", rec.Code, rec.Body.String())
	}

	var lock models.DocumentLock
	if err := json.Unmarshal(rec.Body.Bytes(), &lock); err != nil {
		t.Fatal(err)
	}
	if got := lock.ExpiresAt.Sub(clock.Now()); got != 2*time.Minute {
		t.Errorf("lock lease = %v, want the configured 2m", got)
	}

	// An explicit TTL in the request still wins.
	doRequest(t, s, alice(), "DELETE", "/api/documents/doc-1/lock", nil)
	rec = doRequest(t, s, alice(), "POST", "/api/documents/doc-1/lock", map[string]any{"ttl_seconds": 45})
	json.Unmarshal(rec.Body.Bytes(), &lock)
	if got := lock.ExpiresAt.Sub(clock.Now()); got != 45*time.Second {
		t.Errorf("explicit lease = %v, want 45s", got)
	}
}

func TestGateway_ChannelCapDefaultsFromConfig(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Realtime.MaxParticipants = 1
	})

	rec := doRequest(t, s, alice(), "POST", "/api/channels", map[string]any{
		"type":   "story",
		"name":   "cozy",
		"public": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create channel: status %d", rec.Code)
	}

	if rec := doRequest(t, s, alice(), "POST", "/api/channels/story:cozy/join", nil); rec.Code != http.StatusOK {
		t.Fatalf("alice join: status %d", rec.Code)
	}
	rec = doRequest(t, s, bob(), "POST", "/api/channels/story:cozy/join", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("bob join: status = %d, want 409", rec.Code)
	}
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != "CHANNEL_FULL" {
		t.Errorf("code = %q, want CHANNEL_FULL", body.Code)
	}
}
