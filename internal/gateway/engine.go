// Package gateway wires the realtime engine together and exposes it over
// HTTP: JSON APIs for publishing and coordination, SSE and WebSocket for
// the event streams themselves.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/internal/channels"
	"github.com/storyweave/realtime/internal/config"
	"github.com/storyweave/realtime/internal/dispatch"
	"github.com/storyweave/realtime/internal/journal"
	"github.com/storyweave/realtime/internal/observability"
	"github.com/storyweave/realtime/internal/presence"
	"github.com/storyweave/realtime/internal/ratelimit"
	"github.com/storyweave/realtime/internal/sessions"
	"github.com/storyweave/realtime/internal/transport"
	"github.com/storyweave/realtime/internal/typing"
	"github.com/storyweave/realtime/pkg/models"
)

// Engine owns every component of the realtime core and their cross-wiring:
// the channel registry forwards published events to the dispatcher, the
// dispatcher fans out through the connection registry, and a dropped
// connection cascades cleanup through channels, sessions, and presence.
type Engine struct {
	Typing      *typing.Store
	Presence    *presence.Tracker
	Channels    *channels.Registry
	Sessions    *sessions.Manager
	Connections *transport.Registry
	Dispatcher  *dispatch.Dispatcher
	Journal     *journal.Journal
	Metrics     *observability.Metrics

	cfg       *config.Config
	clock     clockz.Clock
	logger    *observability.Logger
	slog      *slog.Logger
	cron      *cron.Cron
	startedAt time.Time
}

// NewEngine builds and wires the engine. logger, metrics, and clock may be
// nil; defaults are derived from cfg.
func NewEngine(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, clock clockz.Clock) (*Engine, error) {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	sl := logger.Slog()

	e := &Engine{
		Metrics:   metrics,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		slog:      sl,
		startedAt: clock.Now(),
	}

	e.Typing = typing.NewStore(cfg.Realtime.TypingTTL, clock)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		EventsPerMinute: cfg.Realtime.RateLimitPerMinute,
		Enabled:         true,
	}, clock)
	e.Channels = channels.NewRegistry(limiter, clock, sl)
	e.Sessions = sessions.NewManager(e.Typing, clock, sl)
	e.Connections = transport.NewRegistry(metrics, clock, sl)
	e.Presence = presence.NewTracker(clock, e.onPresenceChange)

	if cfg.Journal.Enabled {
		j, err := journal.Open(journal.Config{
			Path:       cfg.Journal.Path,
			BufferSize: cfg.Journal.BufferSize,
		}, metrics, clock, sl)
		if err != nil {
			return nil, err
		}
		e.Journal = j
	}

	var jrnl dispatch.Journal
	if e.Journal != nil {
		jrnl = e.Journal
	}
	e.Dispatcher = dispatch.NewDispatcher(e.Channels, e.Connections, jrnl, metrics, clock, sl)
	e.Channels.SetForwarder(e.Dispatcher)
	e.Connections.SetOfflineFunc(e.handleUserOffline)

	return e, nil
}

// Run starts the background sweeps and the journal purge schedule, then
// blocks until ctx is cancelled and shuts the engine down.
func (e *Engine) Run(ctx context.Context) {
	go e.sweepLoop(ctx, e.cfg.Realtime.TypingTTL, func() {
		e.Typing.Sweep()
	})
	go e.sweepLoop(ctx, e.cfg.Realtime.HeartbeatInterval, func() {
		e.Presence.SweepStale(e.cfg.Realtime.PresenceTimeout)
		e.Connections.SweepDead(e.cfg.Realtime.PresenceTimeout)
	})
	go e.sweepLoop(ctx, time.Minute, func() {
		e.Channels.SweepIdle(e.cfg.Realtime.ChannelIdleTimeout)
		e.Sessions.SweepIdle(e.cfg.Realtime.SessionIdleTimeout)
	})

	if e.Journal != nil {
		e.cron = cron.New()
		retention := time.Duration(e.cfg.Journal.RetentionHours) * time.Hour
		_, err := e.cron.AddFunc(e.cfg.Journal.PurgeSchedule, func() {
			removed, err := e.Journal.Prune(retention)
			if err != nil {
				e.slog.Warn("journal purge failed", "error", err)
				return
			}
			if removed > 0 {
				e.slog.Info("journal purged", "removed", removed)
			}
		})
		if err != nil {
			e.slog.Warn("invalid journal purge schedule, purge disabled",
				"schedule", e.cfg.Journal.PurgeSchedule, "error", err)
		} else {
			e.cron.Start()
		}
	}

	<-ctx.Done()
	e.shutdown()
}

func (e *Engine) shutdown() {
	if e.cron != nil {
		e.cron.Stop()
	}
	e.Connections.CloseAll()
	if e.Journal != nil {
		e.Journal.Flush()
		if err := e.Journal.Close(); err != nil {
			e.slog.Warn("journal close failed", "error", err)
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context, interval time.Duration, sweep func()) {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			sweep()
		}
	}
}

// handleUserOffline cascades a dropped connection through the engine: the
// user leaves every channel and session, their typing indicators and held
// locks clear, and their peers hear about it.
func (e *Engine) handleUserOffline(userID string) {
	ctx := context.Background()
	affected := e.Channels.UserChannels(userID)
	before := e.Presence.Get(userID)

	e.Channels.DisconnectUser(userID)
	e.Sessions.DisconnectUser(userID)
	e.Presence.MarkOffline(userID)

	for _, channelID := range affected {
		event := e.Dispatcher.NewEvent(models.EventParticipantLeft, channelID, userID, map[string]any{
			"user_id": userID,
			"reason":  "disconnected",
		})
		if _, err := e.Dispatcher.Dispatch(ctx, event); err != nil {
			e.slog.Warn("disconnect notification failed", "channel_id", channelID, "error", err)
		}
		if before != nil && before.Role == models.RoleMentor {
			mentorGone := e.Dispatcher.NewEvent(models.EventMentorOffline, channelID, userID, map[string]any{
				"user_id":   userID,
				"user_name": before.UserName,
			})
			_, _ = e.Dispatcher.Dispatch(ctx, mentorGone)
		}
	}
}

// onPresenceChange fans a presence transition out to the channels the user
// belongs to. Mentors get dedicated online/offline event types so writer
// clients can surface "your mentor is here" without diffing statuses.
func (e *Engine) onPresenceChange(p models.UserPresence) {
	ctx := context.Background()

	eventType := models.EventPresenceChanged
	if p.Role == models.RoleMentor {
		switch p.Status {
		case models.PresenceOnline:
			eventType = models.EventMentorOnline
		case models.PresenceOffline:
			eventType = models.EventMentorOffline
		}
	}

	data := map[string]any{
		"user_id":   p.UserID,
		"user_name": p.UserName,
		"status":    string(p.Status),
	}
	for _, channelID := range e.Channels.UserChannels(p.UserID) {
		event := e.Dispatcher.NewEvent(eventType, channelID, p.UserID, data)
		event.ExcludeUsers = []string{p.UserID}
		if _, err := e.Dispatcher.Dispatch(ctx, event); err != nil {
			e.slog.Warn("presence notification failed", "channel_id", channelID, "error", err)
		}
	}
}

// Stats assembles the point-in-time health snapshot for the stats API.
func (e *Engine) Stats() models.RealtimeMetrics {
	sse, ws := e.Connections.Counts()
	dispatched, delivered, failed, dropped, rateLimited := e.Metrics.Counters()
	now := e.clock.Now()

	return models.RealtimeMetrics{
		SSEConnections:      sse,
		WSConnections:       ws,
		ConnectedUsers:      len(e.Connections.Users()),
		ActiveChannels:      e.Channels.Count(),
		ActiveSessions:      e.Sessions.Count(),
		SessionParticipants: e.Sessions.ActiveParticipants(),
		OnlineUsers:         e.Presence.Online(),
		TypingIndicators:    e.Typing.Count(),
		EventsDispatched:    dispatched,
		EventsDelivered:     delivered,
		EventsFailed:        failed,
		EventsDropped:       dropped,
		RateLimitedEvents:   rateLimited,
		StartedAt:           e.startedAt,
		UptimeSeconds:       int64(now.Sub(e.startedAt).Seconds()),
	}
}
