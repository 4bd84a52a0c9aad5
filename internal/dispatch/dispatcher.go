// Package dispatch routes published events to their audience.
//
// The dispatcher resolves each event's audience from the channel roster,
// enqueues one frame per recipient on the transport layer, and records the
// per-recipient outcome on the event's delivery-tracking sets. Enqueueing
// never blocks on a slow consumer: the transport either accepts the frame
// into the connection's buffered queue or rejects it immediately.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/internal/observability"
	"github.com/storyweave/realtime/pkg/models"
)

// ErrInvalidEventType is returned for events outside the closed type set.
var ErrInvalidEventType = errors.New("dispatch: unknown event type")

// Sink is the transport layer the dispatcher hands frames to.
type Sink interface {
	// Push enqueues the event for one user's active connection. It returns
	// an error when the user has no connection or the connection's queue
	// is full; it never blocks.
	Push(userID string, event *models.RealtimeEvent) error

	// Broadcast enqueues the event on every active connection and reports
	// which user ids were reached.
	Broadcast(event *models.RealtimeEvent) (delivered, failed []string)
}

// Roster resolves a channel's current audience.
type Roster interface {
	Subscribers(channelID string, roleFilter []models.Role) []*models.ChannelParticipant
}

// Journal receives a best-effort copy of every dispatched event.
type Journal interface {
	Record(event *models.RealtimeEvent)
}

// Dispatcher fans events out to connected recipients.
// Dispatcher is safe for concurrent use; events themselves must not be
// shared across concurrent Dispatch calls.
type Dispatcher struct {
	roster  Roster
	sink    Sink
	journal Journal
	metrics *observability.Metrics
	clock   clockz.Clock
	logger  *slog.Logger
}

// NewDispatcher wires a dispatcher. journal and metrics may be nil.
func NewDispatcher(roster Roster, sink Sink, journal Journal, metrics *observability.Metrics, clock clockz.Clock, logger *slog.Logger) *Dispatcher {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		roster:  roster,
		sink:    sink,
		journal: journal,
		metrics: metrics,
		clock:   clock,
		logger:  logger,
	}
}

// NewEvent builds an event with a fresh id and timestamp, ready to publish.
func (d *Dispatcher) NewEvent(eventType models.EventType, channelID, userID string, data map[string]any) *models.RealtimeEvent {
	return &models.RealtimeEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		ChannelID: channelID,
		UserID:    userID,
		Data:      data,
		Timestamp: d.clock.Now(),
	}
}

// Dispatch resolves the event's audience and enqueues one frame per
// recipient, populating DeliveredTo and FailedDelivery as it goes.
//
// The audience is the channel's active subscribers, filtered by RoleFilter,
// minus ExcludeUsers, restricted to TargetUsers when non-empty. An expired
// event is a quiet no-op: no frames are pushed and both tracking sets come
// back empty. Delivery here means "accepted onto the connection's queue";
// the transport owns the actual write.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.RealtimeEvent) (*models.RealtimeEvent, error) {
	if !event.Type.Valid() {
		return nil, ErrInvalidEventType
	}
	start := d.clock.Now()
	d.prepare(event, start)

	if event.Expired(start) {
		if d.metrics != nil {
			d.metrics.EventDropped("expired")
		}
		d.logger.Debug("expired event dropped",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"channel_id", event.ChannelID)
		return event, nil
	}

	for _, userID := range d.audience(event) {
		if err := d.sink.Push(userID, event); err != nil {
			event.MarkFailed(userID)
		} else {
			event.MarkDelivered(userID)
		}
	}

	d.finish(event, start)
	return event, nil
}

// BroadcastGlobal pushes the event to every active connection regardless of
// channel membership. Used for platform-wide notices and shutdown warnings.
func (d *Dispatcher) BroadcastGlobal(ctx context.Context, event *models.RealtimeEvent) (*models.RealtimeEvent, error) {
	if !event.Type.Valid() {
		return nil, ErrInvalidEventType
	}
	start := d.clock.Now()
	d.prepare(event, start)

	if event.Expired(start) {
		if d.metrics != nil {
			d.metrics.EventDropped("expired")
		}
		return event, nil
	}

	delivered, failed := d.sink.Broadcast(event)
	for _, userID := range delivered {
		event.MarkDelivered(userID)
	}
	for _, userID := range failed {
		event.MarkFailed(userID)
	}

	d.finish(event, start)
	return event, nil
}

// prepare stamps missing identity fields and claims the delivery-tracking
// sets. The sets are dispatcher-owned: whatever a caller put there is
// discarded so the result reflects only this dispatch.
func (d *Dispatcher) prepare(event *models.RealtimeEvent, now time.Time) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	event.DeliveredTo = nil
	event.FailedDelivery = nil
}

func (d *Dispatcher) finish(event *models.RealtimeEvent, start time.Time) {
	if d.journal != nil {
		d.journal.Record(event)
	}
	if d.metrics != nil {
		d.metrics.EventDispatched(string(event.Type), string(event.EffectivePriority()), d.clock.Now().Sub(start).Seconds())
	}
	d.logger.Debug("event dispatched",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"channel_id", event.ChannelID,
		"delivered", len(event.DeliveredTo),
		"failed", len(event.FailedDelivery))
}

// audience resolves the recipient user ids for a channel-scoped event.
func (d *Dispatcher) audience(event *models.RealtimeEvent) []string {
	subscribers := d.roster.Subscribers(event.ChannelID, event.RoleFilter)

	exclude := toSet(event.ExcludeUsers)
	var target map[string]struct{}
	if len(event.TargetUsers) > 0 {
		target = toSet(event.TargetUsers)
	}

	seen := make(map[string]struct{}, len(subscribers))
	out := make([]string, 0, len(subscribers))
	for _, p := range subscribers {
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		seen[p.UserID] = struct{}{}
		if _, skip := exclude[p.UserID]; skip {
			continue
		}
		if target != nil {
			if _, ok := target[p.UserID]; !ok {
				continue
			}
		}
		out = append(out, p.UserID)
	}
	return out
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, s := range list {
		set[s] = struct{}{}
	}
	return set
}
