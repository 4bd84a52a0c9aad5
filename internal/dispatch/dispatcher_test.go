package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/pkg/models"
)

type fakeRoster struct {
	participants []*models.ChannelParticipant
}

func (r *fakeRoster) Subscribers(_ string, roleFilter []models.Role) []*models.ChannelParticipant {
	if len(roleFilter) == 0 {
		return r.participants
	}
	var out []*models.ChannelParticipant
	for _, p := range r.participants {
		for _, role := range roleFilter {
			if p.Role == role {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

type fakeSink struct {
	pushed    []string
	reachable map[string]bool
	connected []string
}

func (s *fakeSink) Push(userID string, _ *models.RealtimeEvent) error {
	if !s.reachable[userID] {
		return errors.New("no active connection")
	}
	s.pushed = append(s.pushed, userID)
	return nil
}

func (s *fakeSink) Broadcast(_ *models.RealtimeEvent) (delivered, failed []string) {
	for _, userID := range s.connected {
		if s.reachable[userID] {
			delivered = append(delivered, userID)
		} else {
			failed = append(failed, userID)
		}
	}
	return delivered, failed
}

type captureJournal struct {
	recorded []*models.RealtimeEvent
}

func (j *captureJournal) Record(event *models.RealtimeEvent) {
	j.recorded = append(j.recorded, event)
}

func participant(id string, role models.Role) *models.ChannelParticipant {
	return &models.ChannelParticipant{UserID: id, Role: role}
}

func TestDispatcher_DeliveryTracking(t *testing.T) {
	roster := &fakeRoster{participants: []*models.ChannelParticipant{
		participant("alice", models.RoleWriter),
		participant("bob", models.RoleWriter),
		participant("carol", models.RoleWriter),
	}}
	sink := &fakeSink{reachable: map[string]bool{"alice": true, "carol": true}}
	journal := &captureJournal{}
	d := NewDispatcher(roster, sink, journal, nil, clockz.NewFakeClock(), nil)

	event, err := d.Dispatch(context.Background(), &models.RealtimeEvent{
		Type:      models.EventCommentAdded,
		ChannelID: "story:42",
		UserID:    "alice",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if event.ID == "" || event.Timestamp.IsZero() {
		t.Error("dispatch should stamp id and timestamp")
	}
	if len(event.DeliveredTo) != 2 {
		t.Errorf("delivered to %v, want alice and carol", event.DeliveredTo)
	}
	if len(event.FailedDelivery) != 1 || event.FailedDelivery[0] != "bob" {
		t.Errorf("failed = %v, want [bob]", event.FailedDelivery)
	}
	if len(journal.recorded) != 1 {
		t.Errorf("journal saw %d events, want 1", len(journal.recorded))
	}
}

func TestDispatcher_ResetsPreSeededTrackingSets(t *testing.T) {
	roster := &fakeRoster{participants: []*models.ChannelParticipant{
		participant("alice", models.RoleWriter),
	}}
	sink := &fakeSink{reachable: map[string]bool{"alice": true}}
	d := NewDispatcher(roster, sink, nil, nil, clockz.NewFakeClock(), nil)

	// A caller handing in an event with populated tracking sets must not be
	// able to pollute the result: the sets reflect only this dispatch.
	event, err := d.Dispatch(context.Background(), &models.RealtimeEvent{
		Type:           models.EventCommentAdded,
		ChannelID:      "story:42",
		DeliveredTo:    []string{"mallory"},
		FailedDelivery: []string{"mallory"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(event.DeliveredTo) != 1 || event.DeliveredTo[0] != "alice" {
		t.Errorf("delivered = %v, want [alice]", event.DeliveredTo)
	}
	if len(event.FailedDelivery) != 0 {
		t.Errorf("failed = %v, want empty", event.FailedDelivery)
	}

	event, err = d.BroadcastGlobal(context.Background(), &models.RealtimeEvent{
		Type:           models.EventSystemNotice,
		DeliveredTo:    []string{"mallory"},
		FailedDelivery: []string{"mallory"},
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for _, userID := range append(event.DeliveredTo, event.FailedDelivery...) {
		if userID == "mallory" {
			t.Error("pre-seeded user survived the broadcast tracking reset")
		}
	}
}

func TestDispatcher_Targeting(t *testing.T) {
	roster := &fakeRoster{participants: []*models.ChannelParticipant{
		participant("alice", models.RoleWriter),
		participant("bob", models.RoleWriter),
		participant("m1", models.RoleMentor),
	}}
	sink := &fakeSink{reachable: map[string]bool{"alice": true, "bob": true, "m1": true}}
	d := NewDispatcher(roster, sink, nil, nil, clockz.NewFakeClock(), nil)

	// TargetUsers restricts delivery to the named subscribers only.
	event, _ := d.Dispatch(context.Background(), &models.RealtimeEvent{
		Type:        models.EventAchievementUnlocked,
		ChannelID:   "story:42",
		TargetUsers: []string{"bob", "not-subscribed"},
	})
	if len(event.DeliveredTo) != 1 || event.DeliveredTo[0] != "bob" {
		t.Errorf("target delivery = %v, want [bob]", event.DeliveredTo)
	}

	// ExcludeUsers removes the sender from a typing fan-out.
	sink.pushed = nil
	event, _ = d.Dispatch(context.Background(), &models.RealtimeEvent{
		Type:         models.EventTypingIndicator,
		ChannelID:    "story:42",
		UserID:       "alice",
		ExcludeUsers: []string{"alice"},
	})
	for _, userID := range event.DeliveredTo {
		if userID == "alice" {
			t.Error("excluded sender must not receive the event")
		}
	}
	if len(event.DeliveredTo) != 2 {
		t.Errorf("delivered = %v, want bob and m1", event.DeliveredTo)
	}

	// RoleFilter narrows to mentors.
	event, _ = d.Dispatch(context.Background(), &models.RealtimeEvent{
		Type:       models.EventSystemNotice,
		ChannelID:  "story:42",
		RoleFilter: []models.Role{models.RoleMentor},
	})
	if len(event.DeliveredTo) != 1 || event.DeliveredTo[0] != "m1" {
		t.Errorf("role-filtered delivery = %v, want [m1]", event.DeliveredTo)
	}
}

func TestDispatcher_ExpiredEventIsNoOp(t *testing.T) {
	clock := clockz.NewFakeClock()
	roster := &fakeRoster{participants: []*models.ChannelParticipant{participant("alice", models.RoleWriter)}}
	sink := &fakeSink{reachable: map[string]bool{"alice": true}}
	d := NewDispatcher(roster, sink, nil, nil, clock, nil)

	expiry := clock.Now().Add(-time.Second)
	event, err := d.Dispatch(context.Background(), &models.RealtimeEvent{
		Type:      models.EventSystemNotice,
		ChannelID: "story:42",
		ExpiresAt: &expiry,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(event.DeliveredTo) != 0 || len(event.FailedDelivery) != 0 {
		t.Error("expired event must leave both tracking sets empty")
	}
	if len(sink.pushed) != 0 {
		t.Error("expired event must not reach the transport")
	}
}

func TestDispatcher_InvalidType(t *testing.T) {
	d := NewDispatcher(&fakeRoster{}, &fakeSink{}, nil, nil, clockz.NewFakeClock(), nil)

	if _, err := d.Dispatch(context.Background(), &models.RealtimeEvent{Type: "bogus"}); !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("got %v, want ErrInvalidEventType", err)
	}
}

func TestDispatcher_BroadcastGlobal(t *testing.T) {
	sink := &fakeSink{
		connected: []string{"alice", "bob", "stranger"},
		reachable: map[string]bool{"alice": true, "stranger": true},
	}
	d := NewDispatcher(&fakeRoster{}, sink, nil, nil, clockz.NewFakeClock(), nil)

	event, err := d.BroadcastGlobal(context.Background(), &models.RealtimeEvent{
		Type: models.EventSystemNotice,
		Data: map[string]any{"message": "maintenance in 5 minutes"},
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(event.DeliveredTo) != 2 {
		t.Errorf("delivered = %v, want alice and stranger", event.DeliveredTo)
	}
	if len(event.FailedDelivery) != 1 || event.FailedDelivery[0] != "bob" {
		t.Errorf("failed = %v, want [bob]", event.FailedDelivery)
	}
}

func TestDispatcher_NewEvent(t *testing.T) {
	clock := clockz.NewFakeClock()
	d := NewDispatcher(&fakeRoster{}, &fakeSink{}, nil, nil, clock, nil)

	event := d.NewEvent(models.EventLockAcquired, "story:42", "alice", map[string]any{"document_id": "doc-1"})
	if event.ID == "" {
		t.Error("NewEvent should assign an id")
	}
	if !event.Timestamp.Equal(clock.Now()) {
		t.Error("NewEvent should stamp the build time")
	}

	other := d.NewEvent(models.EventLockReleased, "story:42", "alice", nil)
	if other.ID == event.ID {
		t.Error("ids must be unique")
	}
}
