package journal

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/pkg/models"
)

func testEvent(id, channelID string, ts time.Time) *models.RealtimeEvent {
	return &models.RealtimeEvent{
		ID:          id,
		Type:        models.EventCommentAdded,
		ChannelID:   channelID,
		UserID:      "alice",
		Timestamp:   ts,
		DeliveredTo: []string{"bob"},
	}
}

func TestJournal_RecordAndRecent(t *testing.T) {
	clock := clockz.NewFakeClock()
	j, err := Open(Config{}, nil, clock, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	base := clock.Now()
	j.Record(testEvent("e1", "story:42", base))
	j.Record(testEvent("e2", "story:42", base.Add(time.Second)))
	j.Record(testEvent("e3", "story:7", base))
	j.Flush()

	events, err := j.Recent(context.Background(), "story:42", 10, time.Time{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Newest first.
	if events[0].ID != "e2" || events[1].ID != "e1" {
		t.Errorf("order = %s, %s; want e2, e1", events[0].ID, events[1].ID)
	}
	if len(events[0].DeliveredTo) != 1 || events[0].DeliveredTo[0] != "bob" {
		t.Error("payload should round-trip delivery tracking")
	}
}

func TestJournal_Prune(t *testing.T) {
	clock := clockz.NewFakeClock()
	j, err := Open(Config{}, nil, clock, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	old := clock.Now().Add(-25 * time.Hour)
	j.Record(testEvent("old", "story:42", old))
	j.Record(testEvent("fresh", "story:42", clock.Now()))
	j.Flush()

	removed, err := j.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("pruned %d rows, want 1", removed)
	}

	events, _ := j.Recent(context.Background(), "story:42", 10, time.Time{})
	if len(events) != 1 || events[0].ID != "fresh" {
		t.Errorf("surviving events = %v", events)
	}
}

func TestJournal_RecentHonorsWindow(t *testing.T) {
	clock := clockz.NewFakeClock()
	j, err := Open(Config{}, nil, clock, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	base := clock.Now()
	j.Record(testEvent("stale", "story:42", base.Add(-6*time.Hour)))
	j.Record(testEvent("fresh", "story:42", base))
	j.Flush()

	events, err := j.Recent(context.Background(), "story:42", 10, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].ID != "fresh" {
		t.Errorf("windowed events = %v, want only fresh", events)
	}

	// The zero time disables the window entirely.
	events, _ = j.Recent(context.Background(), "story:42", 10, time.Time{})
	if len(events) != 2 {
		t.Errorf("unwindowed events = %d, want 2", len(events))
	}
}

func TestJournal_RecordNeverBlocks(t *testing.T) {
	clock := clockz.NewFakeClock()
	j, err := Open(Config{BufferSize: 2}, nil, clock, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	// Overfill the queue well past its depth; the call must return
	// immediately regardless of how many entries the writer has drained.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			j.Record(testEvent("e", "story:42", clock.Now()))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked")
	}
}
