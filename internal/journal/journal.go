// Package journal persists a best-effort trail of dispatched events.
//
// Delivery never waits on the database: Record hands the event to a
// buffered queue consumed by a single writer goroutine, and when the queue
// is full the event is simply not journaled. The journal backs the recent
// history endpoint and offline troubleshooting, not correctness.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/storyweave/realtime/internal/observability"
	"github.com/storyweave/realtime/pkg/models"
)

// DefaultBufferSize bounds the write queue.
const DefaultBufferSize = 1024

// DefaultRetention is how long journaled events are kept before Prune
// removes them.
const DefaultRetention = 24 * time.Hour

// Config configures the journal.
type Config struct {
	// Path is the SQLite database file. Empty means in-memory.
	Path string

	// BufferSize is the write queue depth (default 1024).
	BufferSize int
}

type entry struct {
	event *models.RealtimeEvent
	ack   chan struct{}
}

// Journal is an async, best-effort event log on SQLite.
type Journal struct {
	db        *sql.DB
	queue     chan entry
	done      chan struct{}
	closeOnce sync.Once

	metrics *observability.Metrics
	clock   clockz.Clock
	logger  *slog.Logger
}

// Open opens the database, creates the schema, and starts the writer.
// metrics may be nil.
func Open(cfg Config, metrics *observability.Metrics, clock clockz.Clock, logger *slog.Logger) (*Journal, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	// The single writer goroutine is the only concurrent writer SQLite
	// ever sees.
	db.SetMaxOpenConns(1)

	j := &Journal{
		db:      db,
		queue:   make(chan entry, cfg.BufferSize),
		done:    make(chan struct{}),
		metrics: metrics,
		clock:   clock,
		logger:  logger,
	}
	if err := j.init(); err != nil {
		db.Close()
		return nil, err
	}

	go j.writer()
	return j, nil
}

func (j *Journal) init() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT,
			priority TEXT,
			payload TEXT NOT NULL,
			delivered_count INTEGER NOT NULL DEFAULT 0,
			failed_count INTEGER NOT NULL DEFAULT 0,
			created_at_unix INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("journal: create events table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at_unix)",
	}
	for _, idx := range indexes {
		if _, err := j.db.Exec(idx); err != nil {
			return fmt.Errorf("journal: create index: %w", err)
		}
	}
	return nil
}

// Record queues the event for persistence. Never blocks: when the queue is
// full the event is dropped and counted.
func (j *Journal) Record(event *models.RealtimeEvent) {
	select {
	case j.queue <- entry{event: event}:
	default:
		if j.metrics != nil {
			j.metrics.JournalWrite("dropped")
		}
	}
}

// Flush blocks until every event queued before the call has been written.
func (j *Journal) Flush() {
	ack := make(chan struct{})
	select {
	case j.queue <- entry{ack: ack}:
		<-ack
	case <-j.done:
	}
}

func (j *Journal) writer() {
	for {
		select {
		case <-j.done:
			return
		case e := <-j.queue:
			if e.ack != nil {
				close(e.ack)
				continue
			}
			j.write(e.event)
		}
	}
}

func (j *Journal) write(event *models.RealtimeEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		j.logger.Warn("journal encode failed", "event_id", event.ID, "error", err)
		if j.metrics != nil {
			j.metrics.JournalWrite("error")
		}
		return
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = j.clock.Now()
	}
	_, err = j.db.Exec(`
		INSERT OR REPLACE INTO events
			(id, event_type, channel_id, user_id, priority, payload, delivered_count, failed_count, created_at_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Type),
		event.ChannelID,
		event.UserID,
		string(event.EffectivePriority()),
		string(payload),
		len(event.DeliveredTo),
		len(event.FailedDelivery),
		ts.UnixNano(),
	)
	if err != nil {
		j.logger.Warn("journal write failed", "event_id", event.ID, "error", err)
		if j.metrics != nil {
			j.metrics.JournalWrite("error")
		}
		return
	}
	if j.metrics != nil {
		j.metrics.JournalWrite("written")
	}
}

// Recent returns up to limit journaled events for a channel, newest first.
// Events recorded before notBefore are excluded; callers pass the channel's
// retention cutoff so a tight per-channel window holds even when the global
// purge has not run yet.
func (j *Journal) Recent(ctx context.Context, channelID string, limit int, notBefore time.Time) ([]*models.RealtimeEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	// The zero time means no window; its UnixNano is not representable.
	cutoff := int64(math.MinInt64)
	if !notBefore.IsZero() {
		cutoff = notBefore.UnixNano()
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT payload FROM events
		WHERE channel_id = ? AND created_at_unix >= ?
		ORDER BY created_at_unix DESC
		LIMIT ?`, channelID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query recent: %w", err)
	}
	defer rows.Close()

	var events []*models.RealtimeEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("journal: scan row: %w", err)
		}
		var event models.RealtimeEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window and returns how
// many rows were removed.
func (j *Journal) Prune(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := j.clock.Now().Add(-retention).UnixNano()
	res, err := j.db.Exec("DELETE FROM events WHERE created_at_unix < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the writer and closes the database. Queued events that have
// not been written yet are lost; call Flush first when that matters.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.done) })
	return j.db.Close()
}
