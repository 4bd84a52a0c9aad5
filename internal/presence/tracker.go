// Package presence tracks per-user availability as observed by heartbeats.
package presence

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/pkg/models"
)

// DefaultHeartbeatTimeout is how long a user stays non-offline without a
// heartbeat.
const DefaultHeartbeatTimeout = 90 * time.Second

// ChangeFunc is called when a sweep downgrades a user to offline, so the
// caller can raise a presence event through the dispatcher. It must not
// block: sweeps run concurrently with live traffic.
type ChangeFunc func(p models.UserPresence)

// Tracker holds the current presence of every observed user.
// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	users    map[string]*models.UserPresence
	clock    clockz.Clock
	onChange ChangeFunc
}

// NewTracker creates a presence tracker. A nil clock defaults to the real
// clock; a nil onChange disables change notifications.
func NewTracker(clock clockz.Clock, onChange ChangeFunc) *Tracker {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Tracker{
		users:    make(map[string]*models.UserPresence),
		clock:    clock,
		onChange: onChange,
	}
}

// Heartbeat refreshes the user's lastSeen and optionally records a current
// activity. An offline user comes back online; an explicit away/busy status
// is preserved so a heartbeat never overrides what the user chose.
func (t *Tracker) Heartbeat(userID, userName string, role models.Role, activity *models.Activity) *models.UserPresence {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.users[userID]
	if !ok {
		p = &models.UserPresence{
			UserID: userID,
			Status: models.PresenceOnline,
		}
		t.users[userID] = p
	}

	if userName != "" {
		p.UserName = userName
	}
	if role != "" {
		p.Role = role
	}
	if activity != nil {
		p.Activity = activity
	}
	if p.Status == models.PresenceOffline {
		p.Status = models.PresenceOnline
	}
	p.LastSeen = now

	snapshot := *p
	return &snapshot
}

// SetStatus is an explicit status override. It persists until the next
// explicit change or the heartbeat timeout.
func (t *Tracker) SetStatus(userID string, status models.PresenceStatus) *models.UserPresence {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.users[userID]
	if !ok {
		p = &models.UserPresence{UserID: userID}
		t.users[userID] = p
	}
	p.Status = status
	p.LastSeen = now

	snapshot := *p
	return &snapshot
}

// Get returns the user's current presence, or a default offline record if
// the user has never been seen.
func (t *Tracker) Get(userID string) *models.UserPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.users[userID]; ok {
		snapshot := *p
		return &snapshot
	}
	return &models.UserPresence{
		UserID: userID,
		Status: models.PresenceOffline,
	}
}

// Snapshot returns a copy of every tracked presence record.
func (t *Tracker) Snapshot() []*models.UserPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.UserPresence, 0, len(t.users))
	for _, p := range t.users {
		snapshot := *p
		out = append(out, &snapshot)
	}
	return out
}

// Online returns the number of users currently not offline.
func (t *Tracker) Online() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, p := range t.users {
		if p.Status != models.PresenceOffline {
			count++
		}
	}
	return count
}

// SweepStale downgrades every user whose lastSeen exceeds timeout to
// offline and reports each transition through the change callback. It runs
// on a periodic schedule and returns how many users went offline.
func (t *Tracker) SweepStale(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	cutoff := t.clock.Now().Add(-timeout)

	t.mu.Lock()
	var changed []models.UserPresence
	for _, p := range t.users {
		if p.Status == models.PresenceOffline {
			continue
		}
		if p.LastSeen.Before(cutoff) {
			p.Status = models.PresenceOffline
			p.Activity = nil
			changed = append(changed, *p)
		}
	}
	t.mu.Unlock()

	// Notify outside the lock; the callback may call back into the engine.
	if t.onChange != nil {
		for _, p := range changed {
			t.onChange(p)
		}
	}
	return len(changed)
}

// MarkOffline transitions a user straight to offline, used when their last
// connection unregisters.
func (t *Tracker) MarkOffline(userID string) {
	t.mu.Lock()
	p, ok := t.users[userID]
	var snapshot models.UserPresence
	if ok && p.Status != models.PresenceOffline {
		p.Status = models.PresenceOffline
		p.Activity = nil
		snapshot = *p
	} else {
		ok = false
	}
	t.mu.Unlock()

	if ok && t.onChange != nil {
		t.onChange(snapshot)
	}
}
