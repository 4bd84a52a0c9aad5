// Package sessions manages live collaboration sessions, one per document
// under joint edit.
//
// A session tracks its participants, the document's monotonic version
// counter, the exclusive edit lock, and the document's typing indicators.
// The version check-and-increment in RecordMutation is the engine's one
// strict consistency point; everything else is best-effort.
package sessions

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/internal/typing"
	"github.com/storyweave/realtime/pkg/models"
)

const (
	// DefaultLockTTL applies when a lock request passes no TTL.
	DefaultLockTTL = 30 * time.Second

	// MaxLockTTL caps requested lock TTLs so a buggy client cannot
	// freeze a document for long.
	MaxLockTTL = 5 * time.Minute

	// DefaultIdleGC is how long an empty session is retained before the
	// sweep closes it.
	DefaultIdleGC = 24 * time.Hour
)

// sessionState pairs one session with its own mutex so mutations on one
// document never contend with another (per-key atomicity).
type sessionState struct {
	mu    sync.Mutex
	model models.CollaborationSession
}

// Manager owns every live collaboration session.
// Manager is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	typing *typing.Store
	clock  clockz.Clock
	logger *slog.Logger
}

// NewManager creates a session manager. The typing store is shared with
// the rest of the engine so connection loss can clear a user's indicators
// in one place. A nil clock defaults to the real clock.
func NewManager(typingStore *typing.Store, clock clockz.Clock, logger *slog.Logger) *Manager {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	if typingStore == nil {
		typingStore = typing.NewStore(0, clock)
	}
	return &Manager{
		sessions: make(map[string]*sessionState),
		typing:   typingStore,
		clock:    clock,
		logger:   logger,
	}
}

// Join adds a participant to the document's session, creating the session
// on first join. Re-joining refreshes permissions and activity. Returns a
// snapshot carrying the current version and lock state so the client can
// start editing with fresh optimistic-concurrency inputs.
func (m *Manager) Join(documentID string, participant models.SessionParticipant) *models.CollaborationSession {
	state := m.getOrCreate(documentID)
	now := m.clock.Now()

	state.mu.Lock()
	defer state.mu.Unlock()

	s := &state.model
	participant.LastActivity = now
	if existing := s.Participant(participant.UserID); existing != nil {
		participant.JoinedAt = existing.JoinedAt
		*existing = participant
	} else {
		participant.JoinedAt = now
		entry := participant
		s.Participants = append(s.Participants, &entry)
	}
	s.State = models.SessionActive
	s.LastActivity = now

	return m.snapshotLocked(s)
}

// Leave removes the participant, their typing indicators, and any lock
// they hold. An empty session transitions to Idle and is retained until
// the GC sweep.
func (m *Manager) Leave(documentID, userID string) error {
	state, err := m.state(documentID)
	if err != nil {
		return err
	}
	m.typing.Remove(documentID, userID)
	now := m.clock.Now()

	state.mu.Lock()
	defer state.mu.Unlock()

	s := &state.model
	kept := s.Participants[:0]
	found := false
	for _, p := range s.Participants {
		if p.UserID == userID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return ErrNotParticipant
	}
	s.Participants = kept

	if s.Lock != nil && s.Lock.UserID == userID {
		s.Lock = nil
	}
	if len(s.Participants) == 0 {
		s.State = models.SessionIdle
	}
	s.LastActivity = now
	return nil
}

// RequestLock grants exclusive edit rights on the document for ttl.
//
// The grant succeeds when no lock is held, the existing lock has expired
// (reclaimable without explicit release), or the caller already holds it
// (refresh). Otherwise it fails with a LockedError carrying the holder and
// expiry so the caller can schedule a retry. The check and grant are atomic
// per document.
func (m *Manager) RequestLock(documentID, userID string, ttl time.Duration) (*models.DocumentLock, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if ttl > MaxLockTTL {
		ttl = MaxLockTTL
	}
	state := m.getOrCreate(documentID)
	now := m.clock.Now()

	state.mu.Lock()
	defer state.mu.Unlock()

	s := &state.model
	if s.Lock != nil && !s.Lock.Expired(now) && s.Lock.UserID != userID {
		return nil, &LockedError{
			DocumentID: documentID,
			HolderID:   s.Lock.UserID,
			ExpiresAt:  s.Lock.ExpiresAt,
		}
	}

	s.Lock = &models.DocumentLock{
		UserID:     userID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.LastActivity = now

	lock := *s.Lock
	return &lock, nil
}

// ReleaseLock clears the lock if userID holds it. Releasing a lock you do
// not hold is a no-op, not an error, so double-release races stay quiet.
func (m *Manager) ReleaseLock(documentID, userID string) {
	state, err := m.state(documentID)
	if err != nil {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	s := &state.model
	if s.Lock != nil && s.Lock.UserID == userID {
		s.Lock = nil
		s.LastActivity = m.clock.Now()
	}
}

// LockInfo returns the current non-expired lock holder, or nil.
func (m *Manager) LockInfo(documentID string) *models.DocumentLock {
	state, err := m.state(documentID)
	if err != nil {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	s := &state.model
	if s.Lock == nil || s.Lock.Expired(m.clock.Now()) {
		return nil
	}
	lock := *s.Lock
	return &lock
}

// RecordMutation is the optimistic concurrency gate. It fails with a
// VersionConflictError when expectedVersion is stale, leaving the stored
// version unchanged; otherwise it increments and returns the new version.
// The engine never merges concurrent edits, it only serializes acceptance.
func (m *Manager) RecordMutation(documentID string, expectedVersion int64) (int64, error) {
	state, err := m.state(documentID)
	if err != nil {
		return 0, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	s := &state.model
	if expectedVersion != s.Version {
		return 0, &VersionConflictError{
			DocumentID: documentID,
			Expected:   expectedVersion,
			Current:    s.Version,
		}
	}
	s.Version++
	s.LastActivity = m.clock.Now()
	return s.Version, nil
}

// UpdateTyping upserts the user's typing indicator for the document and
// refreshes their participant activity and cursor position.
func (m *Manager) UpdateTyping(documentID string, indicator models.TypingIndicator) (*models.TypingIndicator, error) {
	state, err := m.state(documentID)
	if err != nil {
		return nil, err
	}

	indicator.DocumentID = documentID
	stored := m.typing.Upsert(indicator)
	now := m.clock.Now()

	state.mu.Lock()
	defer state.mu.Unlock()

	s := &state.model
	if p := s.Participant(indicator.UserID); p != nil {
		p.CursorPosition = indicator.CursorPosition
		p.LastActivity = now
	}
	s.LastActivity = now
	return stored, nil
}

// Snapshot returns a copy of the session with its live typing indicators.
// Expired indicators are swept as part of the read.
func (m *Manager) Snapshot(documentID string) (*models.CollaborationSession, error) {
	state, err := m.state(documentID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return m.snapshotLocked(&state.model), nil
}

// DisconnectUser removes userID from every session, used on connection
// loss. Returns the ids of documents whose sessions were affected.
func (m *Manager) DisconnectUser(userID string) []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var affected []string
	for _, id := range ids {
		if err := m.Leave(id, userID); err == nil {
			affected = append(affected, id)
		}
	}
	m.typing.RemoveUser(userID)
	return affected
}

// SweepIdle closes and removes sessions idle longer than idleTimeout and
// clears expired locks on live sessions. Safe to run concurrently with
// live traffic; returns the number of sessions closed.
func (m *Manager) SweepIdle(idleTimeout time.Duration) int {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleGC
	}
	now := m.clock.Now()
	cutoff := now.Add(-idleTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	closed := 0
	for id, state := range m.sessions {
		state.mu.Lock()
		s := &state.model
		if s.Lock != nil && s.Lock.Expired(now) {
			s.Lock = nil
		}
		drop := len(s.Participants) == 0 && s.LastActivity.Before(cutoff)
		if drop {
			s.State = models.SessionClosed
		}
		state.mu.Unlock()

		if drop {
			delete(m.sessions, id)
			closed++
		}
	}
	return closed
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveParticipants returns the total participant count across sessions.
func (m *Manager) ActiveParticipants() int {
	m.mu.RLock()
	states := make([]*sessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		states = append(states, s)
	}
	m.mu.RUnlock()

	total := 0
	for _, state := range states {
		state.mu.Lock()
		total += len(state.model.Participants)
		state.mu.Unlock()
	}
	return total
}

func (m *Manager) getOrCreate(documentID string) *sessionState {
	m.mu.RLock()
	state, ok := m.sessions[documentID]
	m.mu.RUnlock()
	if ok {
		return state
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok = m.sessions[documentID]; ok {
		return state
	}

	now := m.clock.Now()
	state = &sessionState{
		model: models.CollaborationSession{
			DocumentID:   documentID,
			State:        models.SessionActive,
			CreatedAt:    now,
			LastActivity: now,
		},
	}
	m.sessions[documentID] = state
	m.logger.Debug("collaboration session created", "document_id", documentID)
	return state
}

func (m *Manager) state(documentID string) (*sessionState, error) {
	m.mu.RLock()
	state, ok := m.sessions[documentID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return state, nil
}

// snapshotLocked copies the session, resolving the typing set and dropping
// an expired lock from the view. Caller holds the session mutex.
func (m *Manager) snapshotLocked(s *models.CollaborationSession) *models.CollaborationSession {
	out := *s
	out.Participants = make([]*models.SessionParticipant, len(s.Participants))
	for i, p := range s.Participants {
		entry := *p
		out.Participants[i] = &entry
	}
	if s.Lock != nil && !s.Lock.Expired(m.clock.Now()) {
		lock := *s.Lock
		out.Lock = &lock
	} else {
		out.Lock = nil
	}
	out.Typing = m.typing.ActiveForDocument(s.DocumentID)
	return &out
}
