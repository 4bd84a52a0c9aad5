// Package typing tracks ephemeral typing indicators per document.
//
// Indicators carry cursor position and selection so the editor can render
// collaborator carets. Each (document, user) pair holds at most one live
// indicator; updates replace rather than append, and a short TTL removes
// entries even when the client never sends an explicit stop.
package typing

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/pkg/models"
)

// DefaultTTL is the default time-to-live for a typing indicator.
const DefaultTTL = 5 * time.Second

// Store holds live typing indicators keyed by document and user.
// Store is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	docs  map[string]map[string]*models.TypingIndicator
	ttl   time.Duration
	clock clockz.Clock
}

// NewStore creates a typing indicator store. A non-positive ttl falls back
// to DefaultTTL; a nil clock defaults to the real clock.
func NewStore(ttl time.Duration, clock clockz.Clock) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Store{
		docs:  make(map[string]map[string]*models.TypingIndicator),
		ttl:   ttl,
		clock: clock,
	}
}

// TTL returns the configured indicator time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Upsert records or replaces the indicator for (indicator.DocumentID,
// indicator.UserID) and stamps its timestamps. A prior entry's StartedAt is
// preserved so the UI can show how long a user has been typing. The stored
// copy is returned.
func (s *Store) Upsert(indicator models.TypingIndicator) *models.TypingIndicator {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.docs[indicator.DocumentID]
	if !ok {
		users = make(map[string]*models.TypingIndicator)
		s.docs[indicator.DocumentID] = users
	}

	indicator.UpdatedAt = now
	indicator.ExpiresAt = now.Add(s.ttl)
	indicator.StartedAt = now
	if prior, ok := users[indicator.UserID]; ok && !prior.Expired(now) {
		indicator.StartedAt = prior.StartedAt
	}

	stored := indicator
	users[indicator.UserID] = &stored
	return &stored
}

// ActiveForDocument returns the live indicators for a document. Expired
// entries are dropped from the store as part of the read, so a stale
// indicator is absent from the result even before the periodic sweep runs.
func (s *Store) ActiveForDocument(documentID string) []*models.TypingIndicator {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.docs[documentID]
	if !ok {
		return nil
	}

	var active []*models.TypingIndicator
	for userID, ind := range users {
		if ind.Expired(now) || !ind.Typing {
			delete(users, userID)
			continue
		}
		active = append(active, ind)
	}
	if len(users) == 0 {
		delete(s.docs, documentID)
	}
	return active
}

// Remove deletes the indicator for (documentID, userID), if any.
func (s *Store) Remove(documentID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if users, ok := s.docs[documentID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.docs, documentID)
		}
	}
}

// RemoveUser deletes every indicator for userID across all documents.
// Called when a user's connection is lost.
func (s *Store) RemoveUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for docID, users := range s.docs {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.docs, docID)
		}
	}
}

// Sweep removes every expired indicator and returns how many were removed.
// It runs on a periodic schedule independent of explicit stop signals and
// is safe to run concurrently with live traffic.
func (s *Store) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for docID, users := range s.docs {
		for userID, ind := range users {
			if ind.Expired(now) {
				delete(users, userID)
				removed++
			}
		}
		if len(users) == 0 {
			delete(s.docs, docID)
		}
	}
	return removed
}

// Count returns the number of live indicators, matching what readers see:
// expired entries and explicit stop signals (Typing false) are excluded.
func (s *Store) Count() int {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, users := range s.docs {
		for _, ind := range users {
			if !ind.Expired(now) && ind.Typing {
				count++
			}
		}
	}
	return count
}
