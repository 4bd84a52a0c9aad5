package sessions

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/internal/typing"
	"github.com/storyweave/realtime/pkg/models"
)

func newTestManager(clock clockz.Clock) *Manager {
	return NewManager(typing.NewStore(5*time.Second, clock), clock, nil)
}

func editor(id string) models.SessionParticipant {
	return models.SessionParticipant{
		UserID:      id,
		UserName:    id,
		Role:        models.RoleWriter,
		Permissions: models.SessionPermissions{CanEdit: true, CanComment: true, CanView: true},
	}
}

func TestManager_JoinReturnsVersionAndLock(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)

	s := mgr.Join("doc-1", editor("alice"))
	if s.Version != 0 {
		t.Errorf("fresh session version = %d, want 0", s.Version)
	}
	if s.Lock != nil {
		t.Error("fresh session should have no lock")
	}
	if s.State != models.SessionActive {
		t.Errorf("state = %s, want active", s.State)
	}

	mgr.RequestLock("doc-1", "alice", 30*time.Second)
	s = mgr.Join("doc-1", editor("bob"))
	if s.Lock == nil || s.Lock.UserID != "alice" {
		t.Error("join should report the current lock holder")
	}
	if len(s.Participants) != 2 {
		t.Errorf("got %d participants, want 2", len(s.Participants))
	}
}

func TestManager_RequestLockContention(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)
	mgr.Join("doc-1", editor("a"))
	mgr.Join("doc-1", editor("b"))

	if _, err := mgr.RequestLock("doc-1", "a", 30*time.Second); err != nil {
		t.Fatalf("first lock: %v", err)
	}

	_, err := mgr.RequestLock("doc-1", "b", 30*time.Second)
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("got %v, want LockedError", err)
	}
	if locked.HolderID != "a" {
		t.Errorf("holder = %s, want a", locked.HolderID)
	}
	if !locked.ExpiresAt.Equal(clock.Now().Add(30 * time.Second)) {
		t.Errorf("expiry = %v, want now+30s", locked.ExpiresAt)
	}
}

func TestManager_RequestLockConcurrent(t *testing.T) {
	// Two editors race for the lock in the same instant: exactly one wins.
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"a", "b"} {
		wg.Add(1)
		go func(idx int, uid string) {
			defer wg.Done()
			_, errs[idx] = mgr.RequestLock("doc-1", uid, 30*time.Second)
		}(i, user)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !IsLocked(err) {
			t.Errorf("loser got %v, want LockedError", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d lock winners, want exactly 1", wins)
	}
}

func TestManager_LockExpiryReclaim(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)

	if _, err := mgr.RequestLock("doc-1", "a", 30*time.Second); err != nil {
		t.Fatalf("first lock: %v", err)
	}

	// Holder disconnects without releasing. After natural expiry a
	// different user acquires immediately.
	clock.Advance(30*time.Second + time.Millisecond)

	lock, err := mgr.RequestLock("doc-1", "b", 30*time.Second)
	if err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
	if lock.UserID != "b" {
		t.Errorf("holder = %s, want b", lock.UserID)
	}
}

func TestManager_RequestLockRefreshBySameHolder(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)

	mgr.RequestLock("doc-1", "a", 30*time.Second)
	clock.Advance(20 * time.Second)

	lock, err := mgr.RequestLock("doc-1", "a", 30*time.Second)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !lock.ExpiresAt.Equal(clock.Now().Add(30 * time.Second)) {
		t.Error("refresh should extend the holder's expiry")
	}
}

func TestManager_ReleaseLockNoOpForNonHolder(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)

	mgr.RequestLock("doc-1", "a", 30*time.Second)
	mgr.ReleaseLock("doc-1", "b") // not the holder: quiet no-op

	if info := mgr.LockInfo("doc-1"); info == nil || info.UserID != "a" {
		t.Error("lock should still be held by a")
	}

	mgr.ReleaseLock("doc-1", "a")
	if mgr.LockInfo("doc-1") != nil {
		t.Error("lock should be released")
	}
	mgr.ReleaseLock("doc-1", "a") // double release stays quiet
}

func TestManager_RecordMutation(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)
	mgr.Join("doc-1", editor("alice"))

	v, err := mgr.RecordMutation("doc-1", 0)
	if err != nil || v != 1 {
		t.Fatalf("first mutation: v=%d err=%v, want 1, nil", v, err)
	}

	// Stale expected version: rejected, stored version unchanged.
	_, err = mgr.RecordMutation("doc-1", 0)
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want VersionConflictError", err)
	}
	if conflict.Current != 1 {
		t.Errorf("conflict reports current=%d, want 1", conflict.Current)
	}

	s, _ := mgr.Snapshot("doc-1")
	if s.Version != 1 {
		t.Errorf("version after conflict = %d, want 1", s.Version)
	}

	if v, err = mgr.RecordMutation("doc-1", 1); err != nil || v != 2 {
		t.Errorf("retry with fresh version: v=%d err=%v, want 2, nil", v, err)
	}
}

func TestManager_RecordMutationConcurrent(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)
	mgr.Join("doc-1", editor("alice"))

	// N concurrent writers all claiming version 0: exactly one wins.
	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = mgr.RecordMutation("doc-1", 0)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d mutation winners, want exactly 1", wins)
	}
}

func TestManager_LeaveClearsTypingAndLock(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)
	mgr.Join("doc-1", editor("alice"))
	mgr.Join("doc-1", editor("bob"))

	mgr.RequestLock("doc-1", "alice", time.Minute)
	mgr.UpdateTyping("doc-1", models.TypingIndicator{UserID: "alice", Typing: true, CursorPosition: 10})

	if err := mgr.Leave("doc-1", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	s, _ := mgr.Snapshot("doc-1")
	if s.Lock != nil {
		t.Error("leave should clear the leaver's lock")
	}
	if len(s.Typing) != 0 {
		t.Error("leave should clear the leaver's typing indicators")
	}
	if len(s.Participants) != 1 || s.Participants[0].UserID != "bob" {
		t.Error("bob should remain")
	}
}

func TestManager_EmptySessionIdlesThenGC(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)
	mgr.Join("doc-1", editor("alice"))
	mgr.Leave("doc-1", "alice")

	s, _ := mgr.Snapshot("doc-1")
	if s.State != models.SessionIdle {
		t.Errorf("empty session state = %s, want idle", s.State)
	}

	// Retained until long-idle GC.
	if closed := mgr.SweepIdle(24 * time.Hour); closed != 0 {
		t.Errorf("premature sweep closed %d sessions, want 0", closed)
	}

	clock.Advance(25 * time.Hour)
	if closed := mgr.SweepIdle(24 * time.Hour); closed != 1 {
		t.Errorf("sweep closed %d sessions, want 1", closed)
	}
	if _, err := mgr.Snapshot("doc-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("closed session should be gone")
	}
}

func TestManager_SnapshotSweepsExpiredTyping(t *testing.T) {
	clock := clockz.NewFakeClock()
	mgr := newTestManager(clock)
	mgr.Join("doc-1", editor("alice"))

	mgr.UpdateTyping("doc-1", models.TypingIndicator{UserID: "alice", Typing: true})
	clock.Advance(6 * time.Second)

	s, _ := mgr.Snapshot("doc-1")
	if len(s.Typing) != 0 {
		t.Error("expired typing indicator should be absent from session snapshot")
	}
}
