// Package channels implements the named pub/sub scopes events flow through.
//
// A channel pairs an access policy with a live participant roster, a
// per-minute publish budget, and a retention window. Channels are created
// on first reference, marked inactive after an idle period, and never
// silently deleted while participants remain.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/storyweave/realtime/internal/ratelimit"
	"github.com/storyweave/realtime/pkg/models"
)

// Defaults applied when a channel is provisioned on first reference.
const (
	DefaultRetentionHours     = 24
	DefaultRateLimitPerMinute = 120
	DefaultIdleTimeout        = 30 * time.Minute
)

// AccessPolicy describes who may join a channel and its resource bounds.
// The zero value is a public channel with default retention and rate limit.
type AccessPolicy struct {
	Public             bool
	AllowedRoles       []models.Role
	AllowedUsers       []string
	MaxParticipants    int
	RetentionHours     int
	RateLimitPerMinute int
}

// Forwarder receives events that passed the channel's rate limit check.
// The event dispatcher implements this; the registry never delivers
// anything itself.
type Forwarder interface {
	Dispatch(ctx context.Context, event *models.RealtimeEvent) (*models.RealtimeEvent, error)
}

// channelState pairs a channel's attributes with its roster. Each channel
// has its own mutex so roster mutations on one channel never contend with
// another (per-key atomicity).
type channelState struct {
	mu     sync.Mutex
	model  models.Channel
	roster map[string]*models.ChannelParticipant
}

// Registry is the channel registry. It owns every channel's access policy,
// roster, and publish budget. Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*channelState

	limiter   *ratelimit.Limiter
	clock     clockz.Clock
	logger    *slog.Logger
	forwarder Forwarder
}

// NewRegistry creates a channel registry. A nil clock defaults to the real
// clock; a nil logger falls back to slog.Default().
func NewRegistry(limiter *ratelimit.Limiter, clock clockz.Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = clockz.RealClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = ratelimit.NewLimiter(ratelimit.DefaultConfig(), clock)
	}
	return &Registry{
		channels: make(map[string]*channelState),
		limiter:  limiter,
		clock:    clock,
		logger:   logger,
	}
}

// SetForwarder wires the event dispatcher in after construction. The
// registry and dispatcher reference each other, so one side is set late.
func (r *Registry) SetForwarder(f Forwarder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarder = f
}

// ChannelID derives the canonical channel id from type and name.
func ChannelID(channelType models.ChannelType, name string) string {
	return fmt.Sprintf("%s:%s", channelType, name)
}

// ParseChannelID splits a canonical channel id back into type and name.
func ParseChannelID(id string) (models.ChannelType, string, bool) {
	typ, name, ok := strings.Cut(id, ":")
	if !ok || name == "" {
		return "", "", false
	}
	ct := models.ChannelType(typ)
	if !ct.Valid() {
		return "", "", false
	}
	return ct, name, true
}

// CreateOrGet returns the existing channel for (channelType, name) or
// provisions one with the given policy. Idempotent: a second call with a
// different policy returns the original channel unchanged.
func (r *Registry) CreateOrGet(channelType models.ChannelType, name string, policy AccessPolicy) (*models.Channel, error) {
	if !channelType.Valid() {
		return nil, ErrInvalidInput(fmt.Sprintf("unknown channel type %q", channelType))
	}
	if name == "" {
		return nil, ErrInvalidInput("channel name is required")
	}

	id := ChannelID(channelType, name)

	r.mu.RLock()
	state, exists := r.channels[id]
	r.mu.RUnlock()
	if exists {
		return r.snapshot(state), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if state, exists = r.channels[id]; exists {
		return r.snapshot(state), nil
	}

	now := r.clock.Now()
	retention := policy.RetentionHours
	if retention <= 0 {
		retention = DefaultRetentionHours
	}
	limit := policy.RateLimitPerMinute
	if limit <= 0 {
		limit = DefaultRateLimitPerMinute
	}

	state = &channelState{
		model: models.Channel{
			ID:                 id,
			Type:               channelType,
			Name:               name,
			Public:             policy.Public,
			AllowedRoles:       policy.AllowedRoles,
			AllowedUsers:       policy.AllowedUsers,
			MaxParticipants:    policy.MaxParticipants,
			RetentionHours:     retention,
			RateLimitPerMinute: limit,
			CreatedAt:          now,
			LastActivity:       now,
			Active:             true,
		},
		roster: make(map[string]*models.ChannelParticipant),
	}
	r.channels[id] = state

	r.logger.Debug("channel provisioned", "channel_id", id, "public", policy.Public)
	return r.snapshot(state), nil
}

// Get returns the channel with the given id.
func (r *Registry) Get(channelID string) (*models.Channel, error) {
	state, err := r.state(channelID)
	if err != nil {
		return nil, err
	}
	return r.snapshot(state), nil
}

// Join adds or refreshes a participant on the channel roster.
//
// Fails with ACCESS_DENIED when the channel is non-public and neither the
// participant's role nor id is allow-listed, and with CHANNEL_FULL when the
// roster is at its cap. Re-joining an existing participant always succeeds
// and refreshes their permissions and lastSeen.
func (r *Registry) Join(channelID string, participant models.ChannelParticipant) error {
	state, err := r.state(channelID)
	if err != nil {
		return err
	}
	now := r.clock.Now()

	state.mu.Lock()
	defer state.mu.Unlock()

	ch := &state.model
	if !ch.Public && !models.HasRole(ch.AllowedRoles, participant.Role) && !containsUser(ch.AllowedUsers, participant.UserID) {
		return ErrAccessDenied(fmt.Sprintf("user %s (role %s) is not allowed on channel %s", participant.UserID, participant.Role, channelID))
	}

	existing, rejoining := state.roster[participant.UserID]
	if !rejoining && ch.MaxParticipants > 0 && len(state.roster) >= ch.MaxParticipants {
		return ErrChannelFull(fmt.Sprintf("channel %s is at its cap of %d participants", channelID, ch.MaxParticipants)).
			WithContext("max_participants", ch.MaxParticipants)
	}

	if len(participant.Permissions) == 0 {
		participant.Permissions = []models.Permission{models.PermissionRead, models.PermissionWrite}
	}
	participant.LastSeen = now
	participant.Active = true
	if rejoining {
		participant.JoinedAt = existing.JoinedAt
	} else {
		participant.JoinedAt = now
	}

	entry := participant
	state.roster[participant.UserID] = &entry
	ch.LastActivity = now
	ch.Active = true
	return nil
}

// Leave removes a participant from the roster. The channel itself remains,
// even at zero participants, until the idle-timeout sweep.
func (r *Registry) Leave(channelID, userID string) error {
	state, err := r.state(channelID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	delete(state.roster, userID)
	state.model.LastActivity = r.clock.Now()
	return nil
}

// Publish checks the channel's rate limit and hands the event to the
// dispatcher. Fails with RATE_LIMITED (carrying a retry_after hint) when
// the per-minute budget is exhausted; the event is rejected, never queued.
//
// A publish to a well-formed channel id that has not been provisioned yet
// creates the channel with defaults (created on first reference).
func (r *Registry) Publish(ctx context.Context, event *models.RealtimeEvent) (*models.RealtimeEvent, error) {
	if event == nil {
		return nil, ErrInvalidInput("event is required")
	}
	if !event.Type.Valid() {
		return nil, ErrInvalidInput(fmt.Sprintf("unknown event type %q", event.Type))
	}
	if !event.Priority.Valid() {
		return nil, ErrInvalidInput(fmt.Sprintf("unknown priority %q", event.Priority))
	}

	state, err := r.state(event.ChannelID)
	if err != nil {
		channelType, name, ok := ParseChannelID(event.ChannelID)
		if !ok {
			return nil, ErrInvalidInput(fmt.Sprintf("malformed channel id %q", event.ChannelID))
		}
		if _, err := r.CreateOrGet(channelType, name, AccessPolicy{Public: true}); err != nil {
			return nil, err
		}
		state, _ = r.state(event.ChannelID)
	}

	state.mu.Lock()
	limit := state.model.RateLimitPerMinute
	state.mu.Unlock()

	if !r.limiter.Allow(event.ChannelID, limit) {
		retryAfter := r.limiter.RetryAfter(event.ChannelID)
		r.logger.Warn("publish rate limited",
			"channel_id", event.ChannelID,
			"event_type", event.Type,
			"retry_after", retryAfter,
		)
		return nil, ErrRateLimited(fmt.Sprintf("channel %s exceeded %d events/minute", event.ChannelID, limit)).
			WithContext("retry_after", retryAfter)
	}

	state.mu.Lock()
	state.model.LastActivity = r.clock.Now()
	state.mu.Unlock()

	r.mu.RLock()
	forwarder := r.forwarder
	r.mu.RUnlock()
	if forwarder == nil {
		return nil, NewError(ErrCodeInternal, "no dispatcher wired to registry", nil)
	}
	return forwarder.Dispatch(ctx, event)
}

// Subscribers returns a snapshot of the channel's active participants,
// optionally filtered to the given roles. Used by the dispatcher for
// audience resolution.
func (r *Registry) Subscribers(channelID string, roleFilter []models.Role) []*models.ChannelParticipant {
	state, err := r.state(channelID)
	if err != nil {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	out := make([]*models.ChannelParticipant, 0, len(state.roster))
	for _, p := range state.roster {
		if !p.Active {
			continue
		}
		if len(roleFilter) > 0 && !models.HasRole(roleFilter, p.Role) {
			continue
		}
		snapshot := *p
		out = append(out, &snapshot)
	}
	return out
}

// Touch refreshes a participant's lastSeen on inbound activity.
func (r *Registry) Touch(channelID, userID string) {
	state, err := r.state(channelID)
	if err != nil {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if p, ok := state.roster[userID]; ok {
		p.LastSeen = r.clock.Now()
	}
}

// DisconnectUser removes userID from every roster, used on connection loss.
// Returns the ids of channels the user was removed from.
func (r *Registry) DisconnectUser(userID string) []string {
	r.mu.RLock()
	states := make([]*channelState, 0, len(r.channels))
	for _, s := range r.channels {
		states = append(states, s)
	}
	r.mu.RUnlock()

	var affected []string
	for _, state := range states {
		state.mu.Lock()
		if _, ok := state.roster[userID]; ok {
			delete(state.roster, userID)
			affected = append(affected, state.model.ID)
		}
		state.mu.Unlock()
	}
	return affected
}

// UserChannels returns the ids of channels the user is currently joined to.
func (r *Registry) UserChannels(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, state := range r.channels {
		state.mu.Lock()
		_, ok := state.roster[userID]
		state.mu.Unlock()
		if ok {
			out = append(out, id)
		}
	}
	return out
}

// SweepIdle marks channels with no activity within idleTimeout as inactive
// and removes inactive channels with empty rosters. A channel with
// participants is never deleted, only deactivated. Returns the number of
// channels removed.
func (r *Registry) SweepIdle(idleTimeout time.Duration) int {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	cutoff := r.clock.Now().Add(-idleTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, state := range r.channels {
		state.mu.Lock()
		idle := state.model.LastActivity.Before(cutoff)
		empty := len(state.roster) == 0
		if idle {
			state.model.Active = false
		}
		drop := idle && empty
		state.mu.Unlock()

		if drop {
			delete(r.channels, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// state looks up the live state for a channel id.
func (r *Registry) state(channelID string) (*channelState, error) {
	r.mu.RLock()
	state, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound(fmt.Sprintf("channel %s does not exist", channelID))
	}
	return state, nil
}

// snapshot copies a channel's attributes under its lock.
func (r *Registry) snapshot(state *channelState) *models.Channel {
	state.mu.Lock()
	defer state.mu.Unlock()
	ch := state.model
	return &ch
}

func containsUser(users []string, id string) bool {
	for _, u := range users {
		if u == id {
			return true
		}
	}
	return false
}
