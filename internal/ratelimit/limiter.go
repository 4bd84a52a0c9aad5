// Package ratelimit provides per-channel publish rate limiting.
package ratelimit

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Config configures rate limiting behavior.
type Config struct {
	// EventsPerMinute is the number of events allowed per channel per
	// minute. Events over the limit are rejected, not queued.
	EventsPerMinute int `yaml:"events_per_minute"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		EventsPerMinute: 120,
		Enabled:         true,
	}
}

// window counts events within one fixed one-minute window.
type window struct {
	mu    sync.Mutex
	start time.Time
	count int
	limit int
	clock clockz.Clock
}

func newWindow(limit int, clock clockz.Clock) *window {
	return &window{
		start: clock.Now(),
		limit: limit,
		clock: clock,
	}
}

// allow consumes one slot in the current window, rolling the window over
// when a minute has elapsed since it opened.
func (w *window) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if now.Sub(w.start) >= time.Minute {
		w.start = now
		w.count = 0
	}

	if w.count >= w.limit {
		return false
	}
	w.count++
	return true
}

// remaining returns the unused slots in the current window.
func (w *window) remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.clock.Now().Sub(w.start) >= time.Minute {
		return w.limit
	}
	if w.count >= w.limit {
		return 0
	}
	return w.limit - w.count
}

// retryAfter returns how long until the current window rolls over.
func (w *window) retryAfter() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	elapsed := w.clock.Now().Sub(w.start)
	if elapsed >= time.Minute {
		return 0
	}
	return time.Minute - elapsed
}

// Limiter manages fixed-window rate limits for multiple keys (channel ids).
// Limiter is safe for concurrent use.
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	config  Config
	clock   clockz.Clock
	maxKeys int
}

// NewLimiter creates a new rate limiter. A nil clock defaults to the real
// clock.
func NewLimiter(config Config, clock clockz.Clock) *Limiter {
	if config.EventsPerMinute <= 0 {
		config.EventsPerMinute = DefaultConfig().EventsPerMinute
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		clock:   clock,
		maxKeys: 10000,
	}
}

// Allow checks whether one more event for the given key fits in the
// current window, with the given per-key limit. A limit of zero falls back
// to the configured default.
func (l *Limiter) Allow(key string, limit int) bool {
	if !l.config.Enabled {
		return true
	}
	return l.getWindow(key, limit).allow()
}

// Remaining returns the unused slots in the key's current window.
func (l *Limiter) Remaining(key string, limit int) int {
	if !l.config.Enabled {
		return l.config.EventsPerMinute
	}
	return l.getWindow(key, limit).remaining()
}

// RetryAfter returns how long a rejected caller should back off before the
// key's window rolls over.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.config.Enabled {
		return 0
	}
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return w.retryAfter()
}

// Reset clears the rate limit state for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// getWindow returns or creates the window for the given key.
func (l *Limiter) getWindow(key string, limit int) *window {
	if limit <= 0 {
		limit = l.config.EventsPerMinute
	}

	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()
	if exists {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if w, exists = l.windows[key]; exists {
		return w
	}

	if len(l.windows) >= l.maxKeys {
		l.prune()
	}

	w = newWindow(limit, l.clock)
	l.windows[key] = w
	return w
}

// prune removes windows that have rolled over (inactive keys).
// Must be called with the write lock held.
func (l *Limiter) prune() {
	now := l.clock.Now()
	for key, w := range l.windows {
		w.mu.Lock()
		stale := now.Sub(w.start) >= time.Minute && w.count == 0 || now.Sub(w.start) >= 2*time.Minute
		w.mu.Unlock()
		if stale {
			delete(l.windows, key)
		}
	}
}
