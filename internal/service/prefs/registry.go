// Package prefs tracks per-user model preferences with inactivity expiry.
package prefs

import (
	"log/slog"
	"sync"
	"time"
)

// FallbackPolicy picks a model when the requested one is unset or unavailable.
// The gateway deliberately leaves the choice to the caller; DefaultPolicy
// simply returns the configured default model.
type FallbackPolicy func(requested string, available []string) string

// DefaultPolicy returns a policy that always falls back to defaultModel.
func DefaultPolicy(defaultModel string) FallbackPolicy {
	return func(string, []string) string { return defaultModel }
}

type preference struct {
	model        string
	lastActivity time.Time
}

// Registry holds each user's selected model. Entries are created on first
// explicit selection and deleted by a periodic sweep after inactivity.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	prefs map[string]*preference
	now   func() time.Time
}

// NewRegistry creates an empty preference registry.
func NewRegistry() *Registry {
	return &Registry{
		prefs: make(map[string]*preference),
		now:   time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Set records the user's selected model and refreshes the activity stamp.
func (r *Registry) Set(userID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[userID] = &preference{model: model, lastActivity: r.now()}
}

// Get returns the user's selected model, refreshing the activity stamp on hit.
func (r *Registry) Get(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prefs[userID]
	if !ok {
		return "", false
	}
	p.lastActivity = r.now()
	return p.model, true
}

// Delete removes the user's preference, if any.
func (r *Registry) Delete(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.prefs, userID)
}

// Sweep deletes preferences idle for longer than maxIdle and returns the
// number removed.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	removed := 0
	for userID, p := range r.prefs {
		if p.lastActivity.Before(cutoff) {
			delete(r.prefs, userID)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("swept idle model preferences", slog.Int("count", removed))
	}
	return removed
}

// Len reports the number of stored preferences.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prefs)
}
