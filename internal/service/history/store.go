// Package history implements the bounded per-user conversation log replayed
// to the provider as context.
package history

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/smartstudentbot/ai-gateway/internal/domain"
)

// buffer holds one user's turns plus the activity stamp used by the sweep.
type buffer struct {
	turns        []domain.ConversationTurn
	lastActivity time.Time
}

// Store keeps per-user history buffers in memory. Each buffer is capped at
// 2 × maxHistory turns; the headroom keeps a user turn and the assistant turn
// that follows it from being split by truncation. Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	buffers    map[string]*buffer
	maxHistory int
	now        func() time.Time
	entropy    *ulid.MonotonicEntropy
	entropyMu  sync.Mutex
}

// NewStore creates a history store keeping up to 2×maxHistory turns per user.
func NewStore(maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = 10
	}
	return &Store{
		buffers:    make(map[string]*buffer),
		maxHistory: maxHistory,
		now:        time.Now,
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec // Weak random is sufficient for ULID entropy.
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Add appends a turn to the user's buffer, truncating the oldest entries once
// the buffer exceeds 2 × maxHistory. Returns the stored turn.
func (s *Store) Add(userID string, role domain.Role, content string) domain.ConversationTurn {
	now := s.now()
	turn := domain.ConversationTurn{
		ID:        s.newTurnID(now),
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[userID]
	if !ok {
		buf = &buffer{}
		s.buffers[userID] = buf
	}
	buf.turns = append(buf.turns, turn)
	if max := 2 * s.maxHistory; len(buf.turns) > max {
		buf.turns = append(buf.turns[:0:0], buf.turns[len(buf.turns)-max:]...)
	}
	buf.lastActivity = now
	return turn
}

// Recent returns at most the last limit turns, stripped to {role, content} —
// the exact shape fed back to the provider. A limit <= 0 returns everything.
func (s *Store) Recent(userID string, limit int) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.buffers[userID]
	if !ok {
		return nil
	}
	turns := buf.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]domain.Message, len(turns))
	for i, t := range turns {
		out[i] = domain.Message{Role: t.Role, Content: t.Content}
	}
	return out
}

// Clear removes the user's entire buffer and returns the number of turns dropped.
func (s *Store) Clear(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[userID]
	if !ok {
		return 0
	}
	n := len(buf.turns)
	delete(s.buffers, userID)
	return n
}

// CleanupOld removes entire buffers whose last activity is older than maxAge.
// Returns the number of buffers removed; a second run with no intervening
// activity removes zero.
func (s *Store) CleanupOld(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for userID, buf := range s.buffers {
		if buf.lastActivity.Before(cutoff) {
			delete(s.buffers, userID)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("cleaned up stale history buffers", slog.Int("count", removed))
	}
	return removed
}

// Len reports the number of buffers currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}

func (s *Store) newTurnID(now time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return now.UTC().Format("20060102150405.000000000")
	}
	return id.String()
}
