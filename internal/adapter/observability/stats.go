package observability

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the in-process counters. Counters only
// ever increase between resets.
type Snapshot struct {
	Total        uint64          `json:"total"`
	Success      uint64          `json:"success"`
	Failure      uint64          `json:"failure"`
	Timeout      uint64          `json:"timeout"`
	RateLimited  uint64          `json:"rate_limited"`
	CacheHits    uint64          `json:"cache_hits"`
	ContextUsed  uint64          `json:"context_used"`
	Samples      []time.Duration `json:"-"`
	SampleMillis []int64         `json:"recent_latency_ms"`
	Since        time.Time       `json:"since"`
}

// Stats collects chat outcome counters plus a bounded ring buffer of recent
// response-time samples. Reset atomically swaps in a fresh zero state and
// returns the prior snapshot.
type Stats struct {
	mu          sync.Mutex
	total       uint64
	success     uint64
	failure     uint64
	timeout     uint64
	rateLimited uint64
	cacheHits   uint64
	contextUsed uint64
	samples     []time.Duration
	next        int
	filled      bool
	capacity    int
	since       time.Time
	now         func() time.Time
}

// NewStats creates a collector keeping at most sampleSize latency samples.
func NewStats(sampleSize int) *Stats {
	if sampleSize <= 0 {
		sampleSize = 256
	}
	return &Stats{
		samples:  make([]time.Duration, 0, sampleSize),
		capacity: sampleSize,
		since:    time.Now(),
		now:      time.Now,
	}
}

// RecordSuccess counts one successful invocation and its wall-clock latency.
func (s *Stats) RecordSuccess(latency time.Duration, contextUsed, cacheHit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.success++
	if contextUsed {
		s.contextUsed++
	}
	if cacheHit {
		s.cacheHits++
	}
	s.push(latency)
}

// RecordFailure counts one failed invocation. Timeouts are tallied separately
// from other provider failures.
func (s *Stats) RecordFailure(latency time.Duration, timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.failure++
	if timedOut {
		s.timeout++
	}
	s.push(latency)
}

// RecordRateLimited counts one invocation denied by the rate limiter.
func (s *Stats) RecordRateLimited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.rateLimited++
}

// push appends into the ring buffer, overwriting the oldest sample when full.
func (s *Stats) push(d time.Duration) {
	if len(s.samples) < s.capacity {
		s.samples = append(s.samples, d)
		return
	}
	s.samples[s.next] = d
	s.next = (s.next + 1) % s.capacity
	s.filled = true
}

// Snapshot returns a copy of the current counters and samples.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Reset swaps in a fresh zero state and returns the prior snapshot.
func (s *Stats) Reset() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.snapshotLocked()
	s.total, s.success, s.failure, s.timeout = 0, 0, 0, 0
	s.rateLimited, s.cacheHits, s.contextUsed = 0, 0, 0
	s.samples = make([]time.Duration, 0, s.capacity)
	s.next = 0
	s.filled = false
	s.since = s.now()
	return prev
}

func (s *Stats) snapshotLocked() Snapshot {
	// Samples in insertion order: oldest first once the ring has wrapped.
	ordered := make([]time.Duration, 0, len(s.samples))
	if s.filled {
		ordered = append(ordered, s.samples[s.next:]...)
		ordered = append(ordered, s.samples[:s.next]...)
	} else {
		ordered = append(ordered, s.samples...)
	}
	millis := make([]int64, len(ordered))
	for i, d := range ordered {
		millis[i] = d.Milliseconds()
	}
	return Snapshot{
		Total:        s.total,
		Success:      s.success,
		Failure:      s.failure,
		Timeout:      s.timeout,
		RateLimited:  s.rateLimited,
		CacheHits:    s.cacheHits,
		ContextUsed:  s.contextUsed,
		Samples:      ordered,
		SampleMillis: millis,
		Since:        s.since,
	}
}
