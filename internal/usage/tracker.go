package usage

import (
	"sort"
	"sync"
	"time"
)

// ModelStats accumulates counters for one method/model pair.
type ModelStats struct {
	Requests       int64   `json:"requests"`
	Failures       int64   `json:"failures"`
	TextsProcessed int64   `json:"texts_processed"`
	TotalLatencyMs float64 `json:"total_latency_ms"`
}

// Snapshot is a point-in-time copy of the tracker's counters.
type Snapshot struct {
	Since  time.Time             `json:"since"`
	Models map[string]ModelStats `json:"models"`
}

// Tracker keeps in-memory per-model counters and optionally forwards every
// record to a Persister. A nil Tracker is valid and drops everything.
type Tracker struct {
	mu        sync.Mutex
	since     time.Time
	stats     map[string]ModelStats
	persister *Persister
}

// NewTracker constructs a Tracker. persister may be nil to disable
// persistence.
func NewTracker(persister *Persister) *Tracker {
	return &Tracker{
		since:     time.Now(),
		stats:     make(map[string]ModelStats),
		persister: persister,
	}
}

// Track records one inference call.
func (t *Tracker) Track(record Record) {
	if t == nil {
		return
	}
	if record.RequestedAt.IsZero() {
		record.RequestedAt = time.Now()
	}
	if record.BatchSize <= 0 {
		record.BatchSize = 1
	}

	key := record.Method + ":" + record.Model

	t.mu.Lock()
	s := t.stats[key]
	s.Requests++
	if record.Failed {
		s.Failures++
	} else {
		s.TextsProcessed += record.BatchSize
		s.TotalLatencyMs += record.LatencyMs
	}
	t.stats[key] = s
	t.mu.Unlock()

	t.persister.Enqueue(record)
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{Models: map[string]ModelStats{}}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Snapshot{Since: t.since, Models: make(map[string]ModelStats, len(t.stats))}
	for key, s := range t.stats {
		out.Models[key] = s
	}
	return out
}

// TrackedModels returns the sorted method:model keys seen so far.
func (t *Tracker) TrackedModels() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]string, 0, len(t.stats))
	for key := range t.stats {
		out = append(out, key)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Stop flushes and closes the underlying persister, if any.
func (t *Tracker) Stop() error {
	if t == nil {
		return nil
	}
	return t.persister.Stop()
}
