package handler

import (
	"sync"
	"time"

	importservice "github.com/FACorreiaa/statement-importer/internal/domain/import/service"
)

type trackedImport struct {
	tracker      *importservice.Tracker
	registeredAt time.Time
}

// TrackerRegistry keeps the trackers of imports started by this process so
// progress can be served while a job runs.
type TrackerRegistry struct {
	mu      sync.RWMutex
	entries map[string]trackedImport
	now     func() time.Time
}

// NewTrackerRegistry creates an empty registry
func NewTrackerRegistry() *TrackerRegistry {
	return &TrackerRegistry{
		entries: make(map[string]trackedImport),
		now:     time.Now,
	}
}

// Register tracks t under jobID. It returns false, leaving the existing
// entry in place, when jobID is already tracked.
func (r *TrackerRegistry) Register(jobID string, t *importservice.Tracker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.entries[jobID]; taken {
		return false
	}
	r.entries[jobID] = trackedImport{tracker: t, registeredAt: r.now()}
	return true
}

func (r *TrackerRegistry) Get(jobID string) (*importservice.Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[jobID]
	return e.tracker, ok
}

// Prune drops finished trackers registered more than ttl ago and returns how
// many were removed. Running imports are never pruned.
func (r *TrackerRegistry) Prune(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	removed := 0
	for id, e := range r.entries {
		if e.tracker.Done() && e.registeredAt.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

func (r *TrackerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
