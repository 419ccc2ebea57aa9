package service

import (
	"sync"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
)

// Progress is one observation of a running import.
type Progress struct {
	JobID   string               `json:"job_id"`
	Percent int                  `json:"percent"`
	Status  repository.JobStatus `json:"status"`
}

// Tracker is the caller's handle on one import. The orchestrator updates it
// at each checkpoint; callers poll Snapshot/Progress or Subscribe.
// Percent never decreases.
type Tracker struct {
	mu         sync.Mutex
	percent    int
	job        *repository.ImportJob
	done       bool
	subs       []chan Progress
	onProgress func(Progress)
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// OnProgress registers a callback invoked synchronously on every update.
// It must not call back into the tracker.
func (t *Tracker) OnProgress(fn func(Progress)) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onProgress = fn
	return t
}

// Subscribe returns a channel carrying the latest progress. Slow readers
// only miss intermediate values. The channel is closed once the job is
// terminal, after the final value.
func (t *Tracker) Subscribe() <-chan Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Progress, 1)
	if t.job != nil {
		ch <- t.progressLocked()
	}
	if t.done {
		close(ch)
		return ch
	}
	t.subs = append(t.subs, ch)
	return ch
}

// Progress returns the current observation.
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

// Snapshot returns a copy of the job as last reported, or nil before start.
func (t *Tracker) Snapshot() *repository.ImportJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Clone()
}

// Done reports whether the job reached a terminal state.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Tracker) progressLocked() Progress {
	p := Progress{Percent: t.percent}
	if t.job != nil {
		p.JobID = t.job.JobID
		p.Status = t.job.Status
	}
	return p
}

func (t *Tracker) update(job *repository.ImportJob, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.job = job.Clone()
	t.percent = max(t.percent, min(percent, 100))
	t.publishLocked()
}

func (t *Tracker) finish(job *repository.ImportJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.job = job.Clone()
	t.percent = 100
	t.done = true
	t.publishLocked()
	for _, ch := range t.subs {
		close(ch)
	}
	t.subs = nil
}

func (t *Tracker) publishLocked() {
	p := t.progressLocked()
	for _, ch := range t.subs {
		select {
		case ch <- p:
		default:
			// Replace the stale value nobody has read yet.
			select {
			case <-ch:
			default:
			}
			ch <- p
		}
	}
	if t.onProgress != nil {
		t.onProgress(p)
	}
}
