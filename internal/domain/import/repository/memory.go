package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryRepository is an in-process Repository. Transactions hold an
// exclusive lock for their whole duration, which makes every read-then-write
// serializable. Values are copied on the way in and out so callers never
// share memory with the store.
type MemoryRepository struct {
	mu       sync.RWMutex
	expenses map[string]*CanonicalExpense
	jobs     map[string]*ImportJob
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		expenses: make(map[string]*CanonicalExpense),
		jobs:     make(map[string]*ImportJob),
	}
}

var _ Repository = (*MemoryRepository)(nil)

// RunInTx must not call other MemoryRepository methods from fn; the
// transaction already holds the lock.
func (r *MemoryRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{repo: r, staged: make(map[string]*CanonicalExpense)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, e := range tx.staged {
		r.expenses[id] = e
	}
	return nil
}

func (r *MemoryRepository) GetExpense(_ context.Context, id string) (*CanonicalExpense, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.expenses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (r *MemoryRepository) ListExpenses(_ context.Context, f ExpenseFilter) ([]*CanonicalExpense, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*CanonicalExpense
	for _, e := range r.expenses {
		if !matchesExpense(e, f) {
			continue
		}
		out = append(out, e.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchesExpense(e *CanonicalExpense, f ExpenseFilter) bool {
	switch {
	case f.Source != "" && e.Source != f.Source:
		return false
	case f.Category != "" && (e.Category == nil || *e.Category != f.Category):
		return false
	case f.VendorPrefix != "" && !strings.HasPrefix(e.Vendor, f.VendorPrefix):
		return false
	case f.DateFrom != "" && e.Date < f.DateFrom:
		return false
	case f.DateTo != "" && e.Date > f.DateTo:
		return false
	case f.ExcludeDuplicates && e.IsDuplicate:
		return false
	}
	return true
}

func (r *MemoryRepository) CreateImportJob(_ context.Context, job *ImportJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.JobID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.JobID)
	}
	r.jobs[job.JobID] = job.Clone()
	return nil
}

func (r *MemoryRepository) SaveImportJob(_ context.Context, job *ImportJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.jobs[job.JobID]; ok && current.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobClosed, job.JobID, current.Status)
	}
	r.jobs[job.JobID] = job.Clone()
	return nil
}

func (r *MemoryRepository) GetImportJob(_ context.Context, jobID string) (*ImportJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryRepository) ListImportJobs(_ context.Context, f JobFilter) ([]*ImportJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ImportJob
	for _, job := range r.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Checksum != "" && job.SourceFileChecksum != f.Checksum {
			continue
		}
		if !f.StartedBefore.IsZero() && !job.StartedAt.Before(f.StartedBefore) {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].JobID < out[j].JobID
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// memTx stages writes until RunInTx commits them.
type memTx struct {
	repo   *MemoryRepository
	staged map[string]*CanonicalExpense
}

func (t *memTx) lookup(id string) (*CanonicalExpense, bool) {
	if e, ok := t.staged[id]; ok {
		return e, true
	}
	e, ok := t.repo.expenses[id]
	return e, ok
}

func (t *memTx) GetExpenseForUpdate(_ context.Context, id string) (*CanonicalExpense, error) {
	e, ok := t.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (t *memTx) InsertExpense(_ context.Context, e *CanonicalExpense) (bool, error) {
	if _, ok := t.lookup(e.ID); ok {
		return false, nil
	}
	t.staged[e.ID] = e.Clone()
	return true, nil
}

func (t *memTx) UpdateExpense(_ context.Context, e *CanonicalExpense) error {
	current, ok := t.lookup(e.ID)
	if !ok {
		return ErrNotFound
	}
	next := e.Clone()
	next.CreatedAt = current.CreatedAt
	next.IsDuplicate = current.IsDuplicate
	next.DuplicateOf = current.DuplicateOf
	t.staged[e.ID] = next
	return nil
}

func (t *memTx) LockOpenJob(_ context.Context, jobID string) error {
	job, ok := t.repo.jobs[jobID]
	if !ok {
		return fmt.Errorf("import job %s: %w", jobID, ErrNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobClosed, jobID, job.Status)
	}
	return nil
}
