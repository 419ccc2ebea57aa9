// Package repository provides data access for imported expenses and import jobs.
package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a job would move backwards.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobExists is returned when creating a job whose id is taken.
	ErrJobExists = errors.New("import job already exists")

	// ErrJobClosed is returned when writing to a job that already finished.
	ErrJobClosed = errors.New("import job already finished")
)

// ExpenseStatus is the settlement state reported by the statement.
type ExpenseStatus string

const (
	ExpenseCompleted ExpenseStatus = "completed"
	ExpensePending   ExpenseStatus = "pending"
	ExpenseFailed    ExpenseStatus = "failed"
	ExpenseReversed  ExpenseStatus = "reversed"
)

// ParseExpenseStatus maps statement wording onto an ExpenseStatus.
// Anything unrecognized counts as completed.
func ParseExpenseStatus(raw string) ExpenseStatus {
	switch s := ExpenseStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case ExpensePending, ExpenseFailed, ExpenseReversed:
		return s
	default:
		return ExpenseCompleted
	}
}

// CanonicalExpense is the stored form of one real-world transaction.
type CanonicalExpense struct {
	ID                  string            `json:"id"`
	Fingerprint         string            `json:"fingerprint"`
	Source              string            `json:"source"`
	SourceTransactionID *string           `json:"source_transaction_id,omitempty"`
	Date                string            `json:"date"`
	Amount              decimal.Decimal   `json:"amount"`
	Currency            string            `json:"currency"`
	Vendor              string            `json:"vendor"`
	Category            *string           `json:"category,omitempty"`
	Status              ExpenseStatus     `json:"status"`
	TransactionType     string            `json:"transaction_type,omitempty"`
	RawText             map[string]string `json:"raw_text,omitempty"`
	SourceFileChecksum  string            `json:"source_file_checksum"`
	IsDuplicate         bool              `json:"is_duplicate"`
	DuplicateOf         *string           `json:"duplicate_of,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Key is the document key: the source-native transaction id when the
// statement carries one, otherwise the content fingerprint.
func (e *CanonicalExpense) Key() string {
	if e.SourceTransactionID != nil && *e.SourceTransactionID != "" {
		return *e.SourceTransactionID
	}
	return e.Fingerprint
}

// Clone returns a deep copy.
func (e *CanonicalExpense) Clone() *CanonicalExpense {
	if e == nil {
		return nil
	}
	c := *e
	c.SourceTransactionID = clonePtr(e.SourceTransactionID)
	c.Category = clonePtr(e.Category)
	c.DuplicateOf = clonePtr(e.DuplicateOf)
	c.RawText = maps.Clone(e.RawText)
	return &c
}

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

func (s JobStatus) rank() int {
	switch s {
	case JobQueued:
		return 0
	case JobProcessing:
		return 1
	case JobCompleted, JobFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransitionTo reports whether moving from s to next is a forward move.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	return next.rank() > s.rank() && s.rank() >= 0
}

// ImportJob tracks one upload attempt.
type ImportJob struct {
	JobID              string     `json:"job_id"`
	Status             JobStatus  `json:"status"`
	Source             string     `json:"source"`
	FileName           string     `json:"file_name"`
	SourceFileChecksum string     `json:"source_file_checksum"`
	Created            int        `json:"created"`
	Skipped            int        `json:"skipped"`
	Updated            int        `json:"updated"`
	Duplicates         int        `json:"duplicates"`
	Errors             []string   `json:"errors"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// TransitionTo moves the job forward, stamping FinishedAt on terminal states.
func (j *ImportJob) TransitionTo(next JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	if next.Terminal() {
		finished := now
		j.FinishedAt = &finished
	}
	return nil
}

// AddError appends a human-readable message to the job's error list.
func (j *ImportJob) AddError(msg string) {
	j.Errors = append(j.Errors, msg)
}

// Clone returns a deep copy.
func (j *ImportJob) Clone() *ImportJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Errors = slices.Clone(j.Errors)
	c.FinishedAt = clonePtr(j.FinishedAt)
	return &c
}

// ExpenseFilter narrows ListExpenses. Zero values mean "no constraint".
type ExpenseFilter struct {
	Source            string
	Category          string
	VendorPrefix      string
	DateFrom          string // inclusive, YYYY-MM-DD
	DateTo            string // inclusive, YYYY-MM-DD
	ExcludeDuplicates bool
	Limit             int
}

// JobFilter narrows ListImportJobs. Zero values mean "no constraint".
type JobFilter struct {
	Status        JobStatus
	Checksum      string
	StartedBefore time.Time
	Limit         int
}

// Tx is the view of the store inside an atomic read-then-write.
type Tx interface {
	// GetExpenseForUpdate reads a document and locks it until the
	// transaction ends. Returns ErrNotFound when absent.
	GetExpenseForUpdate(ctx context.Context, id string) (*CanonicalExpense, error)

	// InsertExpense writes e at e.ID unless the key is already taken.
	// inserted is false when another writer got there first.
	InsertExpense(ctx context.Context, e *CanonicalExpense) (inserted bool, err error)

	// UpdateExpense overwrites the mutable fields of the document at e.ID.
	UpdateExpense(ctx context.Context, e *CanonicalExpense) error

	// LockOpenJob holds jobID open until the transaction ends, so nothing
	// can finish the job meanwhile. Returns ErrJobClosed when the job is
	// already completed or failed.
	LockOpenJob(ctx context.Context, jobID string) error
}

// Repository is the document store behind imports.
type Repository interface {
	// RunInTx runs fn atomically. The transaction commits when fn returns
	// nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetExpense(ctx context.Context, id string) (*CanonicalExpense, error)
	// ListExpenses returns matches sorted by date, newest first.
	ListExpenses(ctx context.Context, filter ExpenseFilter) ([]*CanonicalExpense, error)

	// CreateImportJob inserts a new job, or returns ErrJobExists.
	CreateImportJob(ctx context.Context, job *ImportJob) error
	// SaveImportJob inserts or replaces the job document. A stored job that
	// is already completed or failed is never overwritten: ErrJobClosed.
	SaveImportJob(ctx context.Context, job *ImportJob) error
	GetImportJob(ctx context.Context, jobID string) (*ImportJob, error)
	// ListImportJobs returns matches sorted by start time, newest first.
	ListImportJobs(ctx context.Context, filter JobFilter) ([]*ImportJob, error)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
