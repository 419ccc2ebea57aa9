// Package dedup writes canonical expenses so that each real-world
// transaction is stored at most once per policy.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
)

// ErrUnknownPolicy is returned by ParsePolicy for unsupported values.
var ErrUnknownPolicy = errors.New("unknown duplicate policy")

// Policy decides what happens when a key is already stored.
type Policy string

const (
	PolicySkip          Policy = "skip"
	PolicyUpdate        Policy = "update"
	PolicyMarkDuplicate Policy = "mark_duplicate"
)

// ParsePolicy validates raw. An empty string yields PolicySkip.
func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PolicySkip, nil
	case PolicySkip, PolicyUpdate, PolicyMarkDuplicate:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, raw)
	}
}

// Action is what Upsert did.
type Action string

const (
	ActionCreated         Action = "created"
	ActionSkipped         Action = "skipped"
	ActionUpdated         Action = "updated"
	ActionMarkedDuplicate Action = "marked_duplicate"
)

// Result of one Upsert.
type Result struct {
	Action Action `json:"action"`
	ID     string `json:"id"`
}

// Gateway performs the existence-check-then-write for canonical expenses.
type Gateway struct {
	repo   repository.Repository
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewGateway creates a gateway over repo.
func NewGateway(repo repository.Repository, logger *slog.Logger) *Gateway {
	return &Gateway{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithClock overrides the timestamp source.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// WithIDGenerator overrides how keys for marked duplicates are generated.
func (g *Gateway) WithIDGenerator(newID func() string) *Gateway {
	g.newID = newID
	return g
}

// Upsert stores e under its key according to policy. The whole
// read-then-write runs in one transaction, so concurrent callers racing on
// the same key see exactly one ActionCreated between them.
//
// e.ID, CreatedAt and UpdatedAt are assigned by Upsert.
func (g *Gateway) Upsert(ctx context.Context, e *repository.CanonicalExpense, policy Policy) (Result, error) {
	return g.UpsertForJob(ctx, "", e, policy)
}

// UpsertForJob is Upsert on behalf of an import job. The write only commits
// while jobID is still open; once the job has been completed or failed it
// rolls back with repository.ErrJobClosed.
func (g *Gateway) UpsertForJob(ctx context.Context, jobID string, e *repository.CanonicalExpense, policy Policy) (Result, error) {
	key := e.Key()
	if key == "" {
		return Result{}, errors.New("expense has neither transaction id nor fingerprint")
	}

	var res Result
	err := g.repo.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		res = Result{}

		if jobID != "" {
			if err := tx.LockOpenJob(ctx, jobID); err != nil {
				return err
			}
		}

		existing, err := tx.GetExpenseForUpdate(ctx, key)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			now := g.now()
			doc := e.Clone()
			doc.ID = key
			doc.IsDuplicate = false
			doc.DuplicateOf = nil
			doc.CreatedAt = now
			doc.UpdatedAt = now

			inserted, err := tx.InsertExpense(ctx, doc)
			if err != nil {
				return fmt.Errorf("failed to insert expense: %w", err)
			}
			if inserted {
				res = Result{Action: ActionCreated, ID: key}
				return nil
			}

			// Another writer committed the key between our read and insert.
			existing, err = tx.GetExpenseForUpdate(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to read concurrent expense: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to read expense: %w", err)
		}

		res, err = g.resolveExisting(ctx, tx, existing, e, policy)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	g.logger.Debug("expense upserted", "key", key, "action", res.Action, "id", res.ID)
	return res, nil
}

func (g *Gateway) resolveExisting(ctx context.Context, tx repository.Tx, existing, e *repository.CanonicalExpense, policy Policy) (Result, error) {
	switch policy {
	case PolicySkip, "":
		return Result{Action: ActionSkipped, ID: existing.ID}, nil

	case PolicyUpdate:
		doc := e.Clone()
		doc.ID = existing.ID
		doc.CreatedAt = existing.CreatedAt
		doc.UpdatedAt = g.now()
		doc.IsDuplicate = existing.IsDuplicate
		doc.DuplicateOf = existing.DuplicateOf
		if err := tx.UpdateExpense(ctx, doc); err != nil {
			return Result{}, fmt.Errorf("failed to update expense: %w", err)
		}
		return Result{Action: ActionUpdated, ID: existing.ID}, nil

	case PolicyMarkDuplicate:
		now := g.now()
		original := existing.ID
		doc := e.Clone()
		doc.ID = g.newID()
		doc.IsDuplicate = true
		doc.DuplicateOf = &original
		doc.CreatedAt = now
		doc.UpdatedAt = now

		inserted, err := tx.InsertExpense(ctx, doc)
		if err != nil {
			return Result{}, fmt.Errorf("failed to insert duplicate: %w", err)
		}
		if !inserted {
			return Result{}, fmt.Errorf("duplicate key %s already taken", doc.ID)
		}
		return Result{Action: ActionMarkedDuplicate, ID: doc.ID}, nil

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}
