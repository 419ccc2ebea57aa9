package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
)

var (
	// ErrWaitExhausted is returned when a job is still running after the last attempt.
	ErrWaitExhausted = errors.New("job did not finish in time")

	// ErrInvalidInterval is returned for a poll interval that is not positive.
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// JobReader is the part of the repository WaitForJob needs.
type JobReader interface {
	GetImportJob(ctx context.Context, jobID string) (*repository.ImportJob, error)
}

// WaitForJob polls until the job is terminal, at most maxAttempts times,
// sleeping interval between attempts. A job that does not exist yet is
// polled like a running one. The last observed job is returned with
// ErrWaitExhausted.
func WaitForJob(ctx context.Context, repo JobReader, jobID string, interval time.Duration, maxAttempts int) (*repository.ImportJob, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *repository.ImportJob
	for attempt := 1; ; attempt++ {
		job, err := repo.GetImportJob(ctx, jobID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return last, fmt.Errorf("failed to poll job %s: %w", jobID, err)
		default:
			last = job
			if job.Status.Terminal() {
				return job, nil
			}
		}

		if attempt >= maxAttempts {
			return last, fmt.Errorf("%w: %s after %d attempts", ErrWaitExhausted, jobID, attempt)
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
