// Package service provides the import orchestration logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/extractor"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/fingerprint"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/normalizer"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/parser"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-importer/pkg/money"
	"github.com/FACorreiaa/statement-importer/pkg/storage"
)

var (
	// ErrNoTransactions is returned when a statement was read but no rows were recognized.
	ErrNoTransactions = errors.New("no transactions found in statement")

	// ErrArchiveDisabled is returned by statement lookups when no archive is configured.
	ErrArchiveDisabled = errors.New("statement archive disabled")
)

// TracerName names the tracer the import pipeline starts its spans on.
const TracerName = "github.com/FACorreiaa/statement-importer/internal/domain/import/service"

// Progress checkpoints, in percent.
const (
	progressChecksum  = 5
	progressPersisted = 10
	progressExtracted = 20
	progressParsed    = 30
	progressRowsSpan  = 65
)

// MetricsRecorder receives import outcomes. Implemented by pkg/metrics.
type MetricsRecorder interface {
	RowProcessed(source, outcome string)
	JobFinished(source, status string, duration time.Duration)
}

// Request describes one uploaded statement.
type Request struct {
	JobID    string // generated when empty
	Source   parser.Source
	FileName string
	Data     []byte
	Password string
	Policy   dedup.Policy // service default when empty
	Currency string       // service default when empty
}

// ImportService orchestrates statement imports
type ImportService struct {
	repo      repository.Repository
	extractor extractor.Extractor
	gateway   *dedup.Gateway
	archive   storage.Storage // Optional: nil disables archiving
	metrics   MetricsRecorder // Optional
	tracer    trace.Tracer
	logger    *slog.Logger

	progressEvery   int
	defaultPolicy   dedup.Policy
	defaultCurrency string
	now             func() time.Time
	newJobID        func() string
}

// NewImportService creates a new import service
func NewImportService(repo repository.Repository, ex extractor.Extractor, gateway *dedup.Gateway, logger *slog.Logger) *ImportService {
	return &ImportService{
		repo:            repo,
		extractor:       ex,
		gateway:         gateway,
		tracer:          otel.Tracer(TracerName),
		logger:          logger,
		progressEvery:   25,
		defaultPolicy:   dedup.PolicySkip,
		defaultCurrency: money.DefaultCurrency,
		now:             time.Now,
		newJobID:        uuid.NewString,
	}
}

// WithStorage archives every uploaded statement under its checksum
func (s *ImportService) WithStorage(st storage.Storage) *ImportService {
	s.archive = st
	return s
}

// WithMetrics adds outcome metrics to the import service
func (s *ImportService) WithMetrics(m MetricsRecorder) *ImportService {
	s.metrics = m
	return s
}

// WithTracer replaces the global otel tracer
func (s *ImportService) WithTracer(t trace.Tracer) *ImportService {
	s.tracer = t
	return s
}

// WithProgressEvery sets how many rows pass between job progress writes
func (s *ImportService) WithProgressEvery(n int) *ImportService {
	if n > 0 {
		s.progressEvery = n
	}
	return s
}

// WithDefaults sets the policy and currency used when a request leaves them empty
func (s *ImportService) WithDefaults(policy dedup.Policy, currency string) *ImportService {
	if policy != "" {
		s.defaultPolicy = policy
	}
	if currency != "" {
		s.defaultCurrency = currency
	}
	return s
}

// WithClock overrides the time source
func (s *ImportService) WithClock(now func() time.Time) *ImportService {
	s.now = now
	return s
}

// Import runs one statement through checksum, short-circuit lookup,
// extraction, parsing and per-row upsert. The returned job is always
// populated once the request has been validated. Job-aborting failures are
// returned as an error together with the failed job.
//
// tracker may be nil.
func (s *ImportService) Import(ctx context.Context, req Request, tracker *Tracker) (*repository.ImportJob, error) {
	if tracker == nil {
		tracker = NewTracker()
	}
	if len(req.Data) == 0 {
		return nil, errors.New("empty upload")
	}

	policy := req.Policy
	if policy == "" {
		policy = s.defaultPolicy
	}
	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = s.newJobID()
	}

	ctx, span := s.tracer.Start(ctx, "import.statement", trace.WithAttributes(
		attribute.String("job_id", jobID),
		attribute.String("source", string(req.Source)),
		attribute.String("policy", string(policy)),
	))
	defer span.End()

	logger := s.logger.With(slog.String("job_id", jobID), slog.String("source", string(req.Source)))

	job := &repository.ImportJob{
		JobID:     jobID,
		Status:    repository.JobQueued,
		Source:    string(req.Source),
		FileName:  req.FileName,
		Errors:    []string{},
		StartedAt: s.now(),
	}
	tracker.update(job, 0)

	// Step 1: checksum
	job.SourceFileChecksum = fingerprint.FileChecksum(req.Data)
	tracker.update(job, progressChecksum)

	// Step 2: short-circuit identical re-uploads
	prior, err := s.findCompletedImport(ctx, job.SourceFileChecksum)
	if err != nil {
		return s.fail(ctx, span, job, tracker, false, err)
	}
	if prior != nil {
		return s.shortCircuit(ctx, span, job, prior, tracker)
	}

	// Step 3: persist as processing
	if err := job.TransitionTo(repository.JobProcessing, s.now()); err != nil {
		return s.fail(ctx, span, job, tracker, false, err)
	}
	if err := s.repo.CreateImportJob(ctx, job); err != nil {
		return s.fail(ctx, span, job, tracker, false, fmt.Errorf("failed to create import job: %w", err))
	}
	tracker.update(job, progressPersisted)
	logger.Info("import started", slog.String("file", req.FileName), slog.String("checksum", job.SourceFileChecksum))

	s.archiveStatement(ctx, job, req)

	// Step 4: extract
	lines, err := s.extract(ctx, req)
	if err != nil {
		return s.fail(ctx, span, job, tracker, true, err)
	}
	tracker.update(job, progressExtracted)

	// Step 5: parse. An unknown source panics here, outside row handling.
	candidates := s.parse(ctx, req.Source, lines)
	if len(candidates) == 0 {
		return s.fail(ctx, span, job, tracker, true, ErrNoTransactions)
	}
	tracker.update(job, progressParsed)
	logger.Info("statement parsed", slog.Int("lines", len(lines)), slog.Int("candidates", len(candidates)))

	// Step 6: rows, strictly in order
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, span, job, tracker, true, fmt.Errorf("import cancelled after %d of %d rows: %w", i, len(candidates), err))
		}

		row := i + 1
		outcome, err := s.processRow(ctx, logger, job, req, row, c, policy, currency)
		if errors.Is(err, repository.ErrJobClosed) {
			return s.abandon(ctx, span, job, tracker, err)
		}
		if err != nil {
			job.AddError(fmt.Sprintf("Row %d: %v", row, err))
			logger.Warn("row failed", slog.Int("row", row), slog.Any("error", err))
			outcome = "error"
		}
		if s.metrics != nil {
			s.metrics.RowProcessed(job.Source, outcome)
		}

		if row%s.progressEvery == 0 && row < len(candidates) {
			if err := s.repo.SaveImportJob(ctx, job); err != nil {
				if errors.Is(err, repository.ErrJobClosed) {
					return s.abandon(ctx, span, job, tracker, err)
				}
				logger.Warn("failed to update import job progress", slog.Any("error", err))
			}
		}
		tracker.update(job, progressParsed+progressRowsSpan*row/len(candidates))
	}

	// Step 7: complete
	if err := job.TransitionTo(repository.JobCompleted, s.now()); err != nil {
		return s.fail(ctx, span, job, tracker, true, err)
	}
	if err := s.repo.SaveImportJob(context.WithoutCancel(ctx), job); err != nil {
		if errors.Is(err, repository.ErrJobClosed) {
			return s.abandon(ctx, span, job, tracker, err)
		}
		tracker.finish(job)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save completed job")
		return job, fmt.Errorf("failed to save completed import job: %w", err)
	}

	tracker.finish(job)
	s.recordJob(job)
	span.SetAttributes(
		attribute.Int("created", job.Created),
		attribute.Int("skipped", job.Skipped),
		attribute.Int("updated", job.Updated),
		attribute.Int("duplicates", job.Duplicates),
		attribute.Int("errors", len(job.Errors)),
	)
	logger.Info("import completed",
		slog.Int("created", job.Created),
		slog.Int("skipped", job.Skipped),
		slog.Int("updated", job.Updated),
		slog.Int("duplicates", job.Duplicates),
		slog.Int("errors", len(job.Errors)),
	)
	return job, nil
}

func (s *ImportService) findCompletedImport(ctx context.Context, checksum string) (*repository.ImportJob, error) {
	jobs, err := s.repo.ListImportJobs(ctx, repository.JobFilter{
		Status:   repository.JobCompleted,
		Checksum: checksum,
		Limit:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up previous imports: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// shortCircuit records a completed job that reuses the prior job's counts
// without parsing or writing any expense.
func (s *ImportService) shortCircuit(ctx context.Context, span trace.Span, job, prior *repository.ImportJob, tracker *Tracker) (*repository.ImportJob, error) {
	job.Created = prior.Created
	job.Skipped = prior.Skipped
	job.Updated = prior.Updated
	job.Duplicates = prior.Duplicates
	job.AddError(fmt.Sprintf("skipped: file already imported by job %s", prior.JobID))

	now := s.now()
	for _, next := range []repository.JobStatus{repository.JobProcessing, repository.JobCompleted} {
		if err := job.TransitionTo(next, now); err != nil {
			return s.fail(ctx, span, job, tracker, false, err)
		}
	}
	if err := s.repo.CreateImportJob(ctx, job); err != nil {
		return s.fail(ctx, span, job, tracker, false, fmt.Errorf("failed to save import job: %w", err))
	}

	tracker.finish(job)
	s.recordJob(job)
	span.SetAttributes(attribute.String("short_circuit_of", prior.JobID))
	s.logger.Info("import short-circuited",
		slog.String("job_id", job.JobID),
		slog.String("prior_job_id", prior.JobID),
	)
	return job, nil
}

// archiveStatement is best effort; failures become job warnings.
func (s *ImportService) archiveStatement(ctx context.Context, job *repository.ImportJob, req Request) {
	if s.archive == nil {
		return
	}
	if _, err := s.archive.Stat(ctx, job.SourceFileChecksum); err == nil {
		return
	}
	contentType := http.DetectContentType(req.Data)
	if _, err := s.archive.Archive(ctx, job.SourceFileChecksum, req.FileName, contentType, bytes.NewReader(req.Data)); err != nil {
		job.AddError(fmt.Sprintf("warning: statement not archived: %v", err))
		s.logger.Warn("failed to archive statement", slog.String("job_id", job.JobID), slog.Any("error", err))
	}
}

func (s *ImportService) extract(ctx context.Context, req Request) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "import.extract")
	defer span.End()

	lines, err := s.extractor.ExtractText(ctx, req.Data, req.Password)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to extract text: %w", err)
	}
	span.SetAttributes(attribute.Int("lines", len(lines)))
	return lines, nil
}

func (s *ImportService) parse(ctx context.Context, source parser.Source, lines []string) []parser.Candidate {
	_, span := s.tracer.Start(ctx, "import.parse")
	defer span.End()

	candidates := parser.For(source).Parse(strings.Join(lines, "\n"))
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	return candidates
}

// processRow normalizes, fingerprints and upserts one candidate, bumping the
// matching job counter. Panics are converted to row errors.
func (s *ImportService) processRow(
	ctx context.Context,
	logger *slog.Logger,
	job *repository.ImportJob,
	req Request,
	row int,
	c parser.Candidate,
	policy dedup.Policy,
	currency string,
) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	fields, warnings := normalizer.NormalizeRecord(c)
	for _, w := range warnings {
		job.AddError(fmt.Sprintf("Row %d: warning: %s", row, w))
		logger.Warn("normalizer fallback", slog.Int("row", row), slog.String("warning", w))
	}

	expense := buildExpense(req.Source, c, fields, fingerprint.FromFields(fields), currency, job.SourceFileChecksum)

	// A submitted upsert runs to completion even if the caller goes away.
	ctx, span := s.tracer.Start(context.WithoutCancel(ctx), "import.upsert", trace.WithAttributes(
		attribute.Int("row", row),
		attribute.String("key", expense.Key()),
	))
	defer span.End()

	res, err := s.gateway.UpsertForJob(ctx, job.JobID, expense, policy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return "", err
	}
	span.SetAttributes(attribute.String("action", string(res.Action)))

	switch res.Action {
	case dedup.ActionCreated:
		job.Created++
	case dedup.ActionSkipped:
		job.Skipped++
	case dedup.ActionUpdated:
		job.Updated++
	case dedup.ActionMarkedDuplicate:
		job.Duplicates++
	}
	return string(res.Action), nil
}

func buildExpense(source parser.Source, c parser.Candidate, f normalizer.Fields, fp, currency, checksum string) *repository.CanonicalExpense {
	e := &repository.CanonicalExpense{
		Fingerprint:        fp,
		Source:             string(source),
		Date:               f.Date,
		Amount:             f.Amount,
		Currency:           currency,
		Vendor:             f.Vendor,
		Status:             repository.ParseExpenseStatus(c.Status),
		TransactionType:    f.TransactionType,
		RawText:            c.Raw,
		SourceFileChecksum: checksum,
	}
	if id := strings.TrimSpace(c.SourceTransactionID); id != "" {
		e.SourceTransactionID = &id
	}
	if cat := strings.TrimSpace(c.Category); cat != "" {
		e.Category = &cat
	}
	return e
}

// abandon stops an import whose job was already finished elsewhere, usually
// by the stale-job reaper. The stored job is authoritative and the row in
// flight was rolled back with its transaction.
func (s *ImportService) abandon(ctx context.Context, span trace.Span, job *repository.ImportJob, tracker *Tracker, cause error) (*repository.ImportJob, error) {
	stored, err := s.repo.GetImportJob(context.WithoutCancel(ctx), job.JobID)
	if err != nil {
		s.logger.Warn("failed to reload closed import job", slog.String("job_id", job.JobID), slog.Any("error", err))
		stored = job
		stored.AddError(cause.Error())
		if stored.Status != repository.JobFailed {
			stored.Status = repository.JobFailed
			finished := s.now()
			stored.FinishedAt = &finished
		}
	}

	tracker.finish(stored)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "import job closed while running")
	s.logger.Error("import abandoned",
		slog.String("job_id", job.JobID),
		slog.String("stored_status", string(stored.Status)),
		slog.Int("rows_written", job.Created+job.Updated+job.Duplicates),
	)
	return stored, fmt.Errorf("import stopped: %w", cause)
}

// fail marks the job failed, best-effort persists it when it reached the
// store, and returns it with the cause.
func (s *ImportService) fail(ctx context.Context, span trace.Span, job *repository.ImportJob, tracker *Tracker, persisted bool, cause error) (*repository.ImportJob, error) {
	job.AddError(cause.Error())
	if err := job.TransitionTo(repository.JobFailed, s.now()); err != nil {
		s.logger.Error("failed to mark job failed", slog.String("job_id", job.JobID), slog.Any("error", err))
	}

	if persisted {
		if err := s.repo.SaveImportJob(context.WithoutCancel(ctx), job); err != nil {
			s.logger.Warn("failed to persist failed import job", slog.String("job_id", job.JobID), slog.Any("error", err))
		}
	}

	tracker.finish(job)
	s.recordJob(job)
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	s.logger.Error("import failed", slog.String("job_id", job.JobID), slog.Any("error", cause))
	return job, cause
}

func (s *ImportService) recordJob(job *repository.ImportJob) {
	if s.metrics == nil {
		return
	}
	end := s.now()
	if job.FinishedAt != nil {
		end = *job.FinishedAt
	}
	s.metrics.JobFinished(job.Source, string(job.Status), end.Sub(job.StartedAt))
}

// GetJob returns a persisted import job
func (s *ImportService) GetJob(ctx context.Context, jobID string) (*repository.ImportJob, error) {
	return s.repo.GetImportJob(ctx, jobID)
}

// ListJobs returns import history, newest first
func (s *ImportService) ListJobs(ctx context.Context, limit int) ([]*repository.ImportJob, error) {
	return s.repo.ListImportJobs(ctx, repository.JobFilter{Limit: limit})
}

// ReapStaleJobs fails jobs stuck in processing for longer than olderThan.
// Returns the number of jobs moved to failed.
func (s *ImportService) ReapStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.now()
	stale, err := s.repo.ListImportJobs(ctx, repository.JobFilter{
		Status:        repository.JobProcessing,
		StartedBefore: now.Add(-olderThan),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	reaped := 0
	for _, job := range stale {
		job.AddError(fmt.Sprintf("abandoned: still processing after %s", olderThan))
		if err := job.TransitionTo(repository.JobFailed, now); err != nil {
			continue
		}
		if err := s.repo.SaveImportJob(ctx, job); err != nil {
			if errors.Is(err, repository.ErrJobClosed) {
				// Finished between the listing and the save.
				continue
			}
			s.logger.Warn("failed to reap stale job", slog.String("job_id", job.JobID), slog.Any("error", err))
			continue
		}
		s.recordJob(job)
		reaped++
	}
	return reaped, nil
}

// OpenStatement returns the archived upload behind a job.
func (s *ImportService) OpenStatement(ctx context.Context, jobID string) (io.ReadCloser, *storage.FileInfo, error) {
	if s.archive == nil {
		return nil, nil, ErrArchiveDisabled
	}
	job, err := s.repo.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return s.archive.Open(ctx, job.SourceFileChecksum)
}

// PruneArchive deletes archived statements older than retention and
// returns how many were removed. A zero retention keeps everything.
func (s *ImportService) PruneArchive(ctx context.Context, retention time.Duration) (int, error) {
	if s.archive == nil || retention <= 0 {
		return 0, nil
	}
	files, err := s.archive.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list archived statements: %w", err)
	}

	cutoff := s.now().Add(-retention)
	pruned := 0
	for _, f := range files {
		if !f.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.archive.Delete(ctx, f.Checksum); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			s.logger.Warn("failed to prune archived statement", slog.String("checksum", f.Checksum), slog.Any("error", err))
			continue
		}
		pruned++
	}
	if pruned > 0 {
		s.logger.Info("pruned archived statements", slog.Int("count", pruned), slog.Duration("retention", retention))
	}
	return pruned, nil
}
