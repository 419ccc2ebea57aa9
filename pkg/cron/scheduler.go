// Package cron provides scheduled background jobs using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// JobReaper fails imports stuck in processing.
type JobReaper interface {
	ReapStaleJobs(ctx context.Context, olderThan time.Duration) (int, error)
}

// TrackerPruner drops finished progress trackers.
type TrackerPruner interface {
	Prune(ttl time.Duration) int
}

// ArchivePruner deletes archived statements past their retention.
type ArchivePruner interface {
	PruneArchive(ctx context.Context, retention time.Duration) (int, error)
}

// ReapRecorder counts reaped jobs. Implemented by pkg/metrics.
type ReapRecorder interface {
	JobsReaped(n int)
}

// Config controls the maintenance schedule.
type Config struct {
	Schedule   string        // standard 5-field cron expression
	StaleAfter time.Duration // processing jobs older than this are failed
	TrackerTTL time.Duration // finished trackers older than this are dropped
	Retention  time.Duration // archived statements older than this are deleted; 0 keeps them
}

// Scheduler manages background scheduled jobs using robfig/cron.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	reaper   JobReaper
	trackers TrackerPruner // Optional
	archive  ArchivePruner // Optional
	metrics  ReapRecorder  // Optional
	logger   *slog.Logger
}

// NewScheduler creates a new job scheduler.
func NewScheduler(reaper JobReaper, cfg Config, logger *slog.Logger) *Scheduler {
	// Create cron with seconds disabled (standard 5-field format)
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	return &Scheduler{
		cron:   c,
		cfg:    cfg,
		reaper: reaper,
		logger: logger,
	}
}

func (s *Scheduler) WithTrackers(t TrackerPruner) *Scheduler {
	s.trackers = t
	return s
}

func (s *Scheduler) WithArchive(a ArchivePruner) *Scheduler {
	s.archive = a
	return s
}

func (s *Scheduler) WithMetrics(m ReapRecorder) *Scheduler {
	s.metrics = m
	return s
}

// Start begins scheduled jobs.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.runMaintenance); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.Int("jobs", len(s.cron.Entries())),
		slog.String("schedule", s.cfg.Schedule),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow manually triggers a maintenance pass.
func (s *Scheduler) RunNow() {
	go s.runMaintenance()
}

func (s *Scheduler) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	reaped, err := s.reaper.ReapStaleJobs(ctx, s.cfg.StaleAfter)
	if err != nil {
		s.logger.Error("failed to reap stale import jobs", slog.Any("error", err))
	}
	if reaped > 0 {
		s.logger.Warn("reaped stale import jobs",
			slog.Int("jobs", reaped),
			slog.Duration("stale_after", s.cfg.StaleAfter),
		)
		if s.metrics != nil {
			s.metrics.JobsReaped(reaped)
		}
	}

	pruned := 0
	if s.trackers != nil {
		pruned = s.trackers.Prune(s.cfg.TrackerTTL)
	}

	archived := 0
	if s.archive != nil && s.cfg.Retention > 0 {
		archived, err = s.archive.PruneArchive(ctx, s.cfg.Retention)
		if err != nil {
			s.logger.Error("failed to prune statement archive", slog.Any("error", err))
		}
	}

	s.logger.Debug("import maintenance completed",
		slog.Int("jobs_reaped", reaped),
		slog.Int("trackers_pruned", pruned),
		slog.Int("statements_pruned", archived),
	)
}
