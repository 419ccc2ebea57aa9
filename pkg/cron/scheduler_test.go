package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReaper struct {
	mu     sync.Mutex
	calls  int
	got    time.Duration
	reaped int
	err    error
	done   chan struct{}
}

func (f *fakeReaper) ReapStaleJobs(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = olderThan
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
	return f.reaped, f.err
}

type fakePruner struct{ ttl time.Duration }

func (f *fakePruner) Prune(ttl time.Duration) int {
	f.ttl = ttl
	return 3
}

type fakeArchive struct {
	calls     int
	retention time.Duration
	err       error
}

func (f *fakeArchive) PruneArchive(_ context.Context, retention time.Duration) (int, error) {
	f.calls++
	f.retention = retention
	return 1, f.err
}

type fakeRecorder struct{ n int }

func (f *fakeRecorder) JobsReaped(n int) { f.n += n }

func TestScheduler_RunMaintenance(t *testing.T) {
	reaper := &fakeReaper{reaped: 2}
	pruner := &fakePruner{}
	rec := &fakeRecorder{}

	s := NewScheduler(reaper, Config{Schedule: "*/5 * * * *", StaleAfter: 30 * time.Minute, TrackerTTL: time.Hour}, testLogger()).
		WithTrackers(pruner).
		WithMetrics(rec)

	s.runMaintenance()

	assert.Equal(t, 1, reaper.calls)
	assert.Equal(t, 30*time.Minute, reaper.got)
	assert.Equal(t, time.Hour, pruner.ttl)
	assert.Equal(t, 2, rec.n)
}

func TestScheduler_ReapErrorStillPrunes(t *testing.T) {
	reaper := &fakeReaper{err: errors.New("store down")}
	pruner := &fakePruner{}
	rec := &fakeRecorder{}

	s := NewScheduler(reaper, Config{Schedule: "@every 1h", TrackerTTL: time.Minute}, testLogger()).
		WithTrackers(pruner).
		WithMetrics(rec)
	s.runMaintenance()

	assert.Equal(t, time.Minute, pruner.ttl)
	assert.Zero(t, rec.n)
}

func TestScheduler_StartRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(&fakeReaper{}, Config{Schedule: "every tuesday"}, testLogger())
	assert.Error(t, s.Start())
}

func TestScheduler_RunNow(t *testing.T) {
	done := make(chan struct{})
	reaper := &fakeReaper{done: done}

	s := NewScheduler(reaper, Config{Schedule: "@every 1h", StaleAfter: time.Minute}, testLogger())
	require.NoError(t, s.Start())
	defer s.Stop()

	s.RunNow()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance did not run")
	}
}

func TestScheduler_PrunesArchive(t *testing.T) {
	tests := []struct {
		name      string
		retention time.Duration
		err       error
		wantCalls int
	}{
		{name: "retention set", retention: 720 * time.Hour, wantCalls: 1},
		{name: "retention disabled", retention: 0, wantCalls: 0},
		{name: "prune error is logged", retention: time.Hour, err: errors.New("disk gone"), wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := &fakeArchive{err: tt.err}
			s := NewScheduler(&fakeReaper{}, Config{Schedule: "@every 1h", Retention: tt.retention}, testLogger()).
				WithArchive(archive)

			s.runMaintenance()

			assert.Equal(t, tt.wantCalls, archive.calls)
			if tt.wantCalls > 0 {
				assert.Equal(t, tt.retention, archive.retention)
			}
		})
	}
}
