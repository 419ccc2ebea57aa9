package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-importer/pkg/money"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixedNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newTestGateway(repo repository.Repository) *Gateway {
	n := 0
	return NewGateway(repo, testLogger()).
		WithClock(func() time.Time { return fixedNow }).
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("dup-%d", n)
		})
}

func grocery() *repository.CanonicalExpense {
	txID := "123456789012"
	return &repository.CanonicalExpense{
		Fingerprint:         "9f2c",
		Source:              "phonepe",
		SourceTransactionID: &txID,
		Date:                "2026-02-10",
		Amount:              decimal.RequireFromString("349.50"),
		Currency:            "INR",
		Vendor:              "ACME GROCERIES",
		Status:              repository.ExpenseCompleted,
		TransactionType:     "PAID",
		SourceFileChecksum:  "sha256:abc",
	}
}

func countAll(t *testing.T, repo repository.Repository) int {
	t.Helper()
	all, err := repo.ListExpenses(context.Background(), repository.ExpenseFilter{})
	require.NoError(t, err)
	return len(all)
}

// ============================================================================
// Policies
// ============================================================================

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicySkip, false},
		{"skip", PolicySkip, false},
		{" Update ", PolicyUpdate, false},
		{"MARK_DUPLICATE", PolicyMarkDuplicate, false},
		{"overwrite", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownPolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGateway_Upsert_CreatesOnFirstSighting(t *testing.T) {
	repo := repository.NewMemoryRepository()
	gw := newTestGateway(repo)

	res, err := gw.Upsert(context.Background(), grocery(), PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, Result{Action: ActionCreated, ID: "123456789012"}, res)

	got, err := repo.GetExpense(context.Background(), "123456789012")
	require.NoError(t, err)
	assert.Equal(t, "ACME GROCERIES", got.Vendor)
	assert.Equal(t, fixedNow, got.CreatedAt)
	assert.False(t, got.IsDuplicate)
}

func TestGateway_Upsert_KeysByFingerprintWithoutTransactionID(t *testing.T) {
	repo := repository.NewMemoryRepository()
	gw := newTestGateway(repo)

	e := grocery()
	e.SourceTransactionID = nil

	res, err := gw.Upsert(context.Background(), e, PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, "9f2c", res.ID)
}

func TestGateway_Upsert_SkipIsIdempotent(t *testing.T) {
	repo := repository.NewMemoryRepository()
	gw := newTestGateway(repo)
	ctx := context.Background()

	_, err := gw.Upsert(ctx, grocery(), PolicySkip)
	require.NoError(t, err)

	changed := grocery()
	changed.Vendor = "SOMETHING ELSE"
	res, err := gw.Upsert(ctx, changed, PolicySkip)
	require.NoError(t, err)

	assert.Equal(t, Result{Action: ActionSkipped, ID: "123456789012"}, res)
	assert.Equal(t, 1, countAll(t, repo))

	got, _ := repo.GetExpense(ctx, "123456789012")
	assert.Equal(t, "ACME GROCERIES", got.Vendor)
}

func TestGateway_Upsert_Update(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	_, err := newTestGateway(repo).Upsert(ctx, grocery(), PolicySkip)
	require.NoError(t, err)

	later := fixedNow.Add(time.Hour)
	gw := NewGateway(repo, testLogger()).WithClock(func() time.Time { return later })

	changed := grocery()
	changed.Amount = decimal.RequireFromString("350.00")
	category := "groceries"
	changed.Category = &category

	res, err := gw.Upsert(ctx, changed, PolicyUpdate)
	require.NoError(t, err)
	assert.Equal(t, Result{Action: ActionUpdated, ID: "123456789012"}, res)
	assert.Equal(t, 1, countAll(t, repo))

	got, err := repo.GetExpense(ctx, "123456789012")
	require.NoError(t, err)
	assert.Equal(t, "350.00", got.Amount.StringFixed(2))
	require.NotNil(t, got.Category)
	assert.Equal(t, "groceries", *got.Category)
	assert.Equal(t, fixedNow, got.CreatedAt)
	assert.Equal(t, later, got.UpdatedAt)
}

func TestGateway_Upsert_MarkDuplicate(t *testing.T) {
	repo := repository.NewMemoryRepository()
	gw := newTestGateway(repo)
	ctx := context.Background()

	_, err := gw.Upsert(ctx, grocery(), PolicyMarkDuplicate)
	require.NoError(t, err)

	res, err := gw.Upsert(ctx, grocery(), PolicyMarkDuplicate)
	require.NoError(t, err)
	assert.Equal(t, Result{Action: ActionMarkedDuplicate, ID: "dup-1"}, res)
	assert.Equal(t, 2, countAll(t, repo))

	dup, err := repo.GetExpense(ctx, "dup-1")
	require.NoError(t, err)
	assert.True(t, dup.IsDuplicate)
	require.NotNil(t, dup.DuplicateOf)
	assert.Equal(t, "123456789012", *dup.DuplicateOf)
	assert.Equal(t, "9f2c", dup.Fingerprint)

	original, err := repo.GetExpense(ctx, "123456789012")
	require.NoError(t, err)
	assert.False(t, original.IsDuplicate)
	assert.Nil(t, original.DuplicateOf)
}

func TestGateway_Upsert_UnknownPolicyOnExistingKey(t *testing.T) {
	repo := repository.NewMemoryRepository()
	gw := newTestGateway(repo)
	ctx := context.Background()

	_, err := gw.Upsert(ctx, grocery(), PolicySkip)
	require.NoError(t, err)

	_, err = gw.Upsert(ctx, grocery(), Policy("overwrite"))
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestGateway_Upsert_MissingKey(t *testing.T) {
	gw := newTestGateway(repository.NewMemoryRepository())

	e := grocery()
	e.SourceTransactionID = nil
	e.Fingerprint = ""

	_, err := gw.Upsert(context.Background(), e, PolicySkip)
	assert.Error(t, err)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestGateway_Upsert_ConcurrentSameKey(t *testing.T) {
	repo := repository.NewMemoryRepository()
	gw := NewGateway(repo, testLogger())

	const workers = 16
	results := make([]Result, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = gw.Upsert(context.Background(), grocery(), PolicySkip)
		}()
	}
	close(start)
	wg.Wait()

	created := 0
	for i := range workers {
		require.NoError(t, errs[i])
		if results[i].Action == ActionCreated {
			created++
		} else {
			assert.Equal(t, ActionSkipped, results[i].Action)
		}
		assert.Equal(t, "123456789012", results[i].ID)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, countAll(t, repo))
}

func TestGateway_Upsert_ManyRandomExpenses(t *testing.T) {
	faker := gofakeit.New(42)
	gen := money.NewTestDataGeneratorWithSeed(42)
	repo := repository.NewMemoryRepository()
	gw := NewGateway(repo, testLogger())
	ctx := context.Background()

	keys := make(map[string]bool)
	for range 50 {
		e := &repository.CanonicalExpense{
			Fingerprint: faker.LetterN(64),
			Source:      "axis",
			Date:        gen.Date(fixedNow),
			Amount:      gen.RandomAmount(money.INR, 100, 500_000),
			Currency:    money.INR,
			Vendor:      gen.Vendor(),
			Status:      repository.ExpenseCompleted,
		}
		res, err := gw.Upsert(ctx, e, PolicySkip)
		require.NoError(t, err)
		assert.Equal(t, ActionCreated, res.Action)
		keys[res.ID] = true

		again, err := gw.Upsert(ctx, e, PolicySkip)
		require.NoError(t, err)
		assert.Equal(t, ActionSkipped, again.Action)
	}
	assert.Equal(t, len(keys), countAll(t, repo))
}

// racingRepo simulates a competing writer that commits between the
// existence check and the insert.
type racingRepo struct {
	repository.Repository
	winner *repository.CanonicalExpense
}

func (r *racingRepo) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, &racingTx{winner: r.winner})
}

type racingTx struct {
	winner *repository.CanonicalExpense
	reads  int
}

func (t *racingTx) GetExpenseForUpdate(_ context.Context, _ string) (*repository.CanonicalExpense, error) {
	t.reads++
	if t.reads == 1 {
		return nil, repository.ErrNotFound
	}
	return t.winner.Clone(), nil
}

func (t *racingTx) InsertExpense(_ context.Context, _ *repository.CanonicalExpense) (bool, error) {
	return false, nil
}

func (t *racingTx) UpdateExpense(_ context.Context, _ *repository.CanonicalExpense) error {
	return errors.New("unexpected update")
}

func (t *racingTx) LockOpenJob(_ context.Context, _ string) error {
	return nil
}

func TestGateway_Upsert_LoserFallsIntoPolicy(t *testing.T) {
	winner := grocery()
	winner.ID = "123456789012"
	gw := newTestGateway(&racingRepo{winner: winner})

	res, err := gw.Upsert(context.Background(), grocery(), PolicySkip)
	require.NoError(t, err)
	assert.Equal(t, Result{Action: ActionSkipped, ID: "123456789012"}, res)
}

func TestGateway_UpsertForJob(t *testing.T) {
	ctx := context.Background()
	started := fixedNow.Add(-time.Hour)

	t.Run("writes while the job is open", func(t *testing.T) {
		repo := repository.NewMemoryRepository()
		require.NoError(t, repo.CreateImportJob(ctx, &repository.ImportJob{JobID: "job-1", Status: repository.JobProcessing, StartedAt: started}))

		res, err := newTestGateway(repo).UpsertForJob(ctx, "job-1", grocery(), PolicySkip)
		require.NoError(t, err)
		assert.Equal(t, ActionCreated, res.Action)
	})

	t.Run("rolls back once the job was failed elsewhere", func(t *testing.T) {
		repo := repository.NewMemoryRepository()
		job := &repository.ImportJob{JobID: "job-1", Status: repository.JobProcessing, StartedAt: started}
		require.NoError(t, repo.CreateImportJob(ctx, job))
		require.NoError(t, job.TransitionTo(repository.JobFailed, fixedNow))
		require.NoError(t, repo.SaveImportJob(ctx, job))

		e := grocery()
		_, err := newTestGateway(repo).UpsertForJob(ctx, "job-1", e, PolicySkip)
		assert.ErrorIs(t, err, repository.ErrJobClosed)

		_, err = repo.GetExpense(ctx, e.Key())
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}
