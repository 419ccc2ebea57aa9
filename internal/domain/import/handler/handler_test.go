package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/FACorreiaa/statement-importer/internal/domain/expense"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/extractor"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/statement-importer/internal/domain/import/service"
	"github.com/FACorreiaa/statement-importer/pkg/storage"
)

const axisStatement = `Tran Date Chq No Particulars Debit Credit Balance Init.Br
01-01-2026 12345 NEFT ACME VENDORS PVT LTD 1000.00 49000.00
02-01-2026 UPI P2M CORNER CAFE 250.00 48750.00
03-01-2026 SALARY CREDIT ACME CORP 50000.00 98750.00`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	repo     *repository.MemoryRepository
	imports  *ImportHandler
	trackers *TrackerRegistry
	mux      *http.ServeMux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithArchive(t, nil)
}

func newTestServerWithArchive(t *testing.T, archive storage.Storage) *testServer {
	t.Helper()
	repo := repository.NewMemoryRepository()
	logger := testLogger()

	gw := dedup.NewGateway(repo, logger)
	svc := importservice.NewImportService(repo, extractor.NewAutoExtractor(logger), gw, logger)
	if archive != nil {
		svc.WithStorage(archive)
	}
	trackers := NewTrackerRegistry()

	mux := http.NewServeMux()
	imports := NewImportHandler(svc, trackers, logger)
	imports.RegisterRoutes(mux)
	NewExpenseHandler(expense.NewService(repo, logger), logger).RegisterRoutes(mux)

	return &testServer{repo: repo, imports: imports, trackers: trackers, mux: mux}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, fields map[string]string, file []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "statement.txt")
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/imports", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// ============================================================================
// Upload
// ============================================================================

func TestUpload_Sync(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(uploadRequest(t, map[string]string{"source": "axis"}, []byte(axisStatement)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	job := decode[repository.ImportJob](t, rec)
	assert.Equal(t, repository.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Created)

	// Same file again short-circuits.
	rec = s.do(uploadRequest(t, map[string]string{"source": "axis"}, []byte(axisStatement)))
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[repository.ImportJob](t, rec)
	assert.NotEqual(t, job.JobID, again.JobID)
	require.NotEmpty(t, again.Errors)
	assert.Contains(t, again.Errors[0], "already imported")
}

func TestUpload_Validation(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		file   []byte
		want   string
	}{
		{name: "missing file", fields: map[string]string{"source": "axis"}, want: "missing file"},
		{name: "empty file", fields: map[string]string{"source": "axis"}, file: []byte{}, want: "file is empty"},
		{name: "unknown source", fields: map[string]string{"source": "sbi"}, file: []byte(axisStatement), want: "unknown statement source"},
		{name: "unknown policy", fields: map[string]string{"source": "axis", "policy": "merge"}, file: []byte(axisStatement), want: "unknown duplicate policy"},
		{name: "bad async flag", fields: map[string]string{"source": "axis", "async": "maybe"}, file: []byte(axisStatement), want: "invalid async flag"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(uploadRequest(t, tt.fields, tt.file))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[map[string]string](t, rec)["error"], tt.want)
		})
	}
}

func TestUpload_TooLarge(t *testing.T) {
	s := newTestServer(t)
	s.imports.WithMaxUpload(1024)

	rec := s.do(uploadRequest(t, map[string]string{"source": "axis"}, bytes.Repeat([]byte("a"), 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUpload_JobAbortingFailure(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(uploadRequest(t, map[string]string{"source": "hdfc", "job_id": "job-bad"}, []byte{0xff, 0xfe, 0x00, 0x01}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body := decode[struct {
		Error string                `json:"error"`
		Job   *repository.ImportJob `json:"job"`
	}](t, rec)
	assert.Contains(t, body.Error, "corrupt")
	require.NotNil(t, body.Job)
	assert.Equal(t, repository.JobFailed, body.Job.Status)
	assert.NotEmpty(t, body.Job.Errors)
}

func TestUpload_Async(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(uploadRequest(t, map[string]string{"source": "axis", "async": "true", "job_id": "job-async"}, []byte(axisStatement)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "job-async", decode[map[string]string](t, rec)["job_id"])

	s.imports.Wait()

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/imports/job-async/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[importservice.Progress](t, rec)
	assert.Equal(t, 100, p.Percent)
	assert.Equal(t, repository.JobCompleted, p.Status)

	job, err := s.repo.GetImportJob(context.Background(), "job-async")
	require.NoError(t, err)
	assert.Equal(t, 3, job.Created)
}

func TestUpload_AsyncGeneratesJobID(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(uploadRequest(t, map[string]string{"source": "axis", "async": "1"}, []byte(axisStatement)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[map[string]string](t, rec)["job_id"]
	require.NotEmpty(t, id)

	s.imports.Wait()
	_, ok := s.trackers.Get(id)
	assert.True(t, ok)
}

func TestUpload_ReusedJobIDConflicts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(uploadRequest(t, map[string]string{"source": "axis", "job_id": "job-1"}, []byte(axisStatement)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	other := []byte("Tran Date Chq No Particulars Debit Credit Balance Init.Br\n05-01-2026 POS STORE 24 499.00 48000.00")
	for _, async := range []string{"false", "true"} {
		t.Run("async="+async, func(t *testing.T) {
			rec := s.do(uploadRequest(t, map[string]string{"source": "axis", "job_id": "job-1", "async": async}, other))
			require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
			assert.Contains(t, decode[map[string]string](t, rec)["error"], "already exists")
		})
	}
	s.imports.Wait()

	job, err := s.repo.GetImportJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, repository.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Created)

	all, err := s.repo.ListExpenses(context.Background(), repository.ExpenseFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpload_ReusedJobIDStoredElsewhere(t *testing.T) {
	s := newTestServer(t)
	// Stored by another process, so this handler never tracked it.
	require.NoError(t, s.repo.CreateImportJob(context.Background(), &repository.ImportJob{
		JobID:  "job-1",
		Status: repository.JobCompleted,
	}))

	rec := s.do(uploadRequest(t, map[string]string{"source": "axis", "job_id": "job-1"}, []byte(axisStatement)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// ============================================================================
// Statement download
// ============================================================================

func TestStatementDownload(t *testing.T) {
	archive, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	s := newTestServerWithArchive(t, archive)

	rec := s.do(uploadRequest(t, map[string]string{"source": "axis", "job_id": "job-1"}, []byte(axisStatement)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/imports/job-1/statement", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, axisStatement, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename=statement.txt`)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/imports/missing/statement", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Job stored but its statement was pruned.
	job, err := s.repo.GetImportJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, archive.Delete(context.Background(), job.SourceFileChecksum))
	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/imports/job-1/statement", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not archived")
}

func TestStatementDownload_ArchiveDisabled(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/imports/job-1/statement", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

// ============================================================================
// Job queries
// ============================================================================

func TestJobQueries(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.repo.SaveImportJob(ctx, &repository.ImportJob{JobID: "old", Status: repository.JobCompleted, StartedAt: base}))
	require.NoError(t, s.repo.SaveImportJob(ctx, &repository.ImportJob{JobID: "new", Status: repository.JobProcessing, StartedAt: base.Add(time.Hour)}))

	t.Run("history is newest first", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/imports", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		jobs := decode[[]repository.ImportJob](t, rec)
		require.Len(t, jobs, 2)
		assert.Equal(t, "new", jobs[0].JobID)
	})

	t.Run("limit", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/imports?limit=1", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[[]repository.ImportJob](t, rec), 1)
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/imports?limit=-2", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/imports/old", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, repository.JobCompleted, decode[repository.ImportJob](t, rec).Status)
	})

	t.Run("get missing", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/imports/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("progress falls back to the stored job", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/imports/old/progress", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 100, decode[importservice.Progress](t, rec).Percent)

		rec = s.do(httptest.NewRequest(http.MethodGet, "/api/imports/new/progress", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		p := decode[importservice.Progress](t, rec)
		assert.Equal(t, 0, p.Percent)
		assert.Equal(t, repository.JobProcessing, p.Status)
	})

	t.Run("progress of a registered but idle tracker", func(t *testing.T) {
		s.trackers.Register("pending", importservice.NewTracker())
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/imports/pending/progress", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		p := decode[importservice.Progress](t, rec)
		assert.Equal(t, "pending", p.JobID)
		assert.Equal(t, repository.JobQueued, p.Status)
	})
}

func TestEvents_StreamsFinalProgress(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(uploadRequest(t, map[string]string{"source": "axis", "job_id": "job-sse"}, []byte(axisStatement)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/imports/job-sse/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"percent":100`)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/imports/unknown/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================================================
// Expenses
// ============================================================================

func seedViaUpload(t *testing.T, s *testServer) {
	t.Helper()
	rec := s.do(uploadRequest(t, map[string]string{"source": "axis"}, []byte(axisStatement)))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExpenses_List(t *testing.T) {
	s := newTestServer(t)
	seedViaUpload(t, s)

	tests := []struct {
		name    string
		query   string
		code    int
		vendors []string
	}{
		{name: "all newest first", query: "", code: http.StatusOK,
			vendors: []string{"SALARY CREDIT ACME CORP", "UPI P2M CORNER CAFE", "NEFT ACME VENDORS PVT LTD"}},
		{name: "date range", query: "?from=2026-01-02&to=2026-01-02", code: http.StatusOK,
			vendors: []string{"UPI P2M CORNER CAFE"}},
		{name: "vendor prefix", query: "?vendor=neft", code: http.StatusOK,
			vendors: []string{"NEFT ACME VENDORS PVT LTD"}},
		{name: "sort by amount desc with limit", query: "?sort=amount&order=desc&limit=1", code: http.StatusOK,
			vendors: []string{"SALARY CREDIT ACME CORP"}},
		{name: "bad date", query: "?from=01-01-2026", code: http.StatusBadRequest},
		{name: "bad sort", query: "?sort=balance", code: http.StatusBadRequest},
		{name: "bad order", query: "?order=up", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(httptest.NewRequest(http.MethodGet, "/api/expenses"+tt.query, nil))
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code != http.StatusOK {
				return
			}
			got := decode[[]repository.CanonicalExpense](t, rec)
			vendors := make([]string, len(got))
			for i, e := range got {
				vendors[i] = e.Vendor
			}
			assert.Equal(t, tt.vendors, vendors)
		})
	}
}

func TestExpenses_Get(t *testing.T) {
	s := newTestServer(t)
	seedViaUpload(t, s)

	all, err := s.repo.ListExpenses(context.Background(), repository.ExpenseFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, all)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/expenses/"+all[0].ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, all[0].Vendor, decode[repository.CanonicalExpense](t, rec).Vendor)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/expenses/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpenses_Export(t *testing.T) {
	s := newTestServer(t)
	seedViaUpload(t, s)

	t.Run("csv", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/expenses/export?source=axis&sort=date", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `attachment; filename="expenses.csv"`, rec.Header().Get("Content-Disposition"))

		lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
		require.Len(t, lines, 4)
		assert.True(t, strings.HasPrefix(lines[1], "2026-01-01,NEFT ACME VENDORS PVT LTD,1000.00,INR"))
	})

	t.Run("xlsx", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/expenses/export?format=xlsx", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		f, err := excelize.OpenReader(rec.Body)
		require.NoError(t, err)
		defer f.Close()
		rows, err := f.GetRows("Expenses")
		require.NoError(t, err)
		assert.Len(t, rows, 4)
	})

	t.Run("unknown format", func(t *testing.T) {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/expenses/export?format=pdf", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// ============================================================================
// Registry
// ============================================================================

func TestTrackerRegistry_Prune(t *testing.T) {
	r := NewTrackerRegistry()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	running := importservice.NewTracker()
	r.Register("running", running)

	repo := repository.NewMemoryRepository()
	svc := importservice.NewImportService(repo, extractor.NewAutoExtractor(testLogger()), dedup.NewGateway(repo, testLogger()), testLogger())
	finished := importservice.NewTracker()
	_, err := svc.Import(context.Background(), importservice.Request{Source: "axis", Data: []byte("no rows here")}, finished)
	require.Error(t, err)
	require.True(t, finished.Done())
	r.Register("finished", finished)

	assert.Equal(t, 0, r.Prune(time.Hour))

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, r.Prune(time.Hour))
	_, ok := r.Get("finished")
	assert.False(t, ok)
	_, ok = r.Get("running")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestTrackerRegistry_RegisterKeepsFirst(t *testing.T) {
	r := NewTrackerRegistry()
	first := importservice.NewTracker()

	assert.True(t, r.Register("job-1", first))
	assert.False(t, r.Register("job-1", importservice.NewTracker()))

	got, ok := r.Get("job-1")
	require.True(t, ok)
	assert.Same(t, first, got)
}
