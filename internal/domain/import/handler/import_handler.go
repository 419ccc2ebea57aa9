// Package handler exposes imports and expenses over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/parser"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/statement-importer/internal/domain/import/service"
	"github.com/FACorreiaa/statement-importer/pkg/middleware"
	"github.com/FACorreiaa/statement-importer/pkg/storage"
)

const (
	defaultMaxUpload = 32 << 20
	defaultJobLimit  = 50
)

// ImportHandler handles statement uploads and job queries
type ImportHandler struct {
	importSvc *importservice.ImportService
	trackers  *TrackerRegistry
	logger    *slog.Logger

	maxUpload int64
	inflight  sync.WaitGroup
}

// NewImportHandler creates a new import handler
func NewImportHandler(importSvc *importservice.ImportService, trackers *TrackerRegistry, logger *slog.Logger) *ImportHandler {
	return &ImportHandler{
		importSvc: importSvc,
		trackers:  trackers,
		logger:    logger,
		maxUpload: defaultMaxUpload,
	}
}

// WithMaxUpload caps the multipart body size in bytes.
func (h *ImportHandler) WithMaxUpload(n int64) *ImportHandler {
	if n > 0 {
		h.maxUpload = n
	}
	return h
}

// Wait blocks until every async import started by this handler has returned.
func (h *ImportHandler) Wait() {
	h.inflight.Wait()
}

// RegisterRoutes registers the import API routes
func (h *ImportHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/imports", h.handleUpload)
	mux.HandleFunc("GET /api/imports", h.handleListJobs)
	mux.HandleFunc("GET /api/imports/{id}", h.handleGetJob)
	mux.HandleFunc("GET /api/imports/{id}/progress", h.handleProgress)
	mux.HandleFunc("GET /api/imports/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /api/imports/{id}/statement", h.handleStatement)
}

type uploadFailure struct {
	Error string                `json:"error"`
	Job   *repository.ImportJob `json:"job"`
}

type acceptedResponse struct {
	JobID string `json:"job_id"`
}

func (h *ImportHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	req, async, err := h.readUpload(r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.JobID != "" && h.jobExists(r.Context(), req.JobID) {
		middleware.WriteError(w, http.StatusConflict, "import job already exists")
		return
	}

	if async {
		if req.JobID == "" {
			req.JobID = uuid.NewString()
		}
		tracker := importservice.NewTracker()
		if !h.trackers.Register(req.JobID, tracker) {
			middleware.WriteError(w, http.StatusConflict, "import job already exists")
			return
		}

		h.inflight.Add(1)
		go h.runAsync(context.WithoutCancel(r.Context()), req, tracker)

		middleware.WriteJSON(w, http.StatusAccepted, acceptedResponse{JobID: req.JobID})
		return
	}

	tracker := importservice.NewTracker()
	if req.JobID != "" && !h.trackers.Register(req.JobID, tracker) {
		middleware.WriteError(w, http.StatusConflict, "import job already exists")
		return
	}
	job, err := h.importSvc.Import(r.Context(), req, tracker)
	if err != nil {
		h.logger.Error("import failed", slog.String("file", req.FileName), slog.Any("error", err))
		if errors.Is(err, repository.ErrJobExists) {
			middleware.WriteError(w, http.StatusConflict, "import job already exists")
			return
		}
		if job == nil {
			middleware.WriteError(w, http.StatusInternalServerError, "import failed")
			return
		}
		middleware.WriteJSON(w, http.StatusUnprocessableEntity, uploadFailure{Error: err.Error(), Job: job})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// jobExists reports whether jobID is tracked or stored. Lookup failures
// count as absent; the service still refuses to create a taken id.
func (h *ImportHandler) jobExists(ctx context.Context, jobID string) bool {
	if _, ok := h.trackers.Get(jobID); ok {
		return true
	}
	_, err := h.importSvc.GetJob(ctx, jobID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		h.logger.Warn("failed to check job id", slog.String("job_id", jobID), slog.Any("error", err))
	}
	return err == nil
}

func (h *ImportHandler) runAsync(ctx context.Context, req importservice.Request, tracker *importservice.Tracker) {
	defer h.inflight.Done()
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("async import panicked", slog.String("job_id", req.JobID), slog.Any("panic", rec))
		}
	}()

	if _, err := h.importSvc.Import(ctx, req, tracker); err != nil {
		h.logger.Error("async import failed", slog.String("job_id", req.JobID), slog.Any("error", err))
	}
}

func (h *ImportHandler) readUpload(r *http.Request) (importservice.Request, bool, error) {
	var req importservice.Request

	file, header, err := r.FormFile("file")
	if err != nil {
		return req, false, errors.New("missing file")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return req, false, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return req, false, errors.New("file is empty")
	}

	source, err := parser.ParseSource(r.FormValue("source"))
	if err != nil {
		return req, false, err
	}
	policy, err := dedup.ParsePolicy(r.FormValue("policy"))
	if err != nil {
		return req, false, err
	}

	async := false
	if raw := r.FormValue("async"); raw != "" {
		async, err = strconv.ParseBool(raw)
		if err != nil {
			return req, false, fmt.Errorf("invalid async flag %q", raw)
		}
	}

	req = importservice.Request{
		JobID:    strings.TrimSpace(r.FormValue("job_id")),
		Source:   source,
		FileName: header.Filename,
		Data:     data,
		Password: r.FormValue("password"),
		Policy:   policy,
	}
	return req, async, nil
}

func (h *ImportHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultJobLimit)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.importSvc.ListJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list import jobs", slog.Any("error", err))
		middleware.WriteError(w, http.StatusInternalServerError, "failed to list import jobs")
		return
	}
	if jobs == nil {
		jobs = []*repository.ImportJob{}
	}
	middleware.WriteJSON(w, http.StatusOK, jobs)
}

func (h *ImportHandler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.importSvc.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeLookupError(w, "import job", err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

func (h *ImportHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if t, ok := h.trackers.Get(id); ok {
		p := t.Progress()
		if p.JobID == "" {
			// Registered but not started yet.
			p = importservice.Progress{JobID: id, Status: repository.JobQueued}
		}
		middleware.WriteJSON(w, http.StatusOK, p)
		return
	}

	job, err := h.importSvc.GetJob(r.Context(), id)
	if err != nil {
		h.writeLookupError(w, "import job", err)
		return
	}
	p := importservice.Progress{JobID: job.JobID, Status: job.Status}
	if job.Status.Terminal() {
		p.Percent = 100
	}
	middleware.WriteJSON(w, http.StatusOK, p)
}

// handleEvents streams progress as server-sent events until the job is
// terminal or the client goes away.
func (h *ImportHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	t, ok := h.trackers.Get(r.PathValue("id"))
	if !ok {
		middleware.WriteError(w, http.StatusNotFound, "no running import with that id")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates := t.Subscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case p, open := <-updates:
			if !open {
				return
			}
			payload, err := json.Marshal(p)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleStatement downloads the archived upload behind a job.
func (h *ImportHandler) handleStatement(w http.ResponseWriter, r *http.Request) {
	rc, info, err := h.importSvc.OpenStatement(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, importservice.ErrArchiveDisabled):
			middleware.WriteError(w, http.StatusNotFound, "statement archive disabled")
		case errors.Is(err, storage.ErrNotFound):
			middleware.WriteError(w, http.StatusNotFound, "statement not archived")
		default:
			h.writeLookupError(w, "import job", err)
		}
		return
	}
	defer rc.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name}))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("failed to stream statement", slog.String("checksum", info.Checksum), slog.Any("error", err))
	}
}

func (h *ImportHandler) writeLookupError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.Error("lookup failed", slog.String("kind", what), slog.Any("error", err))
	middleware.WriteError(w, http.StatusInternalServerError, "failed to load "+what)
}

func parseLimit(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}
