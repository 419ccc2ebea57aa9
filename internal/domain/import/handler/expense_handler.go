package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/FACorreiaa/statement-importer/internal/domain/expense"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
	"github.com/FACorreiaa/statement-importer/pkg/middleware"
)

const dateLayout = "2006-01-02"

// ExpenseHandler serves expense listings and exports
type ExpenseHandler struct {
	expenseSvc *expense.Service
	logger     *slog.Logger
}

// NewExpenseHandler creates a new expense handler
func NewExpenseHandler(expenseSvc *expense.Service, logger *slog.Logger) *ExpenseHandler {
	return &ExpenseHandler{expenseSvc: expenseSvc, logger: logger}
}

// RegisterRoutes registers the expense API routes
func (h *ExpenseHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/expenses", h.handleList)
	mux.HandleFunc("GET /api/expenses/export", h.handleExport)
	mux.HandleFunc("GET /api/expenses/{id}", h.handleGet)
}

func (h *ExpenseHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseExpenseQuery(r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	expenses, err := h.expenseSvc.Query(r.Context(), q)
	if err != nil {
		h.logger.Error("failed to query expenses", slog.Any("error", err))
		middleware.WriteError(w, http.StatusInternalServerError, "failed to query expenses")
		return
	}
	if expenses == nil {
		expenses = []*repository.CanonicalExpense{}
	}
	middleware.WriteJSON(w, http.StatusOK, expenses)
}

func (h *ExpenseHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := h.expenseSvc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "expense not found")
			return
		}
		h.logger.Error("failed to get expense", slog.Any("error", err))
		middleware.WriteError(w, http.StatusInternalServerError, "failed to load expense")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, e)
}

func (h *ExpenseHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	q, err := parseExpenseQuery(r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "csv"
	}
	var (
		write       func(io.Writer, []*repository.CanonicalExpense) error
		contentType string
	)
	switch format {
	case "csv":
		write = expense.WriteCSV
		contentType = "text/csv; charset=utf-8"
	case "xlsx":
		write = expense.WriteXLSX
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		middleware.WriteError(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format %q", format))
		return
	}

	expenses, err := h.expenseSvc.Query(r.Context(), q)
	if err != nil {
		h.logger.Error("failed to query expenses for export", slog.Any("error", err))
		middleware.WriteError(w, http.StatusInternalServerError, "failed to export expenses")
		return
	}

	// Buffer so a failed export still gets a proper error status.
	var buf bytes.Buffer
	if err := write(&buf, expenses); err != nil {
		h.logger.Error("failed to render export", slog.String("format", format), slog.Any("error", err))
		middleware.WriteError(w, http.StatusInternalServerError, "failed to export expenses")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="expenses.%s"`, format))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func parseExpenseQuery(r *http.Request) (expense.Query, error) {
	v := r.URL.Query()
	q := expense.Query{
		Source:            v.Get("source"),
		Category:          v.Get("category"),
		VendorPrefix:      v.Get("vendor"),
		Search:            v.Get("q"),
		ExcludeDuplicates: v.Get("include_duplicates") != "true",
	}

	for _, d := range []struct {
		raw string
		dst *string
	}{{v.Get("from"), &q.DateFrom}, {v.Get("to"), &q.DateTo}} {
		if d.raw == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, d.raw); err != nil {
			return q, fmt.Errorf("invalid date %q, want YYYY-MM-DD", d.raw)
		}
		*d.dst = d.raw
	}

	sortBy, err := expense.ParseSortField(v.Get("sort"))
	if err != nil {
		return q, err
	}
	q.SortBy = sortBy

	switch strings.ToLower(v.Get("order")) {
	case "", "asc":
	case "desc":
		q.Descending = true
	default:
		return q, fmt.Errorf("invalid order %q, want asc or desc", v.Get("order"))
	}

	q.Limit, err = parseLimit(v.Get("limit"), 0)
	if err != nil {
		return q, err
	}
	return q, nil
}
