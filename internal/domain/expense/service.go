// Package expense provides the read side over imported expenses: filtered
// queries, fuzzy vendor search, sorting and flat exports.
package expense

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
)

// Reader is the part of the repository the query service needs.
type Reader interface {
	ListExpenses(ctx context.Context, filter repository.ExpenseFilter) ([]*repository.CanonicalExpense, error)
	GetExpense(ctx context.Context, id string) (*repository.CanonicalExpense, error)
}

// Query narrows and orders a listing. Zero values mean "no constraint".
type Query struct {
	Source       string
	Category     string
	VendorPrefix string
	// Search fuzzy-matches the vendor, ignoring case and accents.
	Search            string
	DateFrom          string
	DateTo            string
	ExcludeDuplicates bool
	SortBy            SortField
	Descending        bool
	Limit             int
}

// Service answers expense queries
type Service struct {
	repo   Reader
	logger *slog.Logger
}

// NewService creates a new expense query service
func NewService(repo Reader, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Get returns one expense by id
func (s *Service) Get(ctx context.Context, id string) (*repository.CanonicalExpense, error) {
	return s.repo.GetExpense(ctx, id)
}

// Query lists expenses, newest first unless q.SortBy says otherwise. With a
// search term and no explicit sort, the best vendor matches come first.
func (s *Service) Query(ctx context.Context, q Query) ([]*repository.CanonicalExpense, error) {
	filter := repository.ExpenseFilter{
		Source:            q.Source,
		Category:          q.Category,
		VendorPrefix:      strings.ToUpper(strings.TrimSpace(q.VendorPrefix)),
		DateFrom:          q.DateFrom,
		DateTo:            q.DateTo,
		ExcludeDuplicates: q.ExcludeDuplicates,
	}
	search := strings.TrimSpace(q.Search)
	if search == "" && q.SortBy == "" {
		filter.Limit = q.Limit
	}

	expenses, err := s.repo.ListExpenses(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}

	if search != "" {
		expenses = searchVendors(expenses, search, q.SortBy == "")
	}
	if q.SortBy != "" {
		SortExpenses(expenses, q.SortBy, q.Descending)
	}
	if q.Limit > 0 && len(expenses) > q.Limit {
		expenses = expenses[:q.Limit]
	}

	s.logger.Debug("expense query",
		slog.String("source", q.Source),
		slog.String("search", search),
		slog.Int("results", len(expenses)),
	)
	return expenses, nil
}

// searchVendors keeps fuzzy vendor matches. When byRank is set, closer
// matches sort first; ties keep their incoming order.
func searchVendors(expenses []*repository.CanonicalExpense, term string, byRank bool) []*repository.CanonicalExpense {
	type ranked struct {
		e    *repository.CanonicalExpense
		rank int
	}

	matches := make([]ranked, 0, len(expenses))
	for _, e := range expenses {
		if r := fuzzy.RankMatchNormalizedFold(term, e.Vendor); r >= 0 {
			matches = append(matches, ranked{e: e, rank: r})
		}
	}
	if byRank {
		slices.SortStableFunc(matches, func(a, b ranked) int { return a.rank - b.rank })
	}

	out := make([]*repository.CanonicalExpense, len(matches))
	for i, m := range matches {
		out[i] = m.e
	}
	return out
}
