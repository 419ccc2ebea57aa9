package expense

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
)

// SortField names a sortable expense attribute.
type SortField string

const (
	SortByDate            SortField = "date"
	SortByVendor          SortField = "vendor"
	SortByAmount          SortField = "amount"
	SortByCurrency        SortField = "currency"
	SortByCategory        SortField = "category"
	SortBySource          SortField = "source"
	SortByStatus          SortField = "status"
	SortByTransactionID   SortField = "transaction_id"
	SortByTransactionType SortField = "transaction_type"
	SortByCreatedAt       SortField = "created_at"
	SortByUpdatedAt       SortField = "updated_at"
)

var sortFields = []SortField{
	SortByDate, SortByVendor, SortByAmount, SortByCurrency, SortByCategory, SortBySource,
	SortByStatus, SortByTransactionID, SortByTransactionType, SortByCreatedAt, SortByUpdatedAt,
}

// ParseSortField validates a user-supplied field name. Empty means unsorted.
func ParseSortField(raw string) (SortField, error) {
	f := SortField(strings.ToLower(strings.TrimSpace(raw)))
	if f == "" || slices.Contains(sortFields, f) {
		return f, nil
	}
	return "", fmt.Errorf("unknown sort field %q", raw)
}

// SortExpenses orders expenses in place by field. The sort is stable, so
// equal keys keep their current order. Unknown fields leave the slice as is.
func SortExpenses(expenses []*repository.CanonicalExpense, field SortField, descending bool) {
	compare := comparator(field)
	if compare == nil {
		return
	}
	slices.SortStableFunc(expenses, func(a, b *repository.CanonicalExpense) int {
		if descending {
			return compare(b, a)
		}
		return compare(a, b)
	})
}

func comparator(field SortField) func(a, b *repository.CanonicalExpense) int {
	switch field {
	case SortByDate:
		return func(a, b *repository.CanonicalExpense) int { return cmp.Compare(a.Date, b.Date) }
	case SortByVendor:
		return func(a, b *repository.CanonicalExpense) int { return cmp.Compare(a.Vendor, b.Vendor) }
	case SortByAmount:
		return func(a, b *repository.CanonicalExpense) int { return a.Amount.Cmp(b.Amount) }
	case SortByCurrency:
		return func(a, b *repository.CanonicalExpense) int { return cmp.Compare(a.Currency, b.Currency) }
	case SortByCategory:
		return func(a, b *repository.CanonicalExpense) int { return cmp.Compare(deref(a.Category), deref(b.Category)) }
	case SortBySource:
		return func(a, b *repository.CanonicalExpense) int { return cmp.Compare(a.Source, b.Source) }
	case SortByStatus:
		return func(a, b *repository.CanonicalExpense) int { return cmp.Compare(a.Status, b.Status) }
	case SortByTransactionID:
		return func(a, b *repository.CanonicalExpense) int {
			return cmp.Compare(deref(a.SourceTransactionID), deref(b.SourceTransactionID))
		}
	case SortByTransactionType:
		return func(a, b *repository.CanonicalExpense) int { return cmp.Compare(a.TransactionType, b.TransactionType) }
	case SortByCreatedAt:
		return func(a, b *repository.CanonicalExpense) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case SortByUpdatedAt:
		return func(a, b *repository.CanonicalExpense) int { return a.UpdatedAt.Compare(b.UpdatedAt) }
	default:
		return nil
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
