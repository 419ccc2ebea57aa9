// Package normalizer canonicalizes the raw date, amount and vendor strings
// recognized by the statement parsers so that the same real-world
// transaction always produces the same comparable fields.
//
// Every function here is total. Unrecognized input degrades to a lossy
// default instead of failing; NormalizeRecord reports those degradations as
// warnings so callers can log them.
package normalizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/FACorreiaa/statement-importer/internal/domain/import/parser"
)

// Fields is the canonical form of a transaction used for fingerprinting.
type Fields struct {
	Date            string          // YYYY-MM-DD, or the trimmed raw date when unrecognized
	Amount          decimal.Decimal // rounded to cents
	Vendor          string          // uppercase, [A-Z0-9 ] only, single spaces
	TransactionType string          // uppercase, "" when absent
}

var months = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var (
	isoDate       = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`)
	dayMonthName  = regexp.MustCompile(`^(\d{1,2})[\s/-]+([A-Za-z]{3,})\.?[\s/,-]+(\d{4})$`)
	monthNameDay  = regexp.MustCompile(`^([A-Za-z]{3,})\.?\s+(\d{1,2}),?\s+(\d{4})$`)
	numericDate   = regexp.MustCompile(`^(\d{1,2})[/-](\d{1,2})[/-](\d{4})$`)
	whitespace    = regexp.MustCompile(`\s+`)
	nonVendorChar = regexp.MustCompile(`[^A-Z0-9 ]`)

	amountCleaner = strings.NewReplacer("₹", "", "$", "", "€", "", "£", "", ",", "")
)

// NormalizeDate converts raw into YYYY-MM-DD. It accepts ISO dates,
// day + month name + year ("10 Feb 2026", "10-February-2026"), month name +
// day + year ("Feb 10, 2026") and numeric day/month/year with a four digit
// year. Anything else is returned trimmed and unchanged.
func NormalizeDate(raw string) string {
	date, _ := normalizeDate(raw)
	return date
}

func normalizeDate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)

	if m := isoDate.FindStringSubmatch(s); m != nil {
		return formatDate(m[1], m[2], m[3], s)
	}
	if m := dayMonthName.FindStringSubmatch(s); m != nil {
		month, ok := monthNumber(m[2])
		if !ok {
			return s, false
		}
		return formatDate(m[3], strconv.Itoa(month), m[1], s)
	}
	if m := monthNameDay.FindStringSubmatch(s); m != nil {
		month, ok := monthNumber(m[1])
		if !ok {
			return s, false
		}
		return formatDate(m[3], strconv.Itoa(month), m[2], s)
	}
	if m := numericDate.FindStringSubmatch(s); m != nil {
		return formatDate(m[3], m[2], m[1], s)
	}

	return s, false
}

func monthNumber(name string) (int, bool) {
	if len(name) < 3 {
		return 0, false
	}
	n, ok := months[strings.ToLower(name[:3])]
	return n, ok
}

func formatDate(year, month, day, fallback string) (string, bool) {
	y, _ := strconv.Atoi(year)
	m, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return fallback, false
	}
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d), true
}

// NormalizeAmount strips currency symbols, digit grouping and whitespace and
// rounds the result to cents, half away from zero. Unparseable input yields zero.
func NormalizeAmount(raw string) decimal.Decimal {
	amount, _ := normalizeAmount(raw)
	return amount
}

func normalizeAmount(raw string) (decimal.Decimal, bool) {
	s := amountCleaner.Replace(raw)
	s = whitespace.ReplaceAllString(s, "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d.Round(2), true
}

// NormalizeVendor uppercases raw, drops everything outside [A-Z0-9 ] and
// collapses whitespace.
func NormalizeVendor(raw string) string {
	s := whitespace.ReplaceAllString(strings.ToUpper(raw), " ")
	s = nonVendorChar.ReplaceAllString(s, "")
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// NormalizeRecord canonicalizes a parsed candidate. The returned warnings
// describe fields that fell back to a lossy default.
func NormalizeRecord(c parser.Candidate) (Fields, []string) {
	var warnings []string

	date, ok := normalizeDate(c.Date)
	if !ok {
		warnings = append(warnings, fmt.Sprintf("unrecognized date %q kept as-is", c.Date))
	}

	amount, ok := normalizeAmount(c.Amount)
	if !ok {
		warnings = append(warnings, fmt.Sprintf("unparseable amount %q, using 0", c.Amount))
	}

	vendor := NormalizeVendor(c.Vendor)
	if vendor == "" && strings.TrimSpace(c.Vendor) != "" {
		warnings = append(warnings, fmt.Sprintf("vendor %q has no alphanumeric characters", c.Vendor))
	}

	return Fields{
		Date:            date,
		Amount:          amount,
		Vendor:          vendor,
		TransactionType: strings.ToUpper(strings.TrimSpace(c.TransactionType)),
	}, warnings
}
