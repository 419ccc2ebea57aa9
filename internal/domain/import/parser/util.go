package parser

import (
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/shopspring/decimal"
)

const monthNames = `jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec`

var (
	separatorPattern = regexp.MustCompile(`^[-=*][-=*\s]{2,}$`)
	spacesPattern    = regexp.MustCompile(`\s+`)
	nonWordPattern   = regexp.MustCompile(`[^\p{L}\p{N}]+`)

	// #,##0.00 shaped tokens, with either western or lakh digit grouping.
	amountPattern = regexp.MustCompile(`(?:\d{1,3}(?:,\d{2,3})+|\d+)\.\d{2}`)

	creditPattern = regexp.MustCompile(`(?i)\b(?:credit|deposit|received|salary|inward)\b`)
	timePattern   = regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}(?::\d{2})?(?:\s*[ap]m)?\b`)
)

const (
	typeDebit  = "DEBIT"
	typeCredit = "CREDIT"

	statusCompleted = "Completed"
	unknownVendor   = "UNKNOWN"
)

// splitLines breaks extracted text into trimmed, non-blank lines.
func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(strings.ReplaceAll(line, "\u00a0", " "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func isSeparator(line string) bool {
	return separatorPattern.MatchString(line)
}

func collapseSpaces(s string) string {
	return strings.TrimSpace(spacesPattern.ReplaceAllString(s, " "))
}

// headerMatcher recognizes table header lines by counting distinct column
// keywords in a single pass. A line is a header when it carries at least
// minHits different keywords, so narrations that happen to contain one
// column word are not mistaken for headers. Keywords only match whole
// words: both sides are reduced to space-separated lowercase words and
// padded, so "date" never matches inside "update".
type headerMatcher struct {
	matcher *ahocorasick.Matcher
	minHits int
}

func newHeaderMatcher(minHits int, keywords ...string) *headerMatcher {
	seen := make(map[string]bool, len(keywords))
	var words []string
	for _, k := range keywords {
		w := headerWords(k)
		if strings.TrimSpace(w) == "" || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	return &headerMatcher{
		matcher: ahocorasick.NewStringMatcher(words),
		minHits: minHits,
	}
}

// headerWords lowercases s, turns punctuation into spaces and pads the
// result with a space on each side.
func headerWords(s string) string {
	return " " + collapseSpaces(nonWordPattern.ReplaceAllString(strings.ToLower(s), " ")) + " "
}

func (h *headerMatcher) isHeader(line string) bool {
	hits := h.matcher.MatchThreadSafe([]byte(headerWords(line)))
	seen := make(map[int]struct{}, len(hits))
	for _, idx := range hits {
		seen[idx] = struct{}{}
	}
	return len(seen) >= h.minHits
}

// skippable reports lines that never carry transaction data.
func (h *headerMatcher) skippable(line string) bool {
	return isSeparator(line) || h.isHeader(line)
}

// nonZeroAmount reports whether raw parses to a non-zero amount.
func nonZeroAmount(raw string) bool {
	cleaned := strings.NewReplacer(",", "", "₹", "", "INR", "", " ", "").Replace(raw)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return false
	}
	return !d.IsZero()
}

// debitOrCredit applies the keyword heuristic shared by the bank statement layouts.
func debitOrCredit(narration string) string {
	if creditPattern.MatchString(narration) {
		return typeCredit
	}
	return typeDebit
}
