package parser

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	hdfcDate      = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4}|\d{2})\b`)
	hdfcInnerDate = regexp.MustCompile(`\b\d{2}/\d{2}/(?:\d{4}|\d{2})\b`)
	hdfcReference = regexp.MustCompile(`\b\d{10,}\b`)
	hdfcUPI       = regexp.MustCompile(`UPI/([^/]+)/([^/\s]+)`)
)

// HDFCParser reads HDFC Bank account statements. Rows start with a
// DD/MM/YY or DD/MM/YYYY date, followed by the narration, reference,
// value date, amount and closing balance.
type HDFCParser struct {
	headers *headerMatcher
}

func NewHDFCParser() *HDFCParser {
	return &HDFCParser{
		headers: newHeaderMatcher(2,
			"narration", "chq./ref.no", "value dt", "withdrawal amt", "deposit amt", "closing balance",
		),
	}
}

func (p *HDFCParser) Source() Source { return SourceHDFC }

func (p *HDFCParser) Parse(text string) []Candidate {
	var candidates []Candidate

	for _, line := range splitLines(text) {
		if p.headers.skippable(line) {
			continue
		}
		m := hdfcDate.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		rest := line[len(m[0]):]
		loc := amountPattern.FindStringIndex(rest)
		if loc == nil {
			continue
		}
		amount := rest[loc[0]:loc[1]]
		if !nonZeroAmount(amount) {
			continue
		}

		narration := rest[:loc[0]]
		c := Candidate{
			Date:   fmt.Sprintf("%s/%s/%s", m[1], m[2], expandYear(m[3])),
			Amount: amount,
			Status: statusCompleted,
			Raw: map[string]string{
				"line":      line,
				"narration": collapseSpaces(narration),
			},
		}

		if upi := hdfcUPI.FindStringSubmatch(narration); upi != nil {
			c.Vendor = collapseSpaces(upi[1])
			c.SourceTransactionID = upi[2]
		} else {
			vendor := hdfcInnerDate.ReplaceAllString(narration, " ")
			vendor = hdfcReference.ReplaceAllString(vendor, " ")
			c.Vendor = collapseSpaces(vendor)
		}
		if c.Vendor == "" {
			continue
		}
		c.TransactionType = debitOrCredit(narration)

		candidates = append(candidates, c)
	}

	return candidates
}

// expandYear widens a two-digit year: 00-50 map to 20xx, 51-99 to 19xx.
func expandYear(year string) string {
	if len(year) != 2 {
		return year
	}
	n, err := strconv.Atoi(year)
	if err != nil {
		return year
	}
	if n <= 50 {
		return strconv.Itoa(2000 + n)
	}
	return strconv.Itoa(1900 + n)
}
