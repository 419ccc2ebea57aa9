package parser

import (
	"regexp"
	"strings"
)

var (
	payZappDate      = regexp.MustCompile(`(?i)\b(\d{1,2}[ -](?:` + monthNames + `)[ -]\d{4})\b`)
	payZappAmount    = regexp.MustCompile(`(?:INR|₹)\s*([\d,]+(?:\.\d{1,2})?)`)
	payZappMarker    = regexp.MustCompile(`(?i)\b(dr|cr)\b\.?`)
	payZappReference = regexp.MustCompile(`\b\d{8,}\b`)
)

// PayZappParser reads HDFC PayZapp wallet statements. A row starts with a
// DD MMM YYYY (or DD-MMM-YYYY) date; the INR amount and its Dr/Cr marker sit
// on the same line or wrap onto the next one.
type PayZappParser struct {
	headers *headerMatcher
}

func NewPayZappParser() *PayZappParser {
	return &PayZappParser{
		headers: newHeaderMatcher(2, "date", "description", "transaction id", "amount", "dr/cr", "closing balance"),
	}
}

func (p *PayZappParser) Source() Source { return SourcePayZapp }

func (p *PayZappParser) Parse(text string) []Candidate {
	lines := splitLines(text)
	var candidates []Candidate

	for i, line := range lines {
		if p.headers.skippable(line) {
			continue
		}
		dm := payZappDate.FindStringSubmatchIndex(line)
		if dm == nil {
			continue
		}
		date := line[dm[2]:dm[3]]

		amountLine := line
		am := payZappAmount.FindStringSubmatch(line)
		if am == nil && i+1 < len(lines) && !payZappDate.MatchString(lines[i+1]) {
			amountLine = lines[i+1]
			am = payZappAmount.FindStringSubmatch(amountLine)
		}
		if am == nil || !nonZeroAmount(am[1]) {
			continue
		}

		txType := typeDebit
		marker := payZappMarker.FindStringSubmatch(line)
		if marker == nil && amountLine != line {
			marker = payZappMarker.FindStringSubmatch(amountLine)
		}
		if marker != nil && strings.EqualFold(marker[1], "cr") {
			txType = typeCredit
		}

		vendor := line[:dm[0]] + " " + line[dm[1]:]
		vendor = payZappAmount.ReplaceAllString(vendor, " ")
		vendor = payZappMarker.ReplaceAllString(vendor, " ")
		vendor = payZappReference.ReplaceAllString(vendor, " ")
		vendor = timePattern.ReplaceAllString(vendor, " ")
		vendor = collapseSpaces(vendor)
		if vendor == "" {
			vendor = unknownVendor
		}

		raw := map[string]string{"line": line}
		if amountLine != line {
			raw["amount_line"] = amountLine
		}
		candidates = append(candidates, Candidate{
			Date:            date,
			Amount:          am[1],
			Vendor:          vendor,
			TransactionType: txType,
			Status:          statusCompleted,
			Raw:             raw,
		})
	}

	return candidates
}
