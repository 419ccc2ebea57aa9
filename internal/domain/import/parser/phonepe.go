package parser

import (
	"regexp"
	"strings"
)

var (
	phonePeAmount = regexp.MustCompile(`₹\s?([\d,]+(?:\.\d{1,2})?)`)
	phonePeDate   = regexp.MustCompile(`(?i)\b(\d{1,2}\s+(?:` + monthNames + `)[a-z]*,?\s+\d{4}|(?:` + monthNames + `)[a-z]*\s+\d{1,2},?\s+\d{4})\b`)
	phonePeType   = regexp.MustCompile(`(?i)\b(paid|received|refund|sent|transferred)\b`)
	phonePeStatus = regexp.MustCompile(`(?i)\b(completed|failed|pending|reversed)\b`)
	phonePeTxnID  = regexp.MustCompile(`(?i)(?:upi\s+)?transaction\s+id\s*:?\s*([A-Za-z0-9]+)`)

	phonePePrefixes = []struct {
		prefix string
		kind   string
	}{
		{"paid to ", "Paid"},
		{"received from ", "Received"},
		{"transfer to ", "Transferred"},
		{"transferred to ", "Transferred"},
		{"refund from ", "Refund"},
	}
)

const (
	phonePeDateLookback = 5
	phonePeLookahead    = 4
)

// PhonePeParser reads the PhonePe transaction history export, where each
// transaction is a vertical block of short lines:
//
//	ACME GROCERIES
//	10 Feb 2026
//	10:15 AM
//	₹349.50
//	Paid
//	Completed
//	UPI transaction ID: 123456789012
type PhonePeParser struct {
	headers *headerMatcher
}

func NewPhonePeParser() *PhonePeParser {
	return &PhonePeParser{
		headers: newHeaderMatcher(2, "date", "transaction details", "type", "amount", "transaction statement"),
	}
}

func (p *PhonePeParser) Source() Source { return SourcePhonePe }

func (p *PhonePeParser) Parse(text string) []Candidate {
	lines := splitLines(text)
	var candidates []Candidate

	for i, line := range lines {
		if p.headers.skippable(line) {
			continue
		}
		m := phonePeAmount.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		amount := m[1]

		dateIdx := -1
		for j := i - 1; j >= 0 && j >= i-phonePeDateLookback; j-- {
			if phonePeDate.MatchString(lines[j]) {
				dateIdx = j
				break
			}
			if phonePeAmount.MatchString(lines[j]) {
				break
			}
		}
		if dateIdx <= 0 {
			continue
		}

		vendorLine := lines[dateIdx-1]
		if p.headers.skippable(vendorLine) || phonePeTxnID.MatchString(vendorLine) || phonePeAmount.MatchString(vendorLine) {
			continue
		}
		vendor, impliedType := stripPhonePePrefix(vendorLine)
		if vendor == "" || !nonZeroAmount(amount) {
			continue
		}

		c := Candidate{
			Date:            phonePeDate.FindString(lines[dateIdx]),
			Amount:          amount,
			Vendor:          vendor,
			TransactionType: impliedType,
			Status:          statusCompleted,
		}

		typeFound, statusFound := false, false
		trailer := p.trailingLines(lines, i)
		for _, next := range trailer {
			if c.SourceTransactionID == "" {
				if id := phonePeTxnID.FindStringSubmatch(next); id != nil {
					c.SourceTransactionID = id[1]
					continue
				}
			}
			if t := phonePeType.FindStringSubmatch(next); t != nil && !typeFound {
				c.TransactionType = titleWord(t[1])
				typeFound = true
			}
			if s := phonePeStatus.FindStringSubmatch(next); s != nil && !statusFound {
				c.Status = titleWord(s[1])
				statusFound = true
			}
		}

		block := append([]string{vendorLine}, lines[dateIdx:i+1]...)
		block = append(block, trailer...)
		c.Raw = map[string]string{
			"block":  strings.Join(block, "\n"),
			"amount": line,
			"date":   lines[dateIdx],
			"vendor": vendorLine,
		}
		candidates = append(candidates, c)
	}

	return candidates
}

// trailingLines returns up to phonePeLookahead lines after the amount line,
// stopping where the next transaction block starts. A line directly above a
// date is the next block's vendor line.
func (p *PhonePeParser) trailingLines(lines []string, amountIdx int) []string {
	var out []string
	for k := amountIdx + 1; k < len(lines) && k <= amountIdx+phonePeLookahead; k++ {
		if phonePeAmount.MatchString(lines[k]) || phonePeDate.MatchString(lines[k]) {
			break
		}
		if k+1 < len(lines) && phonePeDate.MatchString(lines[k+1]) {
			break
		}
		out = append(out, lines[k])
		if phonePeTxnID.MatchString(lines[k]) {
			break
		}
	}
	return out
}

func stripPhonePePrefix(line string) (vendor, kind string) {
	lower := strings.ToLower(line)
	for _, p := range phonePePrefixes {
		if strings.HasPrefix(lower, p.prefix) {
			return strings.TrimSpace(line[len(p.prefix):]), p.kind
		}
	}
	return strings.TrimSpace(line), ""
}

func titleWord(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}
