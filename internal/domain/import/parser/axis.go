package parser

import (
	"regexp"
	"strings"
)

var (
	axisDate      = regexp.MustCompile(`^(\d{2}[-/]\d{2}[-/]\d{4})\b`)
	axisReference = regexp.MustCompile(`\b\d{6,}\b`)

	// A cheque number sits between the date and the narration, which
	// always opens with a channel code.
	axisChequeNo = regexp.MustCompile(`^\d{1,5}\s+(?:NEFT|RTGS|IMPS|UPI|POS|ATM|ACH|NACH|ECS|CHQ|CLG|TRF|INB|MB|BY|TO)\b`)
)

// AxisParser reads Axis Bank account statements. Every transaction is a
// single row that starts with its transaction date:
//
//	01-01-2026 12345 NEFT ACME VENDORS PVT LTD 1000.00 49000.00 248
//
// Columns are date, cheque number, particulars, amount, balance and the
// initiating branch code. Anything after the balance is the branch code.
type AxisParser struct {
	headers *headerMatcher
}

func NewAxisParser() *AxisParser {
	return &AxisParser{
		headers: newHeaderMatcher(2,
			"tran date", "chq no", "particulars", "debit", "credit", "balance", "init.br", "init. br",
		),
	}
}

func (p *AxisParser) Source() Source { return SourceAxis }

func (p *AxisParser) Parse(text string) []Candidate {
	var candidates []Candidate

	for _, line := range splitLines(text) {
		if p.headers.skippable(line) {
			continue
		}
		m := axisDate.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		rest := strings.TrimSpace(line[len(m[0]):])
		amount := amountPattern.FindString(rest)
		if amount == "" || !nonZeroAmount(amount) {
			continue
		}

		amounts := amountPattern.FindAllStringIndex(rest, -1)
		rest = rest[:amounts[len(amounts)-1][1]]

		narration := amountPattern.ReplaceAllString(rest, " ")
		narration = axisReference.ReplaceAllString(narration, " ")
		narration = collapseSpaces(narration)
		if axisChequeNo.MatchString(narration) {
			narration = strings.TrimLeft(narration, "0123456789 ")
		}
		if narration == "" {
			continue
		}

		candidates = append(candidates, Candidate{
			Date:            m[1],
			Amount:          amount,
			Vendor:          narration,
			TransactionType: debitOrCredit(narration),
			Status:          statusCompleted,
			Raw: map[string]string{
				"line":      line,
				"narration": narration,
			},
		})
	}

	return candidates
}
