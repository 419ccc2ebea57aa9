// Package parser turns the text extracted from a bank or payment-app statement
// into raw transaction candidates. Each supported statement layout has its own
// line-oriented recognizer; For selects the recognizer for a source.
package parser

import (
	"errors"
	"fmt"
	"strings"
)

// Source identifies a supported statement layout.
type Source string

const (
	SourcePhonePe Source = "phonepe"
	SourceAxis    Source = "axis"
	SourceHDFC    Source = "hdfc"
	SourcePayZapp Source = "payzap"
)

// ErrUnknownSource is returned by ParseSource for identifiers outside the supported set.
var ErrUnknownSource = errors.New("unknown statement source")

// Sources lists every supported statement source.
func Sources() []Source {
	return []Source{SourcePhonePe, SourceAxis, SourceHDFC, SourcePayZapp}
}

// ParseSource validates a user-supplied source identifier.
// Use it at the boundary (HTTP, CLI) so For never sees an unknown value.
func ParseSource(raw string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Sources() {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, raw)
}

// Candidate is an unnormalized transaction recognized in statement text.
// It only lives for the duration of one import.
type Candidate struct {
	SourceTransactionID string            `json:"source_transaction_id,omitempty"`
	Date                string            `json:"date"`
	Amount              string            `json:"amount"`
	Vendor              string            `json:"vendor"`
	TransactionType     string            `json:"transaction_type,omitempty"`
	Category            string            `json:"category,omitempty"`
	Status              string            `json:"status,omitempty"`
	Raw                 map[string]string `json:"raw,omitempty"`
}

// Parser recognizes transactions in the full text of a statement.
// Parse never fails: empty or unrecognized text yields no candidates.
type Parser interface {
	Source() Source
	Parse(text string) []Candidate
}

// For returns the parser for source. An unknown source means a new source was
// wired in without a parser, so For panics instead of returning an error.
func For(source Source) Parser {
	switch source {
	case SourcePhonePe:
		return NewPhonePeParser()
	case SourceAxis:
		return NewAxisParser()
	case SourceHDFC:
		return NewHDFCParser()
	case SourcePayZapp:
		return NewPayZappParser()
	default:
		panic(fmt.Sprintf("parser: no parser registered for source %q", string(source)))
	}
}
