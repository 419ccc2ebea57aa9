// Package extractor turns uploaded statement bytes into ordered lines of text.
package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

var (
	// ErrPasswordRequired is returned for encrypted documents when no
	// password was supplied.
	ErrPasswordRequired = errors.New("document is password protected")

	// ErrWrongPassword is returned when the supplied password does not
	// open the document.
	ErrWrongPassword = errors.New("wrong document password")

	// ErrCorruptDocument is returned for bytes that cannot be decoded.
	ErrCorruptDocument = errors.New("corrupt or unsupported document")
)

// IsPasswordError reports whether err means the password was missing or wrong.
func IsPasswordError(err error) bool {
	return errors.Is(err, ErrPasswordRequired) || errors.Is(err, ErrWrongPassword)
}

// Extractor returns the text of every page, page boundaries kept as line
// breaks.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, password string) ([]string, error)
}

var pdfMagic = []byte("%PDF-")

// AutoExtractor routes PDFs to the PDF extractor and accepts plain UTF-8
// text exports as-is.
type AutoExtractor struct {
	pdf    Extractor
	logger *slog.Logger
}

// NewAutoExtractor creates an extractor that sniffs the payload type.
func NewAutoExtractor(logger *slog.Logger) *AutoExtractor {
	return &AutoExtractor{
		pdf:    NewPDFExtractor(logger),
		logger: logger,
	}
}

func (a *AutoExtractor) ExtractText(ctx context.Context, data []byte, password string) ([]string, error) {
	if bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), pdfMagic) {
		return a.pdf.ExtractText(ctx, data, password)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: neither PDF nor UTF-8 text", ErrCorruptDocument)
	}
	a.logger.Debug("treating upload as plain text", "bytes", len(data))
	return TextLines(string(data)), nil
}

// TextLines splits text on any line ending and trims trailing spaces.
func TextLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
