package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor reads text-layer PDFs. Scanned images yield no text.
type PDFExtractor struct {
	logger *slog.Logger
}

// NewPDFExtractor creates a PDF extractor.
func NewPDFExtractor(logger *slog.Logger) *PDFExtractor {
	return &PDFExtractor{logger: logger}
}

func (e *PDFExtractor) ExtractText(ctx context.Context, data []byte, password string) (lines []string, err error) {
	// The pdf package panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			lines = nil
			err = fmt.Errorf("%w: %v", ErrCorruptDocument, r)
		}
	}()

	r, err := openPDF(data, password)
	if err != nil {
		return nil, err
	}

	numPages := r.NumPage()
	if numPages == 0 {
		return nil, fmt.Errorf("%w: no pages", ErrCorruptDocument)
	}

	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			e.logger.Warn("failed to read page text", "page", i, "error", err)
			continue
		}
		for _, row := range rows {
			parts := make([]string, 0, len(row.Content))
			for _, word := range row.Content {
				parts = append(parts, word.S)
			}
			if line := strings.TrimSpace(strings.Join(parts, " ")); line != "" {
				lines = append(lines, line)
			}
		}
	}

	e.logger.Debug("extracted pdf text", "pages", numPages, "lines", len(lines))
	return lines, nil
}

func openPDF(data []byte, password string) (*pdf.Reader, error) {
	// The reader keeps asking until the callback returns "".
	offered := false
	pw := func() string {
		if offered {
			return ""
		}
		offered = true
		return password
	}

	r, err := pdf.NewReaderEncrypted(bytes.NewReader(data), int64(len(data)), pw)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, pdf.ErrInvalidPassword) && password == "":
		return nil, ErrPasswordRequired
	case errors.Is(err, pdf.ErrInvalidPassword):
		return nil, ErrWrongPassword
	default:
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
}
