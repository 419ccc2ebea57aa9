package extractor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPDFExtractor_CorruptInput(t *testing.T) {
	ex := NewPDFExtractor(testLogger())

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not a pdf", []byte("hello world")},
		{"truncated header", []byte("%PDF-1.7\n%%EOF")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, err := ex.ExtractText(context.Background(), tt.data, "")
			assert.ErrorIs(t, err, ErrCorruptDocument)
			assert.Nil(t, lines)
		})
	}
}

func TestAutoExtractor_PlainText(t *testing.T) {
	ex := NewAutoExtractor(testLogger())

	lines, err := ex.ExtractText(context.Background(), []byte("line one\r\nline two  \n\n"), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two"}, lines)
}

func TestAutoExtractor_RoutesPDF(t *testing.T) {
	ex := NewAutoExtractor(testLogger())

	_, err := ex.ExtractText(context.Background(), []byte("%PDF-1.4\ngarbage"), "")
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestAutoExtractor_RejectsBinary(t *testing.T) {
	ex := NewAutoExtractor(testLogger())

	_, err := ex.ExtractText(context.Background(), []byte{0xff, 0xfe, 0x00, 0x81}, "")
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestTextLines(t *testing.T) {
	assert.Equal(t, []string{"a", "", "b"}, TextLines("a\r\n\rb\n"))
	assert.Empty(t, TextLines(""))
}

func TestIsPasswordError(t *testing.T) {
	assert.True(t, IsPasswordError(ErrPasswordRequired))
	assert.True(t, IsPasswordError(ErrWrongPassword))
	assert.False(t, IsPasswordError(ErrCorruptDocument))
}
