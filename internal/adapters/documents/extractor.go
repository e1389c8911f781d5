package documents

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/zatekoja/claimvalidation/internal/domain/providers"
	apperrors "github.com/zatekoja/claimvalidation/pkg/errors"
)

// maxDocumentSize caps how much of an upload is read into memory.
const maxDocumentSize = 10 << 20

type formatExtractor func(ctx context.Context, data []byte) (string, error)

// Extractor routes a rule document to a text extractor by file extension.
// Unknown extensions are read as UTF-8 text.
type Extractor struct {
	formats map[string]formatExtractor
}

// NewExtractor creates an extractor for plain text, Markdown and Excel rule documents
func NewExtractor() providers.DocumentTextExtractor {
	return &Extractor{
		formats: map[string]formatExtractor{
			".txt":      extractPlainText,
			".md":       extractMarkdown,
			".markdown": extractMarkdown,
			".xlsx":     extractSpreadsheet,
			".xlsm":     extractSpreadsheet,
		},
	}
}

// ExtractText reads r fully and returns the document's text content
func (e *Extractor) ExtractText(ctx context.Context, filename string, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentSize+1))
	if err != nil {
		return "", apperrors.NewParseError("failed to read rule document", err)
	}
	if len(data) > maxDocumentSize {
		return "", apperrors.NewParseError(fmt.Sprintf("rule document exceeds %d bytes", maxDocumentSize), nil)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == ".pdf" {
		return "", apperrors.NewParseError("pdf rule documents must be converted to text before upload", nil)
	}

	extract, ok := e.formats[ext]
	if !ok {
		extract = extractPlainText
	}

	text, err := extract(ctx, data)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperrors.NewParseError("rule document contains no text", nil)
	}
	return text, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func extractPlainText(_ context.Context, data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", apperrors.NewParseError("rule document is not valid UTF-8 text", nil)
	}
	return normalizeNewlines(string(data)), nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
