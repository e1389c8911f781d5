package providers

import (
	"context"
	"io"
)

// DocumentTextExtractor turns an uploaded rule document into plain text.
// The file name selects the format.
type DocumentTextExtractor interface {
	ExtractText(ctx context.Context, filename string, r io.Reader) (string, error)
}
