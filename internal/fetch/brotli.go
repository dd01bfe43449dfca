package fetch

import (
	"io"

	"github.com/andybalholm/brotli"
)

// brotliReadCloser closes the underlying body once the brotli stream itself
// has no Close method of its own to delegate to.
type brotliReadCloser struct {
	*brotli.Reader
	underlying io.ReadCloser
}

func newBrotliReadCloser(body io.ReadCloser) *brotliReadCloser {
	return &brotliReadCloser{Reader: brotli.NewReader(body), underlying: body}
}

func (b *brotliReadCloser) Close() error {
	return b.underlying.Close()
}
