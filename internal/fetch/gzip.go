package fetch

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// gzipReadCloser closes both the gzip reader and the underlying body.
type gzipReadCloser struct {
	*gzip.Reader
	underlying io.ReadCloser
}

func newGzipReadCloser(body io.ReadCloser) (*gzipReadCloser, error) {
	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, err
	}
	return &gzipReadCloser{Reader: gz, underlying: body}, nil
}

func (g *gzipReadCloser) Close() error {
	cerr := g.Reader.Close()
	uerr := g.underlying.Close()
	if cerr != nil {
		return cerr
	}
	return uerr
}
