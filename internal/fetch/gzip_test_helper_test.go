package fetch

import (
	"net/http"

	"github.com/klauspost/compress/gzip"
)

// gzipWrite writes s to w as a gzip-encoded body, for tests that exercise
// transparent transport-encoding decompression.
func gzipWrite(w http.ResponseWriter, s string) {
	gz := gzip.NewWriter(w)
	defer func() { _ = gz.Close() }()
	_, _ = gz.Write([]byte(s))
}
