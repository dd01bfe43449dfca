package fetch

import (
	"net/http"

	"github.com/andybalholm/brotli"
)

// brotliWrite writes s to w as a brotli-encoded body, for tests that
// exercise transparent transport-encoding decompression.
func brotliWrite(w http.ResponseWriter, s string) {
	br := brotli.NewWriter(w)
	defer func() { _ = br.Close() }()
	_, _ = br.Write([]byte(s))
}
