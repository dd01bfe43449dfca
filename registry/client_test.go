package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-pkgs/nodepm/errs"
	"github.com/git-pkgs/nodepm/internal/fetch"
)

const leftpadDoc = `{
	"_id": "leftpad",
	"name": "leftpad",
	"dist-tags": {"latest": "1.3.0"},
	"versions": {
		"1.0.0": {"dependencies": {}, "dist": {"tarball": "https://example.com/leftpad-1.0.0.tgz", "integrity": "sha512-aaaa"}},
		"1.3.0": {"dependencies": {}, "dist": {"tarball": "https://example.com/leftpad-1.3.0.tgz", "integrity": "sha512-bbbb"}}
	}
}`

func TestFetchMetadataParsesVersionsAndDistTags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(leftpadDoc))
	}))
	defer server.Close()

	c := New(server.URL, fetch.New())
	doc, err := c.FetchMetadata(context.Background(), "leftpad")
	require.NoError(t, err)

	assert.Len(t, doc.Versions, 2)
	assert.Equal(t, "1.3.0", doc.DistTags["latest"])
	assert.Equal(t, "https://example.com/leftpad-1.3.0.tgz", doc.Versions["1.3.0"].URL)
	assert.Equal(t, "sha512", doc.Versions["1.3.0"].Integrity.Algorithm)
}

func TestFetchMetadataNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(server.URL, fetch.New())
	_, err := c.FetchMetadata(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.Equal(t, errs.UnknownPackage, errs.GetCode(err))
}

func TestFetchMetadataCoalescesConcurrentRequests(t *testing.T) {
	var count int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&count, 1)
		_, _ = w.Write([]byte(leftpadDoc))
	}))
	defer server.Close()

	c := New(server.URL, fetch.New())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.FetchMetadata(context.Background(), "leftpad")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&count), "expected exactly one outbound request for a single name")
}

func TestFetchMetadataIsMemoisedAcrossCalls(t *testing.T) {
	var count int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&count, 1)
		_, _ = w.Write([]byte(leftpadDoc))
	}))
	defer server.Close()

	c := New(server.URL, fetch.New())
	for i := 0; i < 5; i++ {
		_, err := c.FetchMetadata(context.Background(), "leftpad")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), atomic.LoadInt64(&count))
}

func TestFetchTarballReturnsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "tarball-bytes")
	}))
	defer server.Close()

	c := New(server.URL, fetch.New())
	body, _, err := c.FetchTarball(context.Background(), server.URL+"/pkg.tgz")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
}
