// Package registry implements the Registry Client (spec.md section 4.A):
// fetching and caching npm package metadata and tarball byte-streams from an
// HTTP registry, with at-most-one-in-flight-per-name request coalescing.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/git-pkgs/nodepm/errs"
	"github.com/git-pkgs/nodepm/internal/fetch"
	"github.com/git-pkgs/nodepm/internal/model"
	"github.com/git-pkgs/nodepm/logging"
)

// DefaultURL is the default public npm registry.
const DefaultURL = "https://registry.npmjs.org"

// getter is satisfied by both fetch.Fetcher and fetch.CircuitBreakerFetcher.
type getter interface {
	Get(ctx context.Context, url, accept string) (*fetch.Response, error)
}

// Client is the Registry Client. It is safe for concurrent use; per spec.md
// section 4.A it guarantees at most one outbound metadata request per name
// is ever in flight, with results memoised for the client's lifetime.
type Client struct {
	baseURL string
	getter  getter

	group singleflight.Group // coalesces concurrent FetchMetadata(name) calls

	mu    sync.RWMutex
	cache map[string]*model.PackageDoc
}

// New creates a Client against baseURL using g for the underlying transport.
// g is typically a *fetch.CircuitBreakerFetcher wrapping a *fetch.Fetcher.
func New(baseURL string, g getter) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		getter:  g,
		cache:   make(map[string]*model.PackageDoc),
	}
}

// packageResponse mirrors the subset of the npm registry's per-package
// document the resolver needs, following internal/npm/npm.go's shape in the
// teacher repo.
type packageResponse struct {
	ID       string                     `json:"_id"`
	Name     string                     `json:"name"`
	Versions map[string]versionInfo     `json:"versions"`
	DistTags map[string]string          `json:"dist-tags"`
}

type versionInfo struct {
	Dependencies map[string]string `json:"dependencies"`
	OptionalDeps map[string]string `json:"optionalDependencies"`
	Dist         distInfo          `json:"dist"`
	Bin          json.RawMessage   `json:"bin"`
}

type distInfo struct {
	Tarball   string `json:"tarball"`
	Shasum    string `json:"shasum"`
	Integrity string `json:"integrity"`
}

// FetchMetadata retrieves the per-name registry document, coalescing
// concurrent callers for the same name into a single outbound request and
// memoising the result for the Client's lifetime (spec.md section 4.A).
func (c *Client) FetchMetadata(ctx context.Context, name string) (*model.PackageDoc, error) {
	c.mu.RLock()
	if doc, ok := c.cache[name]; ok {
		c.mu.RUnlock()
		return doc, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(name, func() (any, error) {
		// A caller that missed the cache just as an earlier flight finished
		// must not start a second request for the same name.
		c.mu.RLock()
		doc, ok := c.cache[name]
		c.mu.RUnlock()
		if ok {
			return doc, nil
		}
		return c.fetchMetadataUncached(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.PackageDoc), nil
}

func (c *Client) fetchMetadataUncached(ctx context.Context, name string) (*model.PackageDoc, error) {
	logger := logging.For("registry")
	logger.Debug().Str("package", name).Msg("fetching metadata")

	escaped := url.PathEscape(name)
	reqURL := fmt.Sprintf("%s/%s", c.baseURL, escaped)

	// Prefer the registry's abbreviated metadata format (spec.md section 6.5)
	// when it is advertised; fall back gracefully if the server ignores it.
	const abbreviatedAccept = "application/vnd.npm.install-v1+json; q=1.0, application/json; q=0.8, */*"

	resp, err := c.getter.Get(ctx, reqURL, abbreviatedAccept)
	if err != nil {
		if err == fetch.ErrNotFound {
			return nil, errs.Newf(errs.UnknownPackage, "package %q not found", name)
		}
		return nil, errs.Wrapf(err, errs.Network, "fetching metadata for %q", name)
	}
	defer func() { _ = resp.Body.Close() }()

	var raw packageResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errs.Wrapf(err, errs.Network, "decoding metadata for %q", name)
	}

	doc := &model.PackageDoc{
		Name:     name,
		Versions: make(map[string]model.ManifestRecord, len(raw.Versions)),
		DistTags: raw.DistTags,
	}
	for num, v := range raw.Versions {
		doc.Versions[num] = toManifestRecord(v)
	}

	c.mu.Lock()
	c.cache[name] = doc
	c.mu.Unlock()

	return doc, nil
}

func toManifestRecord(v versionInfo) model.ManifestRecord {
	integrity := parseIntegrity(v.Dist.Integrity, v.Dist.Shasum)
	return model.ManifestRecord{
		URL:          v.Dist.Tarball,
		Integrity:    integrity,
		Dependencies: v.Dependencies,
		OptionalDeps: v.OptionalDeps,
		Bins:         parseBin(v.Bin),
	}
}

// parseIntegrity prefers the "integrity" SRI string (e.g. "sha512-...");
// falls back to a "shasum" (sha1) field for older registry responses.
func parseIntegrity(integrity, shasum string) model.Digest {
	if integrity != "" {
		if idx := strings.Index(integrity, "-"); idx > 0 {
			return model.Digest{Algorithm: integrity[:idx], Hex: integrity[idx+1:]}
		}
	}
	if shasum != "" {
		return model.Digest{Algorithm: "sha1", Hex: shasum}
	}
	return model.Digest{}
}

// parseBin handles npm's "bin" field, which is either a string (single
// command named after the package) or an object mapping command to path.
func parseBin(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return asMap
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil && asString != "" {
		return map[string]string{"": asString} // caller substitutes the package's short name
	}
	return nil
}

// FetchTarball returns the raw byte-stream for a tarball URL, per spec.md
// section 4.A. Integrity verification happens downstream, while bytes are
// being extracted, per spec.md section 4.F.
func (c *Client) FetchTarball(ctx context.Context, tarballURL string) (io.ReadCloser, int64, error) {
	resp, err := c.getter.Get(ctx, tarballURL, "application/octet-stream")
	if err != nil {
		if err == fetch.ErrNotFound {
			return nil, 0, errs.Newf(errs.UnknownPackage, "tarball not found at %s", tarballURL)
		}
		return nil, 0, errs.Wrapf(err, errs.Network, "fetching tarball %s", tarballURL)
	}
	return resp.Body, resp.Size, nil
}

// WarmupTimeout is a 30-second bound for a single metadata fetch. Nothing in
// this module applies it; Client methods use whatever deadline ctx carries.
const WarmupTimeout = 30 * time.Second
