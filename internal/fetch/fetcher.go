// Package fetch provides the shared, retrying, DNS-cached HTTP transport
// used by both the Registry Client (JSON metadata) and the Installer
// (tarball byte streams). Adapted from git-pkgs/registries' fetch package:
// the same dialer, retry loop, and error taxonomy apply to both kinds of
// GET, so they share one Fetcher rather than duplicating the transport.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/dnscache"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrUpstreamDown = errors.New("upstream registry unavailable")
)

// Response is a streamed HTTP response body plus the headers the resolver
// and installer care about.
type Response struct {
	Body        io.ReadCloser
	Size        int64 // -1 if unknown
	ContentType string
	ETag        string
}

// Fetcher performs retrying GETs over a DNS-cached transport.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	authFn     func(url string) (headerName, headerValue string)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client, overriding the DNS-cached default.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithMaxRetries sets the maximum retry attempts for transient failures.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) { f.maxRetries = n }
}

// WithBaseDelay sets the base delay for exponential backoff between retries.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fetcher) { f.baseDelay = d }
}

// WithAuthFunc sets a function that returns an auth header for a given URL.
// Returning empty strings skips authentication for that URL, allowing a
// single Fetcher to serve both an authenticated private registry and public
// tarball hosts.
func WithAuthFunc(fn func(url string) (headerName, headerValue string)) Option {
	return func(f *Fetcher) { f.authFn = fn }
}

// New creates a Fetcher with a DNS-cached dialer, matching
// git-pkgs/registries' fetch.NewFetcher: a 5-minute refresh cache avoids a
// DNS round trip on every one of potentially thousands of per-package
// metadata and tarball requests in a single install.
func New(opts ...Option) *Fetcher {
	resolver := &dnscache.Resolver{}
	go refreshDNSCache(resolver)

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	f := &Fetcher{
		client: &http.Client{
			Timeout: 5 * time.Minute, // tarballs can be large
			Transport: &http.Transport{
				DialContext:           cachedDialContext(resolver, dialer),
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		userAgent:  "nodepm/1.0",
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func refreshDNSCache(resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		resolver.Refresh(true)
	}
}

func cachedDialContext(resolver *dnscache.Resolver, dialer *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return nil, fmt.Errorf("dialing resolved IPs for %s: %w", host, lastErr)
		}
		return nil, fmt.Errorf("no addresses resolved for %s", host)
	}
}

// Get performs a retrying GET and returns the streamed response. The caller
// must close Response.Body. accept sets the Accept header; pass "" to omit it.
func (f *Fetcher) Get(ctx context.Context, url, accept string) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			if err := f.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		resp, err := f.doGet(ctx, url, accept)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamDown) {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && ctx.Err() == nil {
			continue // connection failure or timeout
		}
		return nil, err
	}

	return nil, lastErr
}

func (f *Fetcher) wait(ctx context.Context, attempt int) error {
	delay := f.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	jitter := time.Duration(float64(delay) * (rand.Float64() * 0.1))
	delay += jitter

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (f *Fetcher) doGet(ctx context.Context, url, accept string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	} else {
		req.Header.Set("Accept", "*/*")
	}
	// Registries may serve metadata gzip- or brotli-encoded; advertise both
	// and decompress transparently below so callers always see plain bytes.
	req.Header.Set("Accept-Encoding", "gzip, br")

	if f.authFn != nil {
		if name, value := f.authFn(url); name != "" && value != "" {
			req.Header.Set(name, value)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		size := int64(-1)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = n
			}
		}
		body := resp.Body
		// Since we set Accept-Encoding explicitly above, net/http will not
		// auto-decompress; do it ourselves so callers always see plain bytes.
		switch resp.Header.Get("Content-Encoding") {
		case "gzip":
			gz, err := newGzipReadCloser(resp.Body)
			if err != nil {
				_ = resp.Body.Close()
				return nil, fmt.Errorf("decompressing gzip response from %s: %w", url, err)
			}
			body = gz
			size = -1 // decompressed size is unknown
		case "br":
			body = newBrotliReadCloser(resp.Body)
			size = -1 // decompressed size is unknown
		}
		return &Response{
			Body:        body,
			Size:        size,
			ContentType: resp.Header.Get("Content-Type"),
			ETag:        resp.Header.Get("ETag"),
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, ErrRateLimited

	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, ErrUpstreamDown

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d fetching %s: %s", resp.StatusCode, url, string(body))
	}
}
