package install

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-pkgs/nodepm/internal/model"
	"github.com/git-pkgs/nodepm/layout"
)

type fakeFetcher struct {
	calls int32
	bodies map[string]string
}

func (f *fakeFetcher) FetchTarball(_ context.Context, url string) (io.ReadCloser, int64, error) {
	atomic.AddInt32(&f.calls, 1)
	body, ok := f.bodies[url]
	if !ok {
		return nil, 0, errors.New("no such tarball: " + url)
	}
	return io.NopCloser(strings.NewReader(body)), int64(len(body)), nil
}

type fakeStore struct {
	mu           sync.Mutex
	inserted     map[model.Digest]bool
	insertCalls  int
	materialised []string
	// filesByDest lets a test pre-seed file content Materialise should
	// write, simulating what a real extraction would have produced.
	filesByDest map[string]map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{inserted: map[model.Digest]bool{}, filesByDest: map[string]map[string]string{}}
}

func (s *fakeStore) Has(d model.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserted[d]
}

func (s *fakeStore) Insert(d model.Digest, r io.Reader) error {
	_, _ = io.Copy(io.Discard, r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted[d] = true
	s.insertCalls++
	return nil
}

func (s *fakeStore) Materialise(_ model.Digest, dest string) error {
	s.mu.Lock()
	s.materialised = append(s.materialised, dest)
	files := s.filesByDest[dest]
	s.mu.Unlock()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for rel, content := range files {
		full := filepath.Join(dest, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func placement(name, version, url string, digest model.Digest, bins map[string]string) layout.Placement {
	return layout.Placement{
		ID:   model.ID{Name: name, Version: version},
		Path: "node_modules/" + name,
		Record: model.ManifestRecord{
			URL:       url,
			Integrity: digest,
			Bins:      bins,
		},
	}
}

func TestInstallFetchesMissingAndMaterialisesEachPlacement(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{
		"https://example.com/a.tgz": "a-bytes",
		"https://example.com/b.tgz": "b-bytes",
	}}
	st := newFakeStore()

	plan := &layout.Plan{Placements: []layout.Placement{
		placement("a", "1.0.0", "https://example.com/a.tgz", model.Digest{Algorithm: "sha512", Hex: "aaaa"}, nil),
		placement("b", "1.0.0", "https://example.com/b.tgz", model.Digest{Algorithm: "sha512", Hex: "bbbb"}, nil),
	}}

	in := New(fetcher, st)
	root := t.TempDir()
	require.NoError(t, in.Install(context.Background(), root, plan))

	assert.Equal(t, int32(2), atomic.LoadInt32(&fetcher.calls))
	assert.Equal(t, 2, st.insertCalls)
	assert.Len(t, st.materialised, 2)
}

func TestInstallDeduplicatesIdenticalDigests(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{"https://example.com/a.tgz": "a-bytes"}}
	st := newFakeStore()
	digest := model.Digest{Algorithm: "sha512", Hex: "aaaa"}

	plan := &layout.Plan{Placements: []layout.Placement{
		placement("a", "1.0.0", "https://example.com/a.tgz", digest, nil),
		placement("a", "1.0.0", "https://example.com/a.tgz", digest, nil), // duplicate placement, same content
	}}

	in := New(fetcher, st)
	require.NoError(t, in.Install(context.Background(), t.TempDir(), plan))

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls), "identical digests must fetch only once")
	assert.Equal(t, 1, st.insertCalls)
	assert.Len(t, st.materialised, 2, "both placements still materialise independently")
}

func TestInstallSkipsFetchWhenAlreadyInStore(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{}}
	st := newFakeStore()
	digest := model.Digest{Algorithm: "sha512", Hex: "aaaa"}
	st.inserted[digest] = true

	plan := &layout.Plan{Placements: []layout.Placement{
		placement("a", "1.0.0", "https://example.com/a.tgz", digest, nil),
	}}

	in := New(fetcher, st)
	require.NoError(t, in.Install(context.Background(), t.TempDir(), plan))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fetcher.calls))
}

func TestInstallCreatesBinSymlink(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{"https://example.com/a.tgz": "a-bytes"}}
	st := newFakeStore()
	digest := model.Digest{Algorithm: "sha512", Hex: "aaaa"}

	plan := &layout.Plan{
		Placements: []layout.Placement{
			placement("a", "1.0.0", "https://example.com/a.tgz", digest, map[string]string{"acmd": "bin/a.js"}),
		},
		BinLinks: []layout.BinLink{
			{Command: "acmd", PackagePath: "node_modules/a", ScriptPath: "bin/a.js"},
		},
	}

	root := t.TempDir()
	dest := filepath.Join(root, "node_modules", "a")
	st.filesByDest[dest] = map[string]string{filepath.Join("bin", "a.js"): "#!/usr/bin/env node\n"}

	in := New(fetcher, st)
	require.NoError(t, in.Install(context.Background(), root, plan))

	linkPath := filepath.Join(root, "node_modules", ".bin", "acmd")
	info, err := os.Lstat(linkPath)
	require.NoError(t, err)
	assert.True(t, info.Mode()&os.ModeSymlink != 0)

	resolved, err := filepath.EvalSymlinks(linkPath)
	require.NoError(t, err)
	content, err := os.ReadFile(resolved)
	require.NoError(t, err)
	assert.Equal(t, "#!/usr/bin/env node\n", string(content))
}

func TestUnlinkExistingRemovesPriorDirectory(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "node_modules", "a")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "stale.txt"), []byte("old"), 0o644))

	require.NoError(t, unlinkExisting(dest))

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}
