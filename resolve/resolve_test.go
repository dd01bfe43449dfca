package resolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-pkgs/nodepm/errs"
	"github.com/git-pkgs/nodepm/internal/model"
	"github.com/git-pkgs/nodepm/manifest"
)

// fakeRegistry is an in-memory MetadataSource, avoiding a network round trip
// in unit tests the way registry/client_test.go uses httptest at the HTTP
// boundary instead; here the boundary under test is one layer up.
type fakeRegistry struct {
	docs map[string]*model.PackageDoc
}

func (f *fakeRegistry) FetchMetadata(_ context.Context, name string) (*model.PackageDoc, error) {
	doc, ok := f.docs[name]
	if !ok {
		return nil, errs.Newf(errs.UnknownPackage, "package %q not found", name)
	}
	return doc, nil
}

func doc(name string, versions map[string]model.ManifestRecord) *model.PackageDoc {
	return &model.PackageDoc{Name: name, Versions: versions, DistTags: map[string]string{}}
}

func rec(deps map[string]string) model.ManifestRecord {
	return model.ManifestRecord{Dependencies: deps}
}

func TestResolveSimpleChain(t *testing.T) {
	reg := &fakeRegistry{docs: map[string]*model.PackageDoc{
		"a": doc("a", map[string]model.ManifestRecord{"1.0.0": rec(map[string]string{"b": "^1.0.0"})}),
		"b": doc("b", map[string]model.ManifestRecord{"1.0.0": rec(nil)}),
	}}

	r := New(reg, Update)
	result, err := r.Resolve(context.Background(), []manifest.Direct{{Name: "a", Range: "^1.0.0"}})
	require.NoError(t, err)

	assert.Len(t, result.Graph.Nodes, 2)
	assert.Equal(t, model.ID{Name: "a", Version: "1.0.0"}, result.Direct["a"])

	aNode := result.Graph.Nodes[model.ID{Name: "a", Version: "1.0.0"}]
	require.NotNil(t, aNode)
	assert.Equal(t, model.ID{Name: "b", Version: "1.0.0"}, aNode.Edges["b"])
}

func TestResolveDiamondSharesSingleNode(t *testing.T) {
	// a -> b, a -> c, b -> d, c -> d: d must appear exactly once.
	reg := &fakeRegistry{docs: map[string]*model.PackageDoc{
		"a": doc("a", map[string]model.ManifestRecord{"1.0.0": rec(map[string]string{"b": "^1.0.0", "c": "^1.0.0"})}),
		"b": doc("b", map[string]model.ManifestRecord{"1.0.0": rec(map[string]string{"d": "^1.0.0"})}),
		"c": doc("c", map[string]model.ManifestRecord{"1.0.0": rec(map[string]string{"d": "^1.0.0"})}),
		"d": doc("d", map[string]model.ManifestRecord{"1.0.0": rec(nil)}),
	}}

	r := New(reg, Update)
	result, err := r.Resolve(context.Background(), []manifest.Direct{{Name: "a", Range: "^1.0.0"}})
	require.NoError(t, err)

	assert.Len(t, result.Graph.Nodes, 4)
	dCount := 0
	for _, e := range result.Graph.Edges {
		if e.Name == "d" {
			dCount++
			assert.Equal(t, model.ID{Name: "d", Version: "1.0.0"}, e.Child)
		}
	}
	assert.Equal(t, 2, dCount, "both b and c should record an edge to the single d node")
}

func TestResolveCycleTerminates(t *testing.T) {
	reg := &fakeRegistry{docs: map[string]*model.PackageDoc{
		"a": doc("a", map[string]model.ManifestRecord{"1.0.0": rec(map[string]string{"b": "^1.0.0"})}),
		"b": doc("b", map[string]model.ManifestRecord{"1.0.0": rec(map[string]string{"a": "^1.0.0"})}),
	}}

	r := New(reg, Update)
	result, err := r.Resolve(context.Background(), []manifest.Direct{{Name: "a", Range: "^1.0.0"}})
	require.NoError(t, err)
	assert.Len(t, result.Graph.Nodes, 2)
}

func TestResolveUnknownPackageFailsAtomically(t *testing.T) {
	reg := &fakeRegistry{docs: map[string]*model.PackageDoc{}}

	r := New(reg, Update)
	_, err := r.Resolve(context.Background(), []manifest.Direct{{Name: "missing", Range: "^1.0.0"}})
	require.Error(t, err)
	assert.Equal(t, errs.UnknownPackage, errs.GetCode(err))
}

func TestResolveOptionalFailureDropsEdgeWithoutFailingRun(t *testing.T) {
	reg := &fakeRegistry{docs: map[string]*model.PackageDoc{
		"a": doc("a", map[string]model.ManifestRecord{"1.0.0": rec(nil)}),
	}}

	r := New(reg, Update)
	result, err := r.Resolve(context.Background(), []manifest.Direct{
		{Name: "a", Range: "^1.0.0"},
		{Name: "missing-optional", Range: "^1.0.0", Optional: true},
	})
	require.NoError(t, err)
	assert.Len(t, result.Graph.Nodes, 1)
	_, hasDirect := result.Direct["missing-optional"]
	assert.False(t, hasDirect)
}

func TestResolveUnsatisfiableRange(t *testing.T) {
	reg := &fakeRegistry{docs: map[string]*model.PackageDoc{
		"a": doc("a", map[string]model.ManifestRecord{"1.0.0": rec(nil)}),
	}}

	r := New(reg, Update)
	_, err := r.Resolve(context.Background(), []manifest.Direct{{Name: "a", Range: "^2.0.0"}})
	require.Error(t, err)
	assert.Equal(t, errs.Unsatisfiable, errs.GetCode(err))
}

// fakeLockfile implements LockfileSource for reuse tests.
type fakeLockfile struct {
	versions map[string]string                // "name@range" -> version
	records  map[string]model.ManifestRecord  // "name@version" -> record
}

func (f *fakeLockfile) ResolvedVersion(name, rng string) (string, bool) {
	v, ok := f.versions[name+"@"+rng]
	return v, ok
}

func (f *fakeLockfile) Record(name, version string) (model.ManifestRecord, bool) {
	r, ok := f.records[name+"@"+version]
	return r, ok
}

func TestResolveReusesLockfileWithoutRegistryFetch(t *testing.T) {
	reg := &fakeRegistry{docs: map[string]*model.PackageDoc{}} // deliberately empty: a registry fetch would fail the test

	lf := &fakeLockfile{
		versions: map[string]string{"a@^1.0.0": "1.2.0"},
		records:  map[string]model.ManifestRecord{"a@1.2.0": rec(nil)},
	}

	r := New(reg, RespectLockfile, WithLockfile(lf))
	result, err := r.Resolve(context.Background(), []manifest.Direct{{Name: "a", Range: "^1.0.0"}})
	require.NoError(t, err)
	assert.Equal(t, model.ID{Name: "a", Version: "1.2.0"}, result.Direct["a"])
}

func TestResolveStrictModeFailsWithoutLockfileEntry(t *testing.T) {
	reg := &fakeRegistry{docs: map[string]*model.PackageDoc{}}
	lf := &fakeLockfile{versions: map[string]string{}, records: map[string]model.ManifestRecord{}}

	r := New(reg, RespectLockfile, WithLockfile(lf), WithStrict(true))
	_, err := r.Resolve(context.Background(), []manifest.Direct{{Name: "a", Range: "^1.0.0"}})
	require.Error(t, err)
	assert.Equal(t, errs.LockfileStale, errs.GetCode(err))
}

func TestResolveDirectTarballURLIsLeaf(t *testing.T) {
	reg := &fakeRegistry{docs: map[string]*model.PackageDoc{}}

	r := New(reg, Update)
	result, err := r.Resolve(context.Background(), []manifest.Direct{
		{Name: "a", Range: "https://example.com/a.tgz"},
	})
	require.NoError(t, err)
	assert.Len(t, result.Graph.Nodes, 1)
	for id := range result.Graph.Nodes {
		assert.Contains(t, id.Version, "0.0.0-url.")
	}
}
