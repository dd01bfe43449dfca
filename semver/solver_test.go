package semver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDoc struct {
	versions []string
	distTags map[string]string
}

func (f fakeDoc) PublishedVersions() []string { return f.versions }
func (f fakeDoc) DistTag(name string) (string, bool) {
	v, ok := f.distTags[name]
	return v, ok
}

func TestSolveCaretRangePicksGreatest(t *testing.T) {
	r, err := Parse("^1.0.0")
	require.NoError(t, err)

	doc := fakeDoc{versions: []string{"1.0.0", "1.3.0", "2.0.0"}}
	v, err := Solve(r, doc)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", v)
}

func TestSolveExcludesPrereleaseUnlessReferenced(t *testing.T) {
	r, err := Parse("^1.0.0")
	require.NoError(t, err)

	doc := fakeDoc{versions: []string{"1.0.0", "1.1.0-beta.1"}}
	v, err := Solve(r, doc)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)
}

func TestSolveAllowsPrereleaseWhenRangeNamesOne(t *testing.T) {
	r, err := Parse("1.1.0-beta.1")
	require.NoError(t, err)

	doc := fakeDoc{versions: []string{"1.0.0", "1.1.0-beta.1"}}
	v, err := Solve(r, doc)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0-beta.1", v)
}

func TestSolveDistTag(t *testing.T) {
	r, err := Parse("latest")
	require.NoError(t, err)

	doc := fakeDoc{versions: []string{"1.0.0", "2.0.0"}, distTags: map[string]string{"latest": "1.0.0"}}
	v, err := Solve(r, doc)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)
}

func TestSolveUnsatisfiable(t *testing.T) {
	r, err := Parse("^9.0.0")
	require.NoError(t, err)

	doc := fakeDoc{versions: []string{"1.0.0"}}
	_, err = Solve(r, doc)
	require.Error(t, err)
	var unsat *ErrUnsatisfiable
	assert.ErrorAs(t, err, &unsat)
}

func TestSolveDirectURLReturnsSyntheticVersion(t *testing.T) {
	r, err := Parse("https://example.com/pkg.tgz")
	require.NoError(t, err)
	require.Equal(t, KindURL, r.Kind)

	v, err := Solve(r, fakeDoc{})
	require.NoError(t, err)
	assert.Equal(t, SyntheticVersion("https://example.com/pkg.tgz"), v)
}

func TestParseDisjunctionAndConjunction(t *testing.T) {
	r, err := Parse(">=1.0.0 <2.0.0 || ^3.0.0")
	require.NoError(t, err)
	assert.Equal(t, KindConstraint, r.Kind)

	doc := fakeDoc{versions: []string{"1.5.0", "3.2.0", "4.0.0"}}
	v, err := Solve(r, doc)
	require.NoError(t, err)
	assert.Equal(t, "3.2.0", v)
}
