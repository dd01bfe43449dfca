package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-pkgs/nodepm/errs"
)

func TestParseEmptyManifest(t *testing.T) {
	m, err := Parse(strings.NewReader(`{"dependencies": {}}`))
	require.NoError(t, err)
	assert.Empty(t, m.Dependencies)
	assert.Empty(t, m.OptionalDependencies)
}

func TestParseDependenciesWinsOverOptional(t *testing.T) {
	m, err := Parse(strings.NewReader(`{
		"dependencies": {"shared": "^1.0.0"},
		"optionalDependencies": {"shared": "^2.0.0", "only-optional": "^1.0.0"}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "^1.0.0", m.Dependencies["shared"])
	_, stillOptional := m.OptionalDependencies["shared"]
	assert.False(t, stillOptional)
	assert.Equal(t, "^1.0.0", m.OptionalDependencies["only-optional"])
	assert.Contains(t, m.DroppedOptional, "shared")
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := Parse(strings.NewReader(`{not json`))
	require.Error(t, err)
	assert.Equal(t, errs.ManifestParse, errs.GetCode(err))
}

func TestAllDirectSortedByName(t *testing.T) {
	m, err := Parse(strings.NewReader(`{
		"dependencies": {"zeta": "^1.0.0", "alpha": "^1.0.0"}
	}`))
	require.NoError(t, err)

	all := m.AllDirect()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "zeta", all[1].Name)
}

func TestValidateRejectsEmptyName(t *testing.T) {
	m := &Manifest{Dependencies: map[string]string{"": "^1.0.0"}}
	err := m.Validate()
	require.Error(t, err)
	assert.Equal(t, errs.ManifestParse, errs.GetCode(err))
}
