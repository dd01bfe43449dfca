// Package manifest parses the project manifest (spec.md section 6.1): a
// JSON document declaring the project's direct dependencies by name and
// semantic-version range.
package manifest

import (
	"encoding/json"
	"io"
	"os"

	"github.com/git-pkgs/nodepm/errs"
	"github.com/git-pkgs/nodepm/logging"
)

// Manifest is the recognised subset of a project manifest; unrecognised
// fields are ignored, per spec.md section 6.1.
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	// Dependencies maps a dependency name to its range. Direct dependencies
	// win over optional dependencies of the same name (spec.md section 9
	// Open Question 1); DroppedOptional records what was shadowed.
	Dependencies map[string]string `json:"-"`

	// OptionalDependencies maps a dependency name to its range; failure to
	// satisfy these is non-fatal (spec.md section 4.C step 6, section 6.1).
	OptionalDependencies map[string]string `json:"-"`

	// Scripts is consumed only by the external script-runner collaborator;
	// the core never executes it (spec.md section 1 non-goals).
	Scripts map[string]string `json:"scripts"`

	DroppedOptional []string `json:"-"` // names present in both maps, dependencies won
}

// wireManifest mirrors the raw JSON shape before de-duplication.
type wireManifest struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Dependencies         map[string]string `json:"dependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	Scripts              map[string]string `json:"scripts"`
}

// Parse parses manifest JSON from r.
func Parse(r io.Reader) (*Manifest, error) {
	var wire wireManifest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&wire); err != nil {
		return nil, errs.Wrapf(err, errs.ManifestParse, "parsing project manifest: %v", err)
	}
	return fromWire(wire), nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrapf(err, errs.ManifestParse, "opening manifest %s", path)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

func fromWire(w wireManifest) *Manifest {
	m := &Manifest{
		Name:                 w.Name,
		Version:              w.Version,
		Dependencies:         w.Dependencies,
		OptionalDependencies: make(map[string]string, len(w.OptionalDependencies)),
		Scripts:              w.Scripts,
	}
	if m.Dependencies == nil {
		m.Dependencies = make(map[string]string)
	}

	logger := logging.For("manifest")
	for name, rng := range w.OptionalDependencies {
		if existing, ok := m.Dependencies[name]; ok {
			logger.Debug().
				Str("name", name).
				Str("dependencies_range", existing).
				Str("optional_range", rng).
				Msg("dependency declared in both dependencies and optionalDependencies; dependencies wins")
			m.DroppedOptional = append(m.DroppedOptional, name)
			continue
		}
		m.OptionalDependencies[name] = rng
	}

	return m
}

// AllDirect returns every direct dependency as (name, range, optional)
// triples, required and optional together, sorted by name.
func (m *Manifest) AllDirect() []Direct {
	out := make([]Direct, 0, len(m.Dependencies)+len(m.OptionalDependencies))
	for name, rng := range m.Dependencies {
		out = append(out, Direct{Name: name, Range: rng, Optional: false})
	}
	for name, rng := range m.OptionalDependencies {
		out = append(out, Direct{Name: name, Range: rng, Optional: true})
	}
	sortDirect(out)
	return out
}

// Direct is one direct dependency declaration.
type Direct struct {
	Name     string
	Range    string
	Optional bool
}

func sortDirect(d []Direct) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0 && d[j].Name < d[j-1].Name; j-- {
			d[j], d[j-1] = d[j-1], d[j]
		}
	}
}

// Validate reports a ManifestParse error if the manifest is structurally
// invalid beyond what JSON decoding alone catches (e.g. an empty dependency
// name).
func (m *Manifest) Validate() error {
	for name := range m.Dependencies {
		if name == "" {
			return errs.New(errs.ManifestParse, "dependencies contains an empty package name")
		}
	}
	for name := range m.OptionalDependencies {
		if name == "" {
			return errs.New(errs.ManifestParse, "optionalDependencies contains an empty package name")
		}
	}
	return nil
}
