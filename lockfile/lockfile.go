// Package lockfile implements the Lockfile Store (spec.md section 4.D): a
// content-stable TOML representation of a prior resolver run, read back as
// pre-populated metadata and written atomically only when its content
// changes (spec.md section 6.2).
//
// Load/Save follow the shape of papapumpkin/quasar's internal/relativity/lock.go
// (pelletier/go-toml/v2, "missing file is not an error" for Load), adapted to
// the canonical sort order and atomic write-if-changed rule spec.md requires.
package lockfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/git-pkgs/nodepm/internal/model"
)

// CurrentVersion is the lockfile format version written to the "version" key.
const CurrentVersion = 1

// DefaultPath is the conventional lockfile location at the project root.
const DefaultPath = "nodepm-lock.toml"

// Package is one pinned package entry: spec.md section 6.2 "[[package]]".
type Package struct {
	Name                 string            `toml:"name"`
	Version              string            `toml:"version"`
	URL                  string            `toml:"url,omitempty"`
	Integrity            string            `toml:"integrity,omitempty"`
	Dependencies         map[string]string `toml:"dependencies,omitempty"`
	OptionalDependencies map[string]string `toml:"optional_dependencies,omitempty"`
	Bin                  map[string]string `toml:"bin,omitempty"`
}

// Lockfile is the full document: spec.md section 6.2.
type Lockfile struct {
	Version int `toml:"version"`
	// Packages is sorted lexicographically by (name, version) on Save.
	Packages []Package `toml:"package"`
	// Ranges is name -> range string -> resolved version, the
	// "[range.<name>]" tables; sorted lexicographically by range on Save.
	Ranges map[string]map[string]string `toml:"range,omitempty"`
}

// New returns an empty lockfile at CurrentVersion.
func New() *Lockfile {
	return &Lockfile{Version: CurrentVersion, Ranges: map[string]map[string]string{}}
}

// Load reads the lockfile at path. A missing file is not an error: it
// returns nil, nil, matching spec.md section 4.D's `load() → Lockfile |
// NotPresent`.
func Load(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lockfile %s: %w", path, err)
	}

	var lf Lockfile
	if err := toml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parsing lockfile %s: %w", path, err)
	}
	if lf.Ranges == nil {
		lf.Ranges = map[string]map[string]string{}
	}
	return &lf, nil
}

// ResolvedVersion implements resolve.LockfileSource: looks up a prior
// resolution of (name, range).
func (lf *Lockfile) ResolvedVersion(name, rng string) (string, bool) {
	if lf == nil {
		return "", false
	}
	byRange, ok := lf.Ranges[name]
	if !ok {
		return "", false
	}
	v, ok := byRange[rng]
	return v, ok
}

// Record implements resolve.LockfileSource: looks up the ManifestRecord for
// a pinned (name, version) without contacting the registry. Uses binary
// search, relying on Packages being in the canonical (name, version) order
// this package always writes.
func (lf *Lockfile) Record(name, version string) (model.ManifestRecord, bool) {
	if lf == nil {
		return model.ManifestRecord{}, false
	}
	i := sort.Search(len(lf.Packages), func(i int) bool {
		p := lf.Packages[i]
		return p.Name > name || (p.Name == name && p.Version >= version)
	})
	if i >= len(lf.Packages) {
		return model.ManifestRecord{}, false
	}
	p := lf.Packages[i]
	if p.Name != name || p.Version != version {
		return model.ManifestRecord{}, false
	}
	return model.ManifestRecord{
		URL:          p.URL,
		Integrity:    parseDigest(p.Integrity),
		Dependencies: p.Dependencies,
		OptionalDeps: p.OptionalDependencies,
		Bins:         p.Bin,
	}, true
}

func parseDigest(s string) model.Digest {
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			return model.Digest{Algorithm: s[:i], Hex: s[i+1:]}
		}
	}
	return model.Digest{}
}

// PopulateFrom replaces the in-memory representation with the current
// resolved graph plus the range lookups observed during that run (spec.md
// section 4.D `populate_from(graph)`).
func PopulateFrom(graph *model.Graph, ranges []model.RangeEntry) *Lockfile {
	lf := New()

	for _, n := range graph.SortedNodes() {
		if n.ID == model.RootID {
			continue
		}
		lf.Packages = append(lf.Packages, Package{
			Name:                 n.ID.Name,
			Version:              n.ID.Version,
			URL:                  n.Record.URL,
			Integrity:            n.Record.Integrity.String(),
			Dependencies:         n.Record.Dependencies,
			OptionalDependencies: n.Record.OptionalDeps,
			Bin:                  n.Record.Bins,
		})
	}

	for _, r := range ranges {
		byRange, ok := lf.Ranges[r.Name]
		if !ok {
			byRange = make(map[string]string)
			lf.Ranges[r.Name] = byRange
		}
		byRange[r.Range] = r.Version
	}

	return lf
}

// Save writes lf to path atomically (write-to-temp, then rename), and only
// if its canonical serialisation differs from what is currently on disk
// (spec.md section 4.D "write atomically ... only if content differs").
// Returns whether a write occurred.
func Save(path string, lf *Lockfile) (bool, error) {
	lf.canonicalize()

	encoded, err := toml.Marshal(lf)
	if err != nil {
		return false, fmt.Errorf("marshalling lockfile: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, encoded) {
		return false, nil
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".nodepm-lock-*.tmp")
	if err != nil {
		return false, fmt.Errorf("creating temp lockfile: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op once the rename below succeeds

	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("writing temp lockfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("closing temp lockfile: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return false, fmt.Errorf("renaming lockfile into place: %w", err)
	}
	return true, nil
}

// canonicalize sorts Packages by (name, version) and every Ranges table's
// keys implicitly via go-toml's own deterministic map key ordering; the
// explicit Packages sort is required because it is a slice, not a map.
func (lf *Lockfile) canonicalize() {
	if lf.Version == 0 {
		lf.Version = CurrentVersion
	}
	sort.Slice(lf.Packages, func(i, j int) bool {
		a, b := lf.Packages[i], lf.Packages[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
}
