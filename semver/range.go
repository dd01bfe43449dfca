// Package semver implements the Version Solver (spec.md section 4.B): given
// a dependency range and a registry's per-name document, it picks the
// concrete version that should be pinned.
//
// Semantic-version comparison and range matching itself is delegated to
// github.com/Masterminds/semver/v3, per spec.md section 1's explicit
// non-goal of reimplementing semver; this package adds the npm-specific
// extensions a plain semver range does not cover: dist-tag names ("latest")
// and direct https tarball URLs, both of which spec.md section 3 folds into
// the same Range abstraction.
package semver

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Kind distinguishes the three forms a Range may take.
type Kind int

const (
	// KindConstraint is an ordinary semver range: caret, tilde, comparator,
	// conjunction, disjunction, or exact forms.
	KindConstraint Kind = iota
	// KindDistTag is a named alias such as "latest" resolved via the
	// registry document's dist-tags mapping.
	KindDistTag
	// KindURL is a direct https tarball URL; its match set is the single
	// synthetic version produced by SyntheticVersion.
	KindURL
)

// Range is a version range expression (spec.md section 3 "Range").
type Range struct {
	Kind       Kind
	Raw        string
	constraint *semver.Constraints // non-nil when Kind == KindConstraint
}

// Parse parses a range string into a Range. A string that fails to parse as
// a semver constraint and is not an https URL is treated as a dist-tag name,
// matching npm's own convention that tags and ranges share a syntax
// namespace but ranges always take priority.
func Parse(raw string) (Range, error) {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "https://") {
		return Range{Kind: KindURL, Raw: trimmed}, nil
	}

	if c, err := semver.NewConstraint(trimmed); err == nil {
		return Range{Kind: KindConstraint, Raw: trimmed, constraint: c}, nil
	}

	return Range{Kind: KindDistTag, Raw: trimmed}, nil
}

// Contains reports whether v satisfies the range. It is defined only for
// KindConstraint ranges; KindDistTag and KindURL are resolved via the
// registry document instead (see Solve).
func (r Range) Contains(v *semver.Version) bool {
	if r.Kind != KindConstraint {
		return false
	}
	return r.constraint.Check(v)
}

// SyntheticVersion is the version assigned to a direct tarball URL range,
// per spec.md section 3: "A range may additionally be a direct tarball URL,
// in which case its match set is a single synthetic version."
//
// It is derived deterministically from the URL so that two manifests
// requesting the same URL pin the same synthetic version, preserving the
// resolver's determinism invariant (spec.md section 3).
func SyntheticVersion(url string) string {
	return "0.0.0-url." + shortHash(url)
}

// ContainsString reports whether the version string v satisfies the range,
// used by the resolver to validate a lockfile-recorded version against the
// manifest's current range before reusing it without a registry round trip
// (spec.md section 4.C step 1). Dist-tag and URL ranges are never satisfied
// by a bare version string: their resolution always depends on the
// registry document or the URL itself, so lockfile reuse only short-circuits
// ordinary constraint ranges.
func (r Range) ContainsString(v string) bool {
	if r.Kind != KindConstraint {
		return false
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	return r.Contains(parsed)
}

// IsPrerelease reports whether v carries a pre-release component.
func IsPrerelease(v *semver.Version) bool {
	return v.Prerelease() != ""
}
