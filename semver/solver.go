package semver

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ErrUnsatisfiable is returned by Solve when no registry version matches
// the range. Callers should wrap this into errs.Unsatisfiable with the
// requestor chain, per spec.md section 4.C.
type ErrUnsatisfiable struct {
	Range string
}

func (e *ErrUnsatisfiable) Error() string {
	return fmt.Sprintf("no version satisfies range %q", e.Range)
}

// Doc is the minimal view of a registry document the solver needs: the set
// of published version strings and the dist-tags mapping. model.PackageDoc
// satisfies this via its own accessor methods.
type Doc interface {
	PublishedVersions() []string
	DistTag(name string) (string, bool)
}

// Solve implements spec.md section 4.B: given a range and a PackageDoc,
// return the greatest version matching the range, excluding pre-releases
// unless the range explicitly references one. Dist-tag ranges resolve via
// the document's dist-tags mapping first; URL ranges return their synthetic
// version unconditionally.
func Solve(r Range, doc Doc) (string, error) {
	switch r.Kind {
	case KindURL:
		return SyntheticVersion(r.Raw), nil

	case KindDistTag:
		v, ok := doc.DistTag(r.Raw)
		if !ok {
			return "", &ErrUnsatisfiable{Range: r.Raw}
		}
		return v, nil

	default:
		return solveConstraint(r, doc)
	}
}

func solveConstraint(r Range, doc Doc) (string, error) {
	allowPrerelease := constraintReferencesPrerelease(r.Raw)

	var best *semver.Version
	for _, raw := range doc.PublishedVersions() {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue // unparseable published version: skip rather than fail the whole solve
		}
		if !r.Contains(v) {
			continue
		}
		if v.Prerelease() != "" && !allowPrerelease {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}

	if best == nil {
		return "", &ErrUnsatisfiable{Range: r.Raw}
	}
	return best.Original(), nil
}

// constraintReferencesPrerelease reports whether the raw range string
// itself names a pre-release version (e.g. "^1.0.0-beta.1"), in which case
// pre-release candidates become eligible for that range's solve, per
// spec.md section 4.B.
func constraintReferencesPrerelease(raw string) bool {
	v, err := semver.NewVersion(extractFirstVersionToken(raw))
	if err != nil {
		return false
	}
	return v.Prerelease() != ""
}

// extractFirstVersionToken extracts the first whitespace/operator-delimited
// version-shaped token from a constraint string, e.g. "^1.2.3-beta" -> tries
// "1.2.3-beta" after stripping leading operator characters. This is a best
// effort matching the narrow case spec.md calls out (explicit pre-release
// reference), not a general constraint parser.
func extractFirstVersionToken(raw string) string {
	start := 0
	for start < len(raw) {
		c := raw[start]
		if c == '^' || c == '~' || c == '=' || c == '>' || c == '<' || c == ' ' {
			start++
			continue
		}
		break
	}
	end := start
	for end < len(raw) {
		c := raw[end]
		if c == ' ' || c == ',' || c == '|' {
			break
		}
		end++
	}
	if start >= end {
		return raw
	}
	return raw[start:end]
}
