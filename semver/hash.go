package semver

import (
	"crypto/sha1"
	"encoding/hex"
)

// shortHash returns a short, stable, filesystem- and semver-build-metadata
// safe identifier for an arbitrary string.
func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
