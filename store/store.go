// Package store implements the Archive Store (spec.md section 4.F): a
// disk-resident, content-addressed cache of extracted tarball contents,
// keyed by integrity digest, colocated inside the project's dependency root
// so materialisation can hardlink rather than copy.
//
// Streaming decompression uses github.com/klauspost/compress/gzip, the same
// drop-in gzip replacement internal/fetch uses for metadata responses;
// temporary insertion directories are named with github.com/google/uuid,
// following matzehuels/stacktower's use of uuid.New() for scoped,
// collision-proof identifiers.
package store

import (
	"archive/tar"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/singleflight"

	"github.com/git-pkgs/nodepm/errs"
	"github.com/git-pkgs/nodepm/internal/model"
	"github.com/git-pkgs/nodepm/logging"
)

// Store is a content-addressed archive cache rooted at a single directory.
type Store struct {
	root  string
	group singleflight.Group // coalesces concurrent Insert calls for the same digest
}

// Open creates the store's root and temp-insertion directories if absent,
// and garbage-collects any partial extraction left by a prior crashed run
// (spec.md section 4.F "Partial extractions are garbage collected on startup").
func Open(root string) (*Store, error) {
	s := &Store{root: root}
	if err := os.MkdirAll(s.tmpDir(), 0o755); err != nil {
		return nil, errs.Wrapf(err, errs.Network, "creating archive store at %s", root)
	}
	if err := s.collectGarbage(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) tmpDir() string { return filepath.Join(s.root, "tmp") }

func (s *Store) digestDir(d model.Digest) string {
	return filepath.Join(s.root, d.Algorithm+"-"+d.Hex)
}

func (s *Store) collectGarbage() error {
	entries, err := os.ReadDir(s.tmpDir())
	if err != nil {
		return errs.Wrapf(err, errs.Network, "listing archive store temp directory")
	}
	logger := logging.For("store")
	for _, e := range entries {
		p := filepath.Join(s.tmpDir(), e.Name())
		if err := os.RemoveAll(p); err != nil {
			logger.Warn().Str("path", p).Err(err).Msg("failed to remove stale partial extraction")
		}
	}
	return nil
}

// Has reports whether digest is already present in the store.
func (s *Store) Has(d model.Digest) bool {
	_, err := os.Stat(s.digestDir(d))
	return err == nil
}

// Insert streams a gzip-compressed tarball from r, verifying digest as
// bytes flow, and atomically installs the extracted tree under the store
// keyed by digest. A digest mismatch raises IntegrityFailure and leaves no
// trace in the store. Concurrent Insert calls for the same digest coalesce
// into a single extraction, mirroring registry.Client's singleflight use
// for metadata.
func (s *Store) Insert(d model.Digest, r io.Reader) error {
	if s.Has(d) {
		return nil
	}
	_, err, _ := s.group.Do(d.String(), func() (any, error) {
		return nil, s.insertUncached(d, r)
	})
	return err
}

func (s *Store) insertUncached(d model.Digest, r io.Reader) error {
	if s.Has(d) {
		return nil // another process (or a prior run) won the race already
	}

	hasher := newHasher(d.Algorithm)
	var hashed io.Reader = r
	if hasher != nil {
		hashed = io.TeeReader(r, hasher)
	}

	gz, err := gzip.NewReader(hashed)
	if err != nil {
		return errs.Wrap(err, errs.IntegrityFailure, "opening gzip stream")
	}
	defer func() { _ = gz.Close() }()

	tmpDir := filepath.Join(s.tmpDir(), uuid.New().String())
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return errs.Wrap(err, errs.Network, "creating temp extraction directory")
	}
	succeeded := false
	defer func() {
		if !succeeded {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.Wrap(err, errs.IntegrityFailure, "reading tar stream")
		}
		if err := writeEntry(tmpDir, hdr, tr); err != nil {
			return err
		}
	}

	// Drain any bytes the gzip/tar readers didn't need, so the digest
	// covers the entire response body, not just the tar-relevant prefix.
	if _, err := io.Copy(io.Discard, hashed); err != nil {
		return errs.Wrap(err, errs.IntegrityFailure, "draining tarball stream")
	}

	if hasher != nil {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, d.Hex) {
			return errs.Newf(errs.IntegrityFailure, "tarball digest mismatch: expected %s, got %s", d.Hex, got)
		}
	}

	finalDir := s.digestDir(d)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		if os.IsExist(err) || s.Has(d) {
			succeeded = true // lost the rename race to an equivalent concurrent insert; the store already has it
			return nil
		}
		return errs.Wrap(err, errs.Network, "renaming extraction into the archive store")
	}
	succeeded = true
	return nil
}

func newHasher(algorithm string) hash.Hash {
	switch algorithm {
	case "sha512":
		return sha512.New()
	case "sha1":
		return sha1.New()
	default:
		return nil // no recognised digest: nothing to verify (e.g. a direct tarball URL dependency)
	}
}

// writeEntry extracts one tar entry into dir, rejecting any path that would
// escape dir (spec.md SPEC_FULL supplement "Scoped path containment").
func writeEntry(dir string, hdr *tar.Header, r io.Reader) error {
	name := filepath.ToSlash(hdr.Name)
	if err := validateEntryPath(name); err != nil {
		return err
	}
	dest := filepath.Join(dir, filepath.FromSlash(name))

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(dest, fs.FileMode(hdr.Mode&0o777)); err != nil {
			return errs.Wrap(err, errs.IntegrityFailure, "creating directory from tar entry "+name)
		}
		return nil

	case tar.TypeReg, tar.TypeRegA:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errs.Wrap(err, errs.IntegrityFailure, "creating parent directory for "+name)
		}
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode&0o777))
		if err != nil {
			return errs.Wrap(err, errs.IntegrityFailure, "creating file from tar entry "+name)
		}
		defer func() { _ = f.Close() }()
		if _, err := io.Copy(f, r); err != nil {
			return errs.Wrap(err, errs.IntegrityFailure, "writing file from tar entry "+name)
		}
		return nil

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errs.Wrap(err, errs.IntegrityFailure, "creating parent directory for symlink "+name)
		}
		_ = os.Remove(dest)
		if err := os.Symlink(hdr.Linkname, dest); err != nil {
			return errs.Wrap(err, errs.IntegrityFailure, "creating symlink from tar entry "+name)
		}
		return nil

	default:
		return nil // skip devices, fifos, and other exotic entry types
	}
}

// validateEntryPath rejects empty and absolute paths and any ".." path
// segment, grounded in the original implementation's scoped_path.rs.
func validateEntryPath(name string) error {
	if name == "" || filepath.IsAbs(name) {
		return errs.Newf(errs.IntegrityFailure, "tar entry %q is not a safe relative path", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return errs.Newf(errs.IntegrityFailure, "tar entry %q escapes the extraction directory", name)
		}
	}
	return nil
}

// Materialise populates dest with digest's extracted content, stripping a
// single top-level directory if present and hardlinking where the
// destination shares the store's filesystem, falling back to copying
// otherwise (spec.md section 4.F).
func (s *Store) Materialise(d model.Digest, dest string) error {
	src := s.digestDir(d)
	src, err := stripSingleTopLevelDir(src)
	if err != nil {
		return errs.Wrap(err, errs.Network, "inspecting store content for "+d.String())
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errs.Wrap(err, errs.Network, "creating install directory "+dest)
	}
	return copyTree(src, dest)
}

// stripSingleTopLevelDir implements the original's plan.rs::get_package_src:
// if dir's only entry is itself a directory, descend into it; otherwise the
// tarball content is used as-is (covers already-flat or malformed tarballs).
func stripSingleTopLevelDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// copyTree recreates src's tree at dest, hardlinking regular files when
// possible and falling back to a byte copy (e.g. across filesystems),
// grounded in the original's plan.rs::hardlink_dir. Symlinks are recreated
// verbatim, never hardlinked.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(linkTarget, target)

		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())

		default:
			if err := os.Link(path, target); err == nil {
				return nil
			}
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dest string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}
