// Package sidecar implements path-validated read/write of per-target JSON
// artifacts under a sidecar directory next to each target file, plus the
// path-validated project writes used to apply tool-generated changes.
//
// Grounded on kilroy's internal/attractor/runtime/final.go (MkdirAll + pretty
// JSON write) and internal/attractor/runstate/snapshot.go (reconstructing
// state from JSON artifacts on disk). The allow-list containment check has
// no teacher analogue — kilroy owns its whole worktree — and follows the
// canonicalize-then-prefix-check idiom from C360Studio-semspec's storage
// package.
package sidecar

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// PathEscape is returned when a path resolves outside every allow-listed
// directory.
type PathEscape struct {
	Path string
}

func (e *PathEscape) Error() string {
	return fmt.Sprintf("sidecar: path %q escapes allow-listed directories", e.Path)
}

// LockViolation is returned when a grant-checked write fails because the
// grant is missing, released, expired, or doesn't cover the path.
type LockViolation struct {
	Path   string
	Reason string
}

func (e *LockViolation) Error() string {
	return fmt.Sprintf("sidecar: lock violation writing %q: %s", e.Path, e.Reason)
}

// GrantChecker is satisfied by a lock manager: it answers whether a grant is
// currently active and whether it covers a given canonical path. Sidecar
// depends only on this interface so it never imports the lock manager
// package directly.
type GrantChecker interface {
	GrantCoversPath(grantID string, canonicalPath string) bool
}

// TestPathResolver derives the test-file path for a target, or returns ""
// when no corresponding test file is defined for that target.
type TestPathResolver interface {
	DeriveTestPath(targetPath string) string
}

// MirrorResolver is the default TestPathResolver: it rewrites the first path
// component that exactly equals a key of Mirrors, substituting the paired
// test directory and appending a "_test" suffix to the base name (before its
// extension).
type MirrorResolver struct {
	// Mirrors maps a source directory prefix (e.g. "app") to its paired
	// test directory prefix (e.g. "test").
	Mirrors map[string]string
}

// DefaultMirrorResolver returns the conventional app/... -> test/..._test
// mirror.
func DefaultMirrorResolver() *MirrorResolver {
	return &MirrorResolver{Mirrors: map[string]string{"app": "test"}}
}

func (r *MirrorResolver) DeriveTestPath(targetPath string) string {
	clean := filepath.ToSlash(targetPath)
	parts := strings.Split(clean, "/")
	for i, part := range parts {
		if testDir, ok := r.Mirrors[part]; ok {
			mirrored := make([]string, len(parts))
			copy(mirrored, parts)
			mirrored[i] = testDir
			base := mirrored[len(mirrored)-1]
			ext := filepath.Ext(base)
			mirrored[len(mirrored)-1] = strings.TrimSuffix(base, ext) + "_test" + ext
			return filepath.FromSlash(strings.Join(mirrored, "/"))
		}
	}
	return ""
}

// Store provides sidecar and project-write operations scoped to a project
// root and a set of allow-listed directories.
type Store struct {
	// ProjectRoot is the canonical absolute root of the target project.
	ProjectRoot string
	// SidecarDirName names the per-directory sidecar folder, e.g. ".harden".
	SidecarDirName string
	// AllowedDirs are canonical absolute directories writes must stay within.
	AllowedDirs []string
	// TestPaths resolves a target's paired test file, if any.
	TestPaths TestPathResolver
	// Grants checks grant validity for grant-scoped writes. May be nil if
	// no grant-enforced writes are ever issued via this store.
	Grants GrantChecker
}

// New builds a Store, canonicalizing the project root and every allow-listed
// directory up front so later checks are pure string comparisons.
func New(projectRoot, sidecarDirName string, allowedDirs []string, grants GrantChecker) (*Store, error) {
	root, err := canonicalize(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("sidecar: canonicalize project root: %w", err)
	}
	canon := make([]string, 0, len(allowedDirs))
	for _, d := range allowedDirs {
		c, err := canonicalize(d)
		if err != nil {
			return nil, fmt.Errorf("sidecar: canonicalize allowed dir %q: %w", d, err)
		}
		canon = append(canon, c)
	}
	return &Store{
		ProjectRoot:    root,
		SidecarDirName: sidecarDirName,
		AllowedDirs:    canon,
		TestPaths:      DefaultMirrorResolver(),
		Grants:         grants,
	}, nil
}

// canonicalize resolves path to an absolute, symlink-free form. It tolerates
// a path that does not yet exist by canonicalizing the nearest existing
// ancestor and rejoining the remainder, so sidecar directories not yet
// created can still be validated before ensure_sidecar_dir creates them.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent, base := filepath.Split(abs)
	parent = strings.TrimSuffix(parent, string(filepath.Separator))
	if parent == "" || parent == abs {
		return abs, nil
	}
	resolvedParent, err := canonicalize(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, base), nil
}

func (s *Store) withinAllowList(canonicalDir string) bool {
	for _, allowed := range s.AllowedDirs {
		if canonicalDir == allowed || strings.HasPrefix(canonicalDir, allowed+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// SidecarPath returns dir(target)/<sidecar_dir>/basename(target)/filename.
func (s *Store) SidecarPath(target, filename string) string {
	dir := filepath.Dir(target)
	base := filepath.Base(target)
	return filepath.Join(dir, s.SidecarDirName, base, filename)
}

// EnsureSidecarDir creates the sidecar directory tree for target, idempotently.
func (s *Store) EnsureSidecarDir(target string) error {
	dir := filepath.Dir(s.SidecarPath(target, "_"))
	return os.MkdirAll(dir, 0o755)
}

// validateContainment canonicalizes dir and verifies it lies within at least
// one allow-listed directory, rejecting with PathEscape otherwise.
func (s *Store) validateContainment(dir string) (string, error) {
	canon, err := canonicalize(dir)
	if err != nil {
		return "", fmt.Errorf("sidecar: canonicalize %q: %w", dir, err)
	}
	if !s.withinAllowList(canon) {
		return "", &PathEscape{Path: dir}
	}
	return canon, nil
}

// WriteSidecar validates target's containing directory against the
// allow-list, then writes content as pretty-printed JSON to
// SidecarPath(target, filename).
func (s *Store) WriteSidecar(target, filename string, content any) error {
	if _, err := s.validateContainment(filepath.Dir(target)); err != nil {
		return err
	}
	if err := s.EnsureSidecarDir(target); err != nil {
		return err
	}
	b, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("sidecar: marshal %q: %w", filename, err)
	}
	path := s.SidecarPath(target, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ReadSidecar reads and unmarshals a previously written sidecar file into v.
// It returns fs.ErrNotExist (wrapped) if the file has not been written yet.
func (s *Store) ReadSidecar(target, filename string, v any) error {
	path := s.SidecarPath(target, filename)
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// SafeWrite performs a path-validated project write. When grantID is
// non-empty, it additionally enforces that the grant is active and its
// write_paths exactly include the canonical path, raising LockViolation
// otherwise.
func (s *Store) SafeWrite(path string, content []byte, grantID string) error {
	canonDir, err := s.validateContainment(filepath.Dir(path))
	if err != nil {
		return err
	}
	canonPath := filepath.Join(canonDir, filepath.Base(path))

	if grantID != "" {
		if s.Grants == nil || !s.Grants.GrantCoversPath(grantID, canonPath) {
			return &LockViolation{Path: path, Reason: "grant inactive, expired, or does not cover path"}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}

// DeriveTestPath returns the resolved test path for targetPath, or "" if the
// configured resolver finds none, or if the mirrored test file doesn't exist
// yet (nothing to acquire a write grant over until apply actually creates it).
func (s *Store) DeriveTestPath(targetPath string) string {
	if s.TestPaths == nil {
		return ""
	}
	mirrored := s.TestPaths.DeriveTestPath(targetPath)
	if mirrored == "" {
		return ""
	}
	if _, err := os.Stat(mirrored); err != nil {
		return ""
	}
	return mirrored
}

// CopyFromStaging walks stagingDir and copies each regular file to its
// mirrored absolute path under the project root, via SafeWrite. Returns the
// list of project-relative paths written, in walk order.
func (s *Store) CopyFromStaging(stagingDir, grantID string) ([]string, error) {
	var written []string
	err := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(s.ProjectRoot, rel)
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := s.SafeWrite(dest, content, grantID); err != nil {
			return fmt.Errorf("copy_from_staging %q: %w", rel, err)
		}
		written = append(written, rel)
		return nil
	})
	if err != nil {
		return written, err
	}
	return written, nil
}

// MatchesAnyGlob reports whether rel (slash-separated) matches any of the
// doublestar globs. The store's own allow-list check does not use it; that
// check compares canonicalized directory prefixes.
func MatchesAnyGlob(rel string, globs []string) bool {
	rel = filepath.ToSlash(rel)
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// SidecarMTime returns the modification time of a sidecar file, used by
// resume-by-rescan to order recovered artifacts. Returns the zero Time if
// the file does not exist.
func (s *Store) SidecarMTime(target, filename string) time.Time {
	info, err := os.Stat(s.SidecarPath(target, filename))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
