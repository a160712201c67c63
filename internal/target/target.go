// Package target discovers the files of a target project that the
// pipeline will drive through the phase chain.
//
// spec.md defines Target's fields (name/path/full_path, unique basename)
// but never specifies how targets are discovered; no original_source/ was
// retrieved for this spec. This is authored from spec.md's own description
// of the domain ("many source files of a target project") plus the
// teacher's own directory-walking convention of walking Options.RepoPath
// (internal/attractor/engine), generalized into include/exclude globs
// pulled from the pipeline config instead of a single repo-wide walk.
package target

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Target is a discovered file inside the target project. Identified by its
// basename, which must be unique within the project. Immutable after
// discovery.
type Target struct {
	Name     string // basename, e.g. "widget.go"
	Path     string // project-relative path, e.g. "app/widget.go"
	FullPath string // absolute path
}

// DuplicateBasenameError is returned when two discovered files share a
// basename, violating spec §3's "unique within the project" invariant.
type DuplicateBasenameError struct {
	Name  string
	Paths []string
}

func (e *DuplicateBasenameError) Error() string {
	return fmt.Sprintf("target: basename %q is not unique: found at %v", e.Name, e.Paths)
}

// DiscoverTargets walks projectRoot, keeping files that match at least one
// include glob and no exclude glob (doublestar, project-relative, slash-
// separated paths). Returns a DuplicateBasenameError if any two kept files
// share a basename. Results are sorted by Path for deterministic ordering.
func DiscoverTargets(projectRoot string, include, exclude []string) ([]Target, error) {
	if len(include) == 0 {
		include = []string{"**/*"}
	}

	var targets []Target
	byName := make(map[string][]string)

	err := filepath.WalkDir(projectRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(projectRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if !matchesAny(rel, include) {
			return nil
		}
		if matchesAny(rel, exclude) {
			return nil
		}

		name := filepath.Base(rel)
		byName[name] = append(byName[name], rel)
		targets = append(targets, Target{
			Name:     name,
			Path:     filepath.FromSlash(rel),
			FullPath: path,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("target: walk %q: %w", projectRoot, err)
	}

	for name, paths := range byName {
		if len(paths) > 1 {
			sort.Strings(paths)
			return nil, &DuplicateBasenameError{Name: name, Paths: paths}
		}
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Path < targets[j].Path })
	return targets, nil
}

func matchesAny(rel string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}
