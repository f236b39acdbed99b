// Package ignore implements the layered ignore-pattern matcher used to
// exclude paths from scanning, hashing and watching: standard
// .gitignore files nested throughout the tree, an optional external
// gitignore, config-supplied extra directory names, and a project-local
// .csyncignore override that always wins over .gitignore at its own
// level or shallower.
package ignore

import (
	"os"
	"path/filepath"
	"strings"

	gi "github.com/sabhiram/go-gitignore"
)

const overrideFileName = ".csyncignore"

// nestedMatcher holds a gitignore matcher scoped to a directory.
type nestedMatcher struct {
	matcher *gi.GitIgnore
	baseDir string // relative to project root; "" for the root
}

// overrideMatcher holds a pair of matchers for a .csyncignore file.
// full applies the original patterns, including negations, for the
// actual decision. any converts every pattern to positive, so it can
// be used to detect whether the file has an opinion at all.
type overrideMatcher struct {
	full    *gi.GitIgnore
	any     *gi.GitIgnore
	baseDir string
}

// Matcher answers whether a path should be excluded from indexing.
type Matcher struct {
	projectRoot     string
	nested          []nestedMatcher
	extraDirs       []string
	overrides       []overrideMatcher
	hasNegatedRules bool
}

// New builds a Matcher by walking projectRoot for .gitignore and
// .csyncignore files. extraIgnore is a list of directory basenames
// (e.g. "node_modules") excluded unconditionally. externalGitignore,
// if non-empty, is an additional gitignore file loaded at the root
// scope (e.g. a user-global ignore file).
func New(projectRoot string, extraIgnore []string, externalGitignore string) (*Matcher, error) {
	m := &Matcher{projectRoot: projectRoot, extraDirs: extraIgnore}

	if externalGitignore != "" {
		path := expandTilde(externalGitignore)
		if compiled, err := gi.CompileIgnoreFile(path); err == nil {
			m.nested = append(m.nested, nestedMatcher{matcher: compiled, baseDir: ""})
		}
	}

	err := filepath.Walk(projectRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			base := filepath.Base(path)
			for _, d := range extraIgnore {
				if base == d {
					return filepath.SkipDir
				}
			}
			return nil
		}

		switch filepath.Base(path) {
		case ".gitignore":
			compiled, err := gi.CompileIgnoreFile(path)
			if err != nil {
				return nil
			}
			rel := relBase(projectRoot, path)
			m.nested = append(m.nested, nestedMatcher{matcher: compiled, baseDir: rel})
		case overrideFileName:
			ov, negated, err := compileOverrideFile(path)
			if err != nil {
				return nil
			}
			ov.baseDir = relBase(projectRoot, path)
			m.overrides = append(m.overrides, ov)
			if negated {
				m.hasNegatedRules = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(extraIgnore) > 0 {
		m.nested = append(m.nested, nestedMatcher{matcher: gi.CompileIgnoreLines(extraIgnore...), baseDir: ""})
	}

	return m, nil
}

func relBase(root, filePath string) string {
	rel, err := filepath.Rel(root, filepath.Dir(filePath))
	if err != nil || rel == "." {
		return ""
	}
	return rel
}

// ShouldIgnore reports whether path (absolute or root-relative,
// slash- or OS-separated) should be excluded.
func (m *Matcher) ShouldIgnore(path string) bool {
	norm := filepath.ToSlash(path)

	if result, hasOpinion, overrideBase := m.evalOverride(norm); hasOpinion {
		if result {
			return true
		}
		if ignored, gitBase := m.evalGitignoreLeveled(norm); ignored && len(gitBase) > len(overrideBase) {
			return true // a deeper .gitignore still wins over a shallower override
		}
		return false
	}

	return m.evalGitignore(norm)
}

// ShouldSkipDir reports whether a directory can be pruned entirely
// during a filesystem walk. It refuses to prune when a .csyncignore
// negation elsewhere could re-include a file beneath it.
func (m *Matcher) ShouldSkipDir(path string) bool {
	if !m.ShouldIgnore(path) {
		return false
	}
	norm := filepath.ToSlash(path)

	if result, hasOpinion, _ := m.evalOverride(norm); hasOpinion {
		return result
	}
	return !m.hasNegatedRules
}

func (m *Matcher) evalOverride(norm string) (result, hasOpinion bool, baseDir string) {
	var best *overrideMatcher
	bestLen := -1

	for i := range m.overrides {
		ov := &m.overrides[i]
		rel := scopedRel(norm, ov.baseDir)
		if rel == "" && ov.baseDir != "" {
			continue
		}
		if ov.any.MatchesPath(rel) || ov.any.MatchesPath(rel+"/") {
			if len(ov.baseDir) > bestLen {
				best = ov
				bestLen = len(ov.baseDir)
			}
		}
	}
	if best == nil {
		return false, false, ""
	}

	rel := scopedRel(norm, best.baseDir)
	plain := best.full.MatchesPath(rel)
	slash := best.full.MatchesPath(rel + "/")
	if plain && !slash {
		return false, true, best.baseDir
	}
	return plain || slash, true, best.baseDir
}

func (m *Matcher) evalGitignore(norm string) bool {
	ignored, _ := m.evalGitignoreLeveled(norm)
	return ignored
}

func (m *Matcher) evalGitignoreLeveled(norm string) (bool, string) {
	found := false
	deepest := ""

	base := filepath.Base(norm)
	for _, d := range m.extraDirs {
		if base == d {
			found = true
		}
	}

	for _, nm := range m.nested {
		rel := scopedRel(norm, nm.baseDir)
		if rel == "" && nm.baseDir != "" {
			continue
		}
		if nm.matcher.MatchesPath(rel) || nm.matcher.MatchesPath(rel+"/") {
			if !found || len(nm.baseDir) > len(deepest) {
				deepest = nm.baseDir
				found = true
			}
		}
	}
	return found, deepest
}

func scopedRel(norm, baseDir string) string {
	if baseDir == "" {
		return norm
	}
	base := filepath.ToSlash(baseDir)
	if norm == base {
		return "."
	}
	if strings.HasPrefix(norm, base+"/") {
		return strings.TrimPrefix(norm, base+"/")
	}
	return ""
}

func compileOverrideFile(path string) (overrideMatcher, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return overrideMatcher{}, false, err
	}

	var full, any []string
	negated := false
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		full = append(full, trimmed)
		if strings.HasPrefix(trimmed, "!") {
			negated = true
			any = append(any, strings.TrimPrefix(trimmed, "!"))
		} else {
			any = append(any, trimmed)
		}
	}

	return overrideMatcher{
		full: gi.CompileIgnoreLines(full...),
		any:  gi.CompileIgnoreLines(any...),
	}, negated, nil
}

func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
