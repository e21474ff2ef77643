package workspace

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"
)

// Names of the two optional ignore files read from the workspace root.
var IgnoreFileNames = []string{".aiexclude", ".aiignore"}

// ignorePattern is one parsed ignore rule. Globs holds the doublestar
// expansions of the raw line; DirOnly rules match directories and prune
// their subtree.
type ignorePattern struct {
	Raw     string
	Globs   []string
	DirOnly bool
}

// IgnoreMatcher applies gitignore-style rules to workspace-relative paths.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// LoadIgnoreRules reads the union of rules from the optional ignore files at
// the workspace root. Missing files contribute nothing.
func LoadIgnoreRules(root string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, name := range IgnoreFileNames {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			m.AddPattern(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Error reading ignore file")
		}
		f.Close()
	}
	return m
}

// AddPattern parses one ignore line. Comment and blank lines are dropped.
//
// Gitignore semantics, per the workbench contract:
//   - leading "/" anchors the pattern to the workspace root
//   - a pattern without "/" matches at any depth (auto-prefixed "**/")
//   - trailing "/" marks a directory-only rule, expanded to "base" and
//     "base/**" so the whole subtree is covered
func (m *IgnoreMatcher) AddPattern(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	p := ignorePattern{Raw: line}

	core := line
	if strings.HasSuffix(core, "/") {
		p.DirOnly = true
		core = strings.TrimSuffix(core, "/")
	}

	anchored := false
	if strings.HasPrefix(core, "/") {
		anchored = true
		core = strings.TrimPrefix(core, "/")
	} else if strings.Contains(core, "/") {
		// A slash anywhere in the pattern anchors it to the root.
		anchored = true
	}
	if !anchored {
		core = "**/" + core
	}

	p.Globs = []string{core}
	if p.DirOnly {
		p.Globs = append(p.Globs, core+"/**")
	}

	m.patterns = append(m.patterns, p)
}

// Len returns the number of parsed rules.
func (m *IgnoreMatcher) Len() int {
	return len(m.patterns)
}

// Match reports whether a workspace-relative path (forward slashes) is
// excluded. Directory-only rules match only when isDir is true or when the
// path lies inside a matched directory.
func (m *IgnoreMatcher) Match(relPath string, isDir bool) bool {
	relPath = filepath.ToSlash(relPath)
	for _, p := range m.patterns {
		target := relPath
		if p.DirOnly && !isDir {
			// A file matches a directory-only rule only through the
			// directory that contains it.
			target = path.Dir(relPath)
			if target == "." {
				continue
			}
		}
		for _, g := range p.Globs {
			ok, err := doublestar.Match(g, target)
			if err != nil {
				log.Warn().Err(err).Str("pattern", p.Raw).Msg("Bad ignore pattern")
				break
			}
			if ok {
				return true
			}
		}
	}
	return false
}
