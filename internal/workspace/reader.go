// Package workspace enumerates the managed project tree and produces the
// per-turn digest consumed by the prompt composer and snapshot store.
package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// SummaryHeader is the first line of the workspace digest text. The model
// is prompted against this exact framing, so it is part of the prompt
// contract.
const SummaryHeader = "These are the existing files in the app:"

// fileSectionPrefix introduces one file body inside the digest text.
const fileSectionPrefix = "--- START OF FILE "

// File is one workspace entry: relative path (forward slashes) and text.
type File struct {
	Path string
	Text string
}

// Digest is the per-turn snapshot of workspace text.
type Digest struct {
	// Files is the ordered (path-sorted) list of tracked files.
	Files []File
	// IncludedFiles lists the paths alone, for UI display.
	IncludedFiles []string
}

// Get returns the text of path and whether it is present in the digest.
func (d *Digest) Get(path string) (string, bool) {
	for i := range d.Files {
		if d.Files[i].Path == path {
			return d.Files[i].Text, true
		}
	}
	return "", false
}

// Summary concatenates each file as a "--- START OF FILE <path> ---" block,
// prefixed with the header line. This string is embedded verbatim in user
// prompts.
func (d *Digest) Summary() string {
	var b strings.Builder
	b.WriteString(SummaryHeader)
	for _, f := range d.Files {
		b.WriteString("\n\n")
		b.WriteString(FileSection(f.Path, f.Text))
	}
	return b.String()
}

// FileSection renders a single digest block for one file.
func FileSection(path, text string) string {
	return fileSectionPrefix + path + " ---\n" + text
}

// Reader walks a workspace root honoring ignore rules.
type Reader struct {
	root string
}

// NewReader creates a reader for the given workspace root.
func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// Root returns the workspace root directory.
func (r *Reader) Root() string {
	return r.root
}

// Read enumerates tracked files under the root. Ignore rules are reloaded
// on every call so edits to the ignore files take effect immediately.
//
// A failure to read the root yields an empty digest and a logged error;
// failures on individual files skip that file but not the walk.
func (r *Reader) Read() *Digest {
	matcher := LoadIgnoreRules(r.root)
	digest := &Digest{}

	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == r.root {
				return err
			}
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == r.root {
			return nil
		}

		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if matcher.Match(rel, true) {
				return fs.SkipDir
			}
			return nil
		}
		if matcher.Match(rel, false) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", rel).Msg("Skipping unreadable file")
			return nil
		}
		digest.Files = append(digest.Files, File{Path: rel, Text: string(data)})
		digest.IncludedFiles = append(digest.IncludedFiles, rel)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("root", r.root).Msg("Cannot read workspace root")
		return &Digest{}
	}
	return digest
}
