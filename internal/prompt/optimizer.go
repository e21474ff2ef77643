package prompt

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lianues/buildcopy/internal/config"
	"github.com/lianues/buildcopy/internal/edit"
	"github.com/lianues/buildcopy/internal/workspace"
	"github.com/lianues/buildcopy/pkg/models"
)

// Placeholder strings substituted into optimized history. These are
// load-bearing signals to the model ("this content is unchanged from the
// live context"); their wording is part of the prompt contract.
const (
	FilePlaceholder    = "[code is identical to current context]"
	PathsPlaceholder   = "[code block paths are identical to current context]"
	ChangesPlaceholder = "<changes>[changes applied and reflected in current context]</changes>"
)

// Optimize walks messages from newest to oldest and, while each message's
// embedded file snapshots still match the live workspace, replaces those
// bytes with placeholders. The walk stops at the first mismatch: once
// history diverges from the current code, any earlier placeholder would be
// a lie. The rewrite is idempotent.
func Optimize(messages []models.Message, digest *workspace.Digest, strategy string) []models.Message {
	out := make([]models.Message, len(messages))
	copy(out, messages)

	current := make(map[string]string, len(digest.Files))
	for _, f := range digest.Files {
		current[f.Path] = f.Text
	}
	var currentPaths map[string][]string
	if strategy == config.StrategyBlock {
		currentPaths = BlockPaths(digest)
	}

	for i := len(out) - 1; i >= 0; i-- {
		var ok bool
		switch out[i].Role {
		case models.RoleModel:
			out[i].Text, ok = optimizeModelMessage(out[i].Text, current)
		case models.RoleUser:
			full := out[i].PromptText()
			var rewritten string
			rewritten, ok = optimizeUserMessage(full, current, currentPaths, strategy)
			if ok && out[i].FullText != "" {
				out[i].FullText = rewritten
			} else if ok {
				out[i].Text = rewritten
			}
		default:
			ok = true
		}
		if !ok {
			log.Debug().Int("index", i).Msg("History diverges from live workspace, keeping earlier turns verbatim")
			break
		}
	}
	return out
}

// optimizeModelMessage collapses an applied <changes> envelope whose edits
// all still match the live files. Messages without an envelope pass
// through untouched.
func optimizeModelMessage(text string, current map[string]string) (string, bool) {
	start, end, found := edit.EnvelopeRegion(text)
	if !found {
		return text, true
	}
	region := text[start:end]
	if region == ChangesPlaceholder {
		return text, true
	}

	edits, err := edit.Parse(region)
	if err != nil {
		// An unparseable historical envelope cannot be verified against the
		// workspace; stop here.
		return text, false
	}
	for _, e := range edits {
		switch {
		case e.Kind == models.EditDelete:
			if _, exists := current[e.Path]; exists {
				return text, false
			}
		case e.IsWholeFile():
			live, exists := current[e.Path]
			if !exists || normalize(live) != normalize(e.Content) {
				return text, false
			}
		default:
			// Block edits cannot be compared against whole files.
			return text, false
		}
	}
	return text[:start] + ChangesPlaceholder + text[end:], true
}

// optimizeUserMessage replaces the embedded per-file bodies when the
// referenced file set, every file text, and (block strategy) every path
// list still equal the live workspace.
func optimizeUserMessage(full string, current map[string]string, currentPaths map[string][]string, strategy string) (string, bool) {
	segs := parseSegments(full)

	referenced := make(map[string]bool)
	for _, s := range segs {
		switch s.kind {
		case segFile:
			referenced[s.path] = true
			live, exists := current[s.path]
			if !exists {
				return full, false
			}
			if s.body != FilePlaceholder && normalize(s.body) != normalize(live) {
				return full, false
			}
		case segPaths:
			if strategy != config.StrategyBlock {
				return full, false
			}
			want := strings.Join(currentPaths[s.path], "\n")
			if s.body != PathsPlaceholder && normalize(s.body) != normalize(want) {
				return full, false
			}
		}
	}

	// No embedded digest means nothing to optimize; a digest referencing a
	// different file set than the live workspace stops the walk.
	if len(referenced) == 0 {
		return full, true
	}
	if len(referenced) != len(current) {
		return full, false
	}
	for path := range current {
		if !referenced[path] {
			return full, false
		}
	}

	var b strings.Builder
	for _, s := range segs {
		switch s.kind {
		case segFile:
			b.WriteString(s.header)
			b.WriteString(FilePlaceholder)
			b.WriteString(s.trailer)
		case segPaths:
			b.WriteString(s.header)
			b.WriteString(PathsPlaceholder)
			b.WriteString(s.trailer)
		default:
			b.WriteString(s.body)
		}
	}
	return b.String(), true
}

// segment kinds inside a composed user prompt.
type segKind int

const (
	segRaw segKind = iota
	segFile
	segPaths
)

// segment is one slice of the prompt body. For file and paths segments the
// header holds the marker line (newline included) and trailer the blank
// separator that follows the body.
type segment struct {
	kind    segKind
	path    string
	header  string
	body    string
	trailer string
}

// parseSegments splits a composed prompt into raw text, file sections, and
// block path sections. Reassembling header+body+trailer in order yields the
// original string byte-for-byte.
func parseSegments(full string) []segment {
	var segs []segment
	rest := full
	consumed := 0

	for {
		fileIdx := markerIndex(full, consumed, "--- START OF FILE ")
		pathsIdx := markerIndex(full, consumed, blockPathsPrefix)

		idx, kind := fileIdx, segFile
		if idx < 0 || (pathsIdx >= 0 && pathsIdx < idx) {
			idx, kind = pathsIdx, segPaths
		}
		if idx < 0 {
			if consumed < len(full) {
				segs = append(segs, segment{kind: segRaw, body: full[consumed:]})
			}
			break
		}

		if idx > consumed {
			segs = append(segs, segment{kind: segRaw, body: full[consumed:idx]})
		}

		rest = full[idx:]
		headerEnd := strings.Index(rest, "\n")
		if headerEnd < 0 {
			segs = append(segs, segment{kind: segRaw, body: rest})
			consumed = len(full)
			break
		}
		header := rest[:headerEnd+1]
		path := sectionPath(strings.TrimSuffix(header, "\n"), kind)

		bodyStart := idx + headerEnd + 1
		bodyEnd := nextMarker(full, bodyStart)
		body := full[bodyStart:bodyEnd]

		// The blank separator (and any trailing whitespace) before the next
		// marker belongs to the section frame, not the content.
		trimmed := strings.TrimRight(body, " \t\r\n")
		trailer := body[len(trimmed):]

		segs = append(segs, segment{
			kind:    kind,
			path:    path,
			header:  header,
			body:    trimmed,
			trailer: trailer,
		})
		consumed = bodyEnd
	}
	return segs
}

// markerIndex finds the next occurrence of marker at a line start.
func markerIndex(full string, from int, marker string) int {
	for search := from; search <= len(full); {
		idx := strings.Index(full[search:], marker)
		if idx < 0 {
			return -1
		}
		abs := search + idx
		if abs == 0 || full[abs-1] == '\n' {
			return abs
		}
		search = abs + len(marker)
	}
	return -1
}

// nextMarker returns the offset of the next section marker or instruction
// header at a line start, or len(full).
func nextMarker(full string, from int) int {
	candidates := []int{
		markerIndex(full, from, "--- START OF FILE "),
		markerIndex(full, from, blockPathsPrefix),
		markerIndex(full, from, UserInstructionHeader),
	}
	end := len(full)
	for _, c := range candidates {
		if c >= 0 && c < end {
			end = c
		}
	}
	return end
}

// sectionPath extracts the file path from a marker line.
func sectionPath(header string, kind segKind) string {
	var prefix string
	switch kind {
	case segFile:
		prefix = "--- START OF FILE "
	case segPaths:
		prefix = blockPathsPrefix
	}
	p := strings.TrimPrefix(header, prefix)
	return strings.TrimSpace(strings.TrimSuffix(p, "---"))
}

// normalize applies the comparison policy: line-ending normalization plus
// surrounding whitespace trim.
func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
