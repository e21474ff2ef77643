package index

import (
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/rs/zerolog/log"

	"github.com/lianues/buildcopy/pkg/models"
)

// ReplaceBlock rewrites the top-level block addressed by blockPath with
// newBlock and returns the updated file text.
//
//   - $imports replaces the byte range from the first to the last import
//     declaration inclusive
//   - a named path replaces the matching declaration, including any
//     immediately-preceding attached comment block
//   - a $line path re-verifies its content suffix against the live file
//     and fails with ErrBlockMismatch instead of silently rewriting
//
// $fullfile is not handled here; it signals whole-file replacement to the
// applier. The cut is trimmed on both sides and rejoined with blank lines
// so spacing stays readable.
func ReplaceBlock(filename, text, blockPath, newBlock string) (string, error) {
	if blockPath == models.BlockPathFullFile {
		return "", fmt.Errorf("%s is a whole-file signal, not a block path", models.BlockPathFullFile)
	}

	tree, src, err := parse(filename, text)
	if err != nil {
		return "", err
	}
	defer tree.Close()
	root := tree.RootNode()

	var start, end int
	switch {
	case blockPath == models.BlockPathImports:
		start, end, err = importsRange(root)
	case strings.HasPrefix(blockPath, models.BlockPathLinePrefix):
		start, end, err = lineRange(root, text, blockPath)
	default:
		start, end, err = namedRange(root, src, text, blockPath)
	}
	if err != nil {
		return "", err
	}

	return splice(text, start, end, newBlock), nil
}

// splice applies the trim-and-rejoin whitespace policy around the cut.
func splice(text string, start, end int, newBlock string) string {
	before := strings.TrimRight(text[:start], " \t\r\n")
	after := strings.TrimLeft(text[end:], " \t\r\n")
	block := strings.TrimSpace(newBlock)

	var b strings.Builder
	if before != "" {
		b.WriteString(before)
		b.WriteString("\n\n")
	}
	b.WriteString(block)
	if after != "" {
		b.WriteString("\n\n")
		b.WriteString(after)
	}
	if strings.HasSuffix(text, "\n") && !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// importsRange spans from the first to the last import declaration.
func importsRange(root *sitter.Node) (int, int, error) {
	first, last := -1, -1
	for i := 0; i < int(root.NamedChildCount()); i++ {
		stmt := root.NamedChild(i)
		if stmt.Type() != "import_statement" {
			continue
		}
		if first < 0 {
			first = int(stmt.StartByte())
		}
		last = int(stmt.EndByte())
	}
	if first < 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrBlockNotFound, models.BlockPathImports)
	}
	return first, last, nil
}

// namedRange finds the top-level statement declaring name.
func namedRange(root *sitter.Node, src []byte, text, name string) (int, int, error) {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		stmt := root.NamedChild(i)
		if declaredName(stmt, src) != name {
			continue
		}
		return startWithLeadingComments(root, i, text), int(stmt.EndByte()), nil
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrBlockNotFound, name)
}

// lineRange resolves a "$line:<n>:<content>" path. The content suffix must
// match the trimmed live source of line n; the suffix is what makes the
// path self-validating when line numbers drift.
func lineRange(root *sitter.Node, text, blockPath string) (int, int, error) {
	rest := strings.TrimPrefix(blockPath, models.BlockPathLinePrefix)
	sep := strings.Index(rest, ":")
	if sep < 0 {
		return 0, 0, fmt.Errorf("malformed line path %q", blockPath)
	}
	line, err := strconv.Atoi(rest[:sep])
	if err != nil || line < 1 {
		return 0, 0, fmt.Errorf("malformed line path %q", blockPath)
	}
	want := rest[sep+1:]

	var node *sitter.Node
	for i := 0; i < int(root.NamedChildCount()); i++ {
		stmt := root.NamedChild(i)
		if int(stmt.StartPoint().Row)+1 == line {
			node = stmt
			break
		}
	}
	if node == nil {
		return 0, 0, fmt.Errorf("%w: no statement starts on line %d", ErrBlockNotFound, line)
	}

	if got := strings.TrimSpace(lineText(text, line)); got != want {
		log.Warn().
			Int("line", line).
			Str("expected", want).
			Str("actual", got).
			Msg("Line path content mismatch, leaving file unchanged")
		return 0, 0, fmt.Errorf("%w: line %d", ErrBlockMismatch, line)
	}
	return int(node.StartByte()), int(node.EndByte()), nil
}

// startWithLeadingComments extends a statement's start over the attached
// comment block directly above it: a contiguous run of comments with no
// blank line between the run and the statement.
func startWithLeadingComments(root *sitter.Node, stmtIdx int, text string) int {
	stmt := root.NamedChild(stmtIdx)
	start := int(stmt.StartByte())
	nextStart := start

	for i := stmtIdx - 1; i >= 0; i-- {
		prev := root.NamedChild(i)
		if prev.Type() != "comment" {
			break
		}
		gap := text[int(prev.EndByte()):nextStart]
		if strings.Count(gap, "\n") > 1 {
			break
		}
		start = int(prev.StartByte())
		nextStart = start
	}
	return start
}
