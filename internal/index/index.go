// Package index parses source files into a logical outline and rewrites
// addressable top-level blocks. It is the round-trip anchor between the
// prompt composer (which advertises block paths to the model) and the edit
// applier (which resolves them back to byte ranges).
package index

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/rs/zerolog/log"

	"github.com/lianues/buildcopy/pkg/models"
)

// ErrBlockNotFound reports a block path that resolves to no top-level node.
var ErrBlockNotFound = errors.New("block path not found")

// ErrBlockMismatch reports a line path whose content suffix no longer
// matches the live file. The caller must not rewrite on a mismatch.
var ErrBlockMismatch = errors.New("block content mismatch")

// ParseError reports that a source file could not be parsed. The prompt
// composer degrades such files to $fullfile-only addressing.
type ParseError struct {
	Filename string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %s", e.Filename)
}

// parsableExtensions are the source kinds the structural index understands.
var parsableExtensions = map[string]bool{
	".ts":  true,
	".tsx": true,
	".js":  true,
	".jsx": true,
	".mjs": true,
	".cjs": true,
}

// Parsable reports whether the structural index can outline this file.
func Parsable(filename string) bool {
	return parsableExtensions[strings.ToLower(path.Ext(filename))]
}

// language picks the grammar by extension. The tsx grammar handles JSX
// syntax; the plain typescript grammar covers the rest.
func language(filename string) *sitter.Language {
	switch strings.ToLower(path.Ext(filename)) {
	case ".tsx", ".jsx":
		return tsx.GetLanguage()
	default:
		return typescript.GetLanguage()
	}
}

// parse builds the syntax tree for text. Callers own closing the tree.
func parse(filename, text string) (*sitter.Tree, []byte, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(language(filename))
	src := []byte(text)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, nil, &ParseError{Filename: filename}
	}
	if tree.RootNode().HasError() {
		tree.Close()
		return nil, nil, &ParseError{Filename: filename}
	}
	return tree, src, nil
}

// NavigationalPaths returns, in source order, one stable path per top-level
// statement:
//
//   - contiguous top-level imports collapse to a single $imports entry
//   - function, class, and variable declarations (including ones wrapped in
//     a named export) emit the first declared identifier
//   - anything else emits "$line:<1-based-line>:<trimmed-line-text>"
//
// Only top-level program statements are addressable.
func NavigationalPaths(filename, text string) ([]string, error) {
	tree, src, err := parse(filename, text)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	var paths []string
	seen := make(map[string]bool)
	importsEmitted := false

	for i := 0; i < int(root.NamedChildCount()); i++ {
		stmt := root.NamedChild(i)
		switch stmt.Type() {
		case "comment":
			continue
		case "import_statement":
			if !importsEmitted {
				paths = append(paths, models.BlockPathImports)
				importsEmitted = true
			}
		default:
			if name := declaredName(stmt, src); name != "" {
				if seen[name] {
					log.Warn().Str("file", filename).Str("name", name).Msg("Duplicate top-level declaration, keeping first")
					continue
				}
				seen[name] = true
				paths = append(paths, name)
				continue
			}
			line := int(stmt.StartPoint().Row) + 1
			paths = append(paths, linePath(line, lineText(text, line)))
		}
	}
	return paths, nil
}

// linePath builds a content-addressed fallback path.
func linePath(line int, text string) string {
	return fmt.Sprintf("%s%d:%s", models.BlockPathLinePrefix, line, strings.TrimSpace(text))
}

// lineText returns the 1-based source line, or "" when out of range.
func lineText(text string, line int) string {
	lines := strings.Split(text, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	return lines[line-1]
}

// declaredName returns the first declared identifier of a top-level
// function, class, or variable statement, unwrapping named exports.
// Empty for anything else (destructuring included).
func declaredName(stmt *sitter.Node, src []byte) string {
	switch stmt.Type() {
	case "export_statement":
		if decl := stmt.ChildByFieldName("declaration"); decl != nil {
			return declaredName(decl, src)
		}
		return ""
	case "function_declaration", "generator_function_declaration",
		"class_declaration", "abstract_class_declaration":
		if n := stmt.ChildByFieldName("name"); n != nil {
			return n.Content(src)
		}
	case "lexical_declaration", "variable_declaration":
		for i := 0; i < int(stmt.NamedChildCount()); i++ {
			c := stmt.NamedChild(i)
			if c.Type() != "variable_declarator" {
				continue
			}
			if n := c.ChildByFieldName("name"); n != nil && n.Type() == "identifier" {
				return n.Content(src)
			}
			return ""
		}
	}
	return ""
}
