package index

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianues/buildcopy/pkg/models"
)

func TestNavigationalPathsBasics(t *testing.T) {
	src := `import a from "a";
import b from "b";

export function greet() { return "hi"; }

export const X = 1;

class Widget {}

console.log("side effect");
`
	paths, err := NavigationalPaths("src/a.ts", src)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"$imports",
		"greet",
		"X",
		"Widget",
		`$line:10:console.log("side effect");`,
	}, paths)
}

func TestNavigationalPathsDuplicateKeepsFirst(t *testing.T) {
	src := `function f() { return 1; }
function f() { return 2; }
`
	paths, err := NavigationalPaths("dup.js", src)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, paths)
}

func TestNavigationalPathsDestructuringFallsBackToLine(t *testing.T) {
	src := `const { a, b } = load();
`
	paths, err := NavigationalPaths("d.ts", src)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "$line:1:const { a, b } = load();", paths[0])
}

func TestNavigationalPathsParseError(t *testing.T) {
	_, err := NavigationalPaths("broken.ts", "function ((( {")
	var perr *ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestNavigationalPathsJSX(t *testing.T) {
	src := `import React from "react";

export function App() {
  return <div className="app">hello</div>;
}
`
	paths, err := NavigationalPaths("App.tsx", src)
	require.NoError(t, err)
	assert.Equal(t, []string{"$imports", "App"}, paths)
}

func TestParsable(t *testing.T) {
	assert.True(t, Parsable("src/a.ts"))
	assert.True(t, Parsable("src/a.tsx"))
	assert.True(t, Parsable("lib/b.js"))
	assert.False(t, Parsable("index.html"))
	assert.False(t, Parsable("style.css"))
}

func TestReplaceBlockNamedDeclaration(t *testing.T) {
	src := `export function greet() { return "hi"; }
export const X = 1;
`
	out, err := ReplaceBlock("a.ts", src, "greet", `export function greet() { return "hello"; }`)
	require.NoError(t, err)
	assert.Equal(t, `export function greet() { return "hello"; }

export const X = 1;
`, out)
}

func TestReplaceBlockImports(t *testing.T) {
	src := `import a from "a";
import b from "b";
const v = 0;
`
	out, err := ReplaceBlock("a.ts", src, models.BlockPathImports, `import c from "c";`)
	require.NoError(t, err)
	assert.Equal(t, `import c from "c";

const v = 0;
`, out)
}

func TestReplaceBlockLinePathMismatchRejected(t *testing.T) {
	src := `console.log("old");
`
	_, err := ReplaceBlock("a.ts", src, `$line:1:console.log("different")`, `console.log("new");`)
	assert.ErrorIs(t, err, ErrBlockMismatch)
}

func TestReplaceBlockLinePathMatch(t *testing.T) {
	src := `console.log("old");
const v = 1;
`
	out, err := ReplaceBlock("a.ts", src, `$line:1:console.log("old");`, `console.log("new");`)
	require.NoError(t, err)
	assert.Equal(t, `console.log("new");

const v = 1;
`, out)
}

func TestReplaceBlockUnknownName(t *testing.T) {
	_, err := ReplaceBlock("a.ts", "const v = 1;\n", "missing", "const w = 2;")
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestReplaceBlockTakesLeadingComment(t *testing.T) {
	src := `// greets the user
// politely
export function greet() { return "hi"; }

export const X = 1;
`
	out, err := ReplaceBlock("a.ts", src, "greet", `export function greet() { return "hey"; }`)
	require.NoError(t, err)
	assert.False(t, strings.Contains(out, "politely"))
	assert.Contains(t, out, `export function greet() { return "hey"; }`)
	assert.Contains(t, out, "export const X = 1;")
}

func TestReplaceBlockDetachedCommentStays(t *testing.T) {
	src := `// file header, unrelated

export function greet() { return "hi"; }
`
	out, err := ReplaceBlock("a.ts", src, "greet", `export function greet() { return "hey"; }`)
	require.NoError(t, err)
	assert.Contains(t, out, "// file header, unrelated")
}

func TestReplaceBlockRejectsFullFileSentinel(t *testing.T) {
	_, err := ReplaceBlock("a.ts", "const v = 1;\n", models.BlockPathFullFile, "x")
	assert.Error(t, err)
}

// Round trip: replacing every advertised path with its own source leaves the
// file unchanged modulo the trim-and-rejoin whitespace policy.
func TestReplaceBlockRoundTrip(t *testing.T) {
	src := `import a from "a";

export function greet() { return "hi"; }

const X = 1;
`
	paths, err := NavigationalPaths("a.ts", src)
	require.NoError(t, err)
	require.Equal(t, []string{"$imports", "greet", "X"}, paths)

	originals := map[string]string{
		"$imports": `import a from "a";`,
		"greet":    `export function greet() { return "hi"; }`,
		"X":        `const X = 1;`,
	}
	for p, original := range originals {
		out, err := ReplaceBlock("a.ts", src, p, original)
		require.NoError(t, err, "path %s", p)
		assert.Equal(t, src, out, "path %s", p)
	}
}
