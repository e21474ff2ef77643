package edit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianues/buildcopy/internal/snapshot"
	"github.com/lianues/buildcopy/internal/workspace"
	"github.com/lianues/buildcopy/pkg/models"
)

func newApplier(t *testing.T) (*Applier, string, *snapshot.Store) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, os.MkdirAll(root, 0o755))
	store := snapshot.NewStore(workspace.NewReader(root))
	return NewApplier(root, store), root, store
}

func write(t *testing.T, root, rel, text string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
}

func read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestApplyWholeFileWrite(t *testing.T) {
	applier, root, store := newApplier(t)

	res := applier.Apply([]models.FileEdit{{
		Kind:    models.EditUpdate,
		Path:    "src/new.ts",
		Content: "export const fresh = true;\n",
	}})

	assert.Equal(t, 1, res.Applied)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, "export const fresh = true;\n", read(t, root, "src/new.ts"))

	// a forced post-apply snapshot exists
	require.NotEmpty(t, res.SnapshotLabel)
	assert.True(t, strings.HasSuffix(res.SnapshotLabel, SnapshotLabelSuffix))
	labels, err := store.List()
	require.NoError(t, err)
	assert.Contains(t, labels, res.SnapshotLabel)
}

func TestApplyBlockReplaceNamedDeclaration(t *testing.T) {
	applier, root, _ := newApplier(t)
	write(t, root, "src/a.ts", "export function greet() { return \"hi\"; }\nexport const X = 1;\n")

	res := applier.Apply([]models.FileEdit{{
		Kind:      models.EditUpdate,
		Path:      "src/a.ts",
		BlockPath: "greet",
		Content:   `export function greet() { return "hello"; }`,
	}})

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, "export function greet() { return \"hello\"; }\n\nexport const X = 1;\n", read(t, root, "src/a.ts"))
	assert.NotEmpty(t, res.SnapshotLabel)
}

func TestApplyImportsReplace(t *testing.T) {
	applier, root, _ := newApplier(t)
	write(t, root, "a.ts", "import a from \"a\";\nimport b from \"b\";\nconst v = 0;\n")

	res := applier.Apply([]models.FileEdit{{
		Kind:      models.EditUpdate,
		Path:      "a.ts",
		BlockPath: models.BlockPathImports,
		Content:   `import c from "c";`,
	}})

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, "import c from \"c\";\n\nconst v = 0;\n", read(t, root, "a.ts"))
}

func TestApplyLinePathMismatchSkips(t *testing.T) {
	applier, root, store := newApplier(t)
	write(t, root, "a.ts", "console.log(\"old\");\n")

	res := applier.Apply([]models.FileEdit{{
		Kind:      models.EditUpdate,
		Path:      "a.ts",
		BlockPath: `$line:1:console.log("different")`,
		Content:   `console.log("new");`,
	}})

	assert.Equal(t, 0, res.Applied)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "a.ts", res.Skipped[0].Path)
	// file untouched, no snapshot recorded
	assert.Equal(t, "console.log(\"old\");\n", read(t, root, "a.ts"))
	labels, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestApplyDelete(t *testing.T) {
	applier, root, _ := newApplier(t)
	write(t, root, "gone.ts", "bye\n")

	res := applier.Apply([]models.FileEdit{{Kind: models.EditDelete, Path: "gone.ts"}})

	assert.Equal(t, 1, res.Applied)
	_, err := os.Stat(filepath.Join(root, "gone.ts"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyDeleteMissingFileIsNotAnError(t *testing.T) {
	applier, _, _ := newApplier(t)
	res := applier.Apply([]models.FileEdit{{Kind: models.EditDelete, Path: "never-existed.ts"}})
	assert.Equal(t, 1, res.Applied)
	assert.Empty(t, res.Skipped)
}

func TestApplyMultipleBlockEditsCompose(t *testing.T) {
	applier, root, _ := newApplier(t)
	write(t, root, "a.ts", "import a from \"a\";\nexport function greet() { return \"hi\"; }\n")

	res := applier.Apply([]models.FileEdit{
		{Kind: models.EditUpdate, Path: "a.ts", BlockPath: models.BlockPathImports, Content: `import z from "z";`},
		{Kind: models.EditUpdate, Path: "a.ts", BlockPath: "greet", Content: `export function greet() { return "yo"; }`},
	})

	assert.Equal(t, 2, res.Applied)
	got := read(t, root, "a.ts")
	assert.Contains(t, got, `import z from "z";`)
	assert.Contains(t, got, `return "yo";`)
}

func TestApplyFailureIsolation(t *testing.T) {
	applier, root, _ := newApplier(t)
	write(t, root, "ok.ts", "const ok = 1;\n")

	res := applier.Apply([]models.FileEdit{
		{Kind: models.EditUpdate, Path: "missing.ts", BlockPath: "nope", Content: "x"},
		{Kind: models.EditUpdate, Path: "ok.ts", Content: "const ok = 2;\n"},
	})

	assert.Equal(t, 1, res.Applied)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "missing.ts", res.Skipped[0].Path)
	assert.Equal(t, "const ok = 2;\n", read(t, root, "ok.ts"))
}
