package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lianues/buildcopy/internal/config"
	"github.com/lianues/buildcopy/internal/workspace"
	"github.com/lianues/buildcopy/pkg/models"
)

// userMsg builds a user message whose FullText embeds the digest the way
// the composer does.
func userMsg(t *testing.T, cfg *config.Config, d *workspace.Digest, instruction string) models.Message {
	t.Helper()
	full := NewComposer(cfg, t.TempDir()).Compose(d, instruction)
	return models.Message{ID: "u", Role: models.RoleUser, Text: instruction, FullText: full}
}

func TestOptimizeReplacesMatchingFileBodies(t *testing.T) {
	cfg := config.Default()
	live := digestOf(workspace.File{Path: "a.ts", Text: "const a = 1;\n"})

	msgs := []models.Message{userMsg(t, cfg, live, "do something")}
	out := Optimize(msgs, live, cfg.CodeChangeStrategy)

	require.Len(t, out, 1)
	assert.Contains(t, out[0].FullText, FilePlaceholder)
	assert.NotContains(t, out[0].FullText, "const a = 1;")
	// instruction survives
	assert.Contains(t, out[0].FullText, "do something")
}

func TestOptimizeStopsAtFirstDrift(t *testing.T) {
	cfg := config.Default()
	old := digestOf(workspace.File{Path: "a.ts", Text: "const a = 0;\n"})
	live := digestOf(workspace.File{Path: "a.ts", Text: "const a = 1;\n"})

	msgs := []models.Message{
		userMsg(t, cfg, old, "oldest"),
		userMsg(t, cfg, live, "middle"),
		userMsg(t, cfg, live, "newest"),
	}
	out := Optimize(msgs, live, cfg.CodeChangeStrategy)

	assert.Contains(t, out[2].FullText, FilePlaceholder)
	assert.Contains(t, out[1].FullText, FilePlaceholder)
	// drifted turn and everything before it stay verbatim
	assert.Equal(t, msgs[0].FullText, out[0].FullText)
	assert.Contains(t, out[0].FullText, "const a = 0;")
}

func TestOptimizeDriftShieldsEarlierMatches(t *testing.T) {
	cfg := config.Default()
	live := digestOf(workspace.File{Path: "a.ts", Text: "const a = 1;\n"})
	drifted := digestOf(workspace.File{Path: "a.ts", Text: "const a = 9;\n"})

	// A matching turn sits behind a drifted one; it must not be rewritten.
	msgs := []models.Message{
		userMsg(t, cfg, live, "older match"),
		userMsg(t, cfg, drifted, "drifted"),
		userMsg(t, cfg, live, "newest"),
	}
	out := Optimize(msgs, live, cfg.CodeChangeStrategy)

	assert.Contains(t, out[2].FullText, FilePlaceholder)
	assert.Equal(t, msgs[1].FullText, out[1].FullText)
	assert.Equal(t, msgs[0].FullText, out[0].FullText)
}

func TestOptimizeIsIdempotent(t *testing.T) {
	cfg := config.Default()
	live := digestOf(workspace.File{Path: "a.ts", Text: "const a = 1;\n"})

	msgs := []models.Message{
		userMsg(t, cfg, live, "first"),
		{ID: "m", Role: models.RoleModel, Text: "done: <changes><change type=\"update\"><file>a.ts</file><content><![CDATA[const a = 1;\n]]></content></change></changes>"},
		userMsg(t, cfg, live, "second"),
	}

	once := Optimize(msgs, live, cfg.CodeChangeStrategy)
	twice := Optimize(once, live, cfg.CodeChangeStrategy)
	assert.Equal(t, once, twice)
}

func TestOptimizeModelEnvelopeCollapse(t *testing.T) {
	cfg := config.Default()
	live := digestOf(workspace.File{Path: "a.ts", Text: "const a = 1;\n"})

	msg := models.Message{
		Role: models.RoleModel,
		Text: "Sure, applied.\n<changes><change type=\"update\"><file>a.ts</file><content><![CDATA[const a = 1;\n]]></content></change></changes>\nDone.",
	}
	out := Optimize([]models.Message{msg}, live, cfg.CodeChangeStrategy)

	assert.Contains(t, out[0].Text, ChangesPlaceholder)
	assert.NotContains(t, out[0].Text, "const a = 1;")
	assert.True(t, strings.HasPrefix(out[0].Text, "Sure, applied.\n"))
	assert.True(t, strings.HasSuffix(out[0].Text, "\nDone."))
}

func TestOptimizeModelEnvelopeDriftStops(t *testing.T) {
	cfg := config.Default()
	live := digestOf(workspace.File{Path: "a.ts", Text: "const a = 2;\n"})

	msg := models.Message{
		Role: models.RoleModel,
		Text: "<changes><change type=\"update\"><file>a.ts</file><content><![CDATA[const a = 1;\n]]></content></change></changes>",
	}
	out := Optimize([]models.Message{msg}, live, cfg.CodeChangeStrategy)
	assert.Equal(t, msg.Text, out[0].Text)
}

func TestOptimizeModelMessageWithoutEnvelopePassesThrough(t *testing.T) {
	cfg := config.Default()
	live := digestOf(workspace.File{Path: "a.ts", Text: "const a = 1;\n"})

	msgs := []models.Message{
		userMsg(t, cfg, live, "older"),
		{Role: models.RoleModel, Text: "Here is my plan, no edits yet."},
	}
	out := Optimize(msgs, live, cfg.CodeChangeStrategy)

	assert.Equal(t, msgs[1].Text, out[1].Text)
	// the walk continued past it
	assert.Contains(t, out[0].FullText, FilePlaceholder)
}

func TestOptimizeBlockStrategyComparesPaths(t *testing.T) {
	cfg := config.Default()
	cfg.CodeChangeStrategy = config.StrategyBlock
	live := digestOf(workspace.File{Path: "a.ts", Text: "export function greet() {}\n"})

	msgs := []models.Message{userMsg(t, cfg, live, "tweak greet")}
	out := Optimize(msgs, live, cfg.CodeChangeStrategy)

	assert.Contains(t, out[0].FullText, FilePlaceholder)
	assert.Contains(t, out[0].FullText, PathsPlaceholder)
}

func TestOptimizeBlockStrategyPathDriftStops(t *testing.T) {
	cfg := config.Default()
	cfg.CodeChangeStrategy = config.StrategyBlock
	old := digestOf(workspace.File{Path: "a.ts", Text: "export function greet() {}\n"})
	// same byte length trick is not needed; only the outline changed name
	live := digestOf(workspace.File{Path: "a.ts", Text: "export function howdy() {}\n"})

	msgs := []models.Message{userMsg(t, cfg, old, "tweak")}
	out := Optimize(msgs, live, cfg.CodeChangeStrategy)

	assert.Equal(t, msgs[0].FullText, out[0].FullText)
}

func TestOptimizeFileSetMismatchStops(t *testing.T) {
	cfg := config.Default()
	old := digestOf(
		workspace.File{Path: "a.ts", Text: "const a = 1;\n"},
		workspace.File{Path: "b.ts", Text: "const b = 2;\n"},
	)
	live := digestOf(workspace.File{Path: "a.ts", Text: "const a = 1;\n"})

	msgs := []models.Message{userMsg(t, cfg, old, "touch b")}
	out := Optimize(msgs, live, cfg.CodeChangeStrategy)
	assert.Equal(t, msgs[0].FullText, out[0].FullText)
}
