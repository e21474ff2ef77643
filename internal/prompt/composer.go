// Package prompt assembles the single prompt string sent to the model
// gateway and rewrites prior turns whose embedded file snapshots still
// match the live workspace.
package prompt

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lianues/buildcopy/internal/config"
	"github.com/lianues/buildcopy/internal/index"
	"github.com/lianues/buildcopy/internal/workspace"
	"github.com/lianues/buildcopy/pkg/models"
)

// UserInstructionHeader separates the workspace digest from the user's
// instruction inside the composed prompt.
const UserInstructionHeader = "---User Instruction---"

// blockPathsPrefix introduces the advertised block paths for one file.
const blockPathsPrefix = "--- AVAILABLE CODE BLOCK PATHS for "

// Built-in system prompts, used when no prompt file is configured.
const (
	defaultFullPrompt = `You are an expert web developer working inside a managed project workspace.
The user shows you every file in the app and asks for a change. Reply with an
explanation, then emit the complete set of file changes inside a <changes>
element. Each <change type="update"> carries <file>, optional <description>,
and the FULL new file body inside <content><![CDATA[...]]></content>.
Use <change type="delete"> with only <file> to remove a file. Always return
whole files; never elide content.`

	defaultBlockPrompt = `You are an expert web developer working inside a managed project workspace.
The user shows you every file in the app together with the AVAILABLE CODE
BLOCK PATHS for each file. Reply with an explanation, then emit edits inside
a <changes> element as <file_update> records: <file>, optional <description>,
and <operations> holding one <block> per rewritten region. Each <block>
carries <path><![CDATA[...]]></path> naming one advertised block path and
<content><![CDATA[...]]></content> with only that block's new text. Use the
$fullfile path to replace a whole file.`
)

// Composer builds prompts for the configured provider and strategy.
type Composer struct {
	cfg *config.Config
	// baseDir resolves relative system-prompt paths; the project directory
	// holding the settings document.
	baseDir string
}

// NewComposer creates a composer.
func NewComposer(cfg *config.Config, baseDir string) *Composer {
	return &Composer{cfg: cfg, baseDir: baseDir}
}

// SystemPrompt loads the configured system prompt for the active
// (provider, strategy) pair, falling back to the built-in default.
func (c *Composer) SystemPrompt() string {
	path := c.cfg.PromptPath()
	if path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data)
		}
		log.Warn().Err(err).Str("path", path).Msg("Cannot read system prompt, using built-in")
	}
	if c.cfg.CodeChangeStrategy == config.StrategyBlock {
		return defaultBlockPrompt
	}
	return defaultFullPrompt
}

// Compose combines the workspace digest, the advertised block paths (block
// strategy only), and the user instruction into the prompt body. The result
// is what the history optimizer later treats as a user message with
// embedded files.
func (c *Composer) Compose(digest *workspace.Digest, userText string) string {
	var b strings.Builder
	b.WriteString(digest.Summary())

	if c.cfg.CodeChangeStrategy == config.StrategyBlock {
		paths := BlockPaths(digest)
		for _, f := range digest.Files {
			b.WriteString("\n\n")
			b.WriteString(BlockPathSection(f.Path, paths[f.Path]))
		}
	}

	b.WriteString("\n\n")
	b.WriteString(UserInstructionHeader)
	b.WriteString("\n")
	b.WriteString(userText)
	return b.String()
}

// BlockPaths computes the navigational paths for every file in the digest.
// Unparseable and non-source files degrade to the single $fullfile path.
func BlockPaths(digest *workspace.Digest) map[string][]string {
	out := make(map[string][]string, len(digest.Files))
	for _, f := range digest.Files {
		out[f.Path] = pathsForFile(f.Path, f.Text)
	}
	return out
}

// pathsForFile returns the advertised paths for one file.
func pathsForFile(path, text string) []string {
	if !index.Parsable(path) {
		return []string{models.BlockPathFullFile}
	}
	paths, err := index.NavigationalPaths(path, text)
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Source parse failed, degrading to $fullfile")
		return []string{models.BlockPathFullFile}
	}
	if len(paths) == 0 {
		return []string{models.BlockPathFullFile}
	}
	return paths
}

// BlockPathSection renders the advertised paths block for one file.
func BlockPathSection(path string, paths []string) string {
	return blockPathsPrefix + path + " ---\n" + strings.Join(paths, "\n")
}
