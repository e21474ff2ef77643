// Package turn orchestrates one user-instruction/model-response exchange:
// compose the prompt, stream the model's answer through the event sink,
// and apply proposed edits on request.
package turn

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lianues/buildcopy/internal/config"
	"github.com/lianues/buildcopy/internal/edit"
	"github.com/lianues/buildcopy/internal/events"
	"github.com/lianues/buildcopy/internal/gateway"
	"github.com/lianues/buildcopy/internal/prompt"
	"github.com/lianues/buildcopy/internal/tokens"
	"github.com/lianues/buildcopy/internal/workspace"
	"github.com/lianues/buildcopy/pkg/models"
)

// Runner drives turns for one workspace. Turns on the same workspace are
// serialized by the caller; the runner holds no cross-turn mutable state.
type Runner struct {
	cfg       *config.Config
	reader    *workspace.Reader
	composer  *prompt.Composer
	gw        gateway.Gateway
	applier   *edit.Applier
	estimator *tokens.Estimator
}

// NewRunner assembles a runner. estimator may be nil; local token
// estimates are then unavailable.
func NewRunner(cfg *config.Config, reader *workspace.Reader, composer *prompt.Composer, gw gateway.Gateway, applier *edit.Applier, estimator *tokens.Estimator) *Runner {
	return &Runner{
		cfg:       cfg,
		reader:    reader,
		composer:  composer,
		gw:        gw,
		applier:   applier,
		estimator: estimator,
	}
}

// Result is the outcome of one streamed turn.
type Result struct {
	// ResponseText is the accumulated model output.
	ResponseText string
	// FullPrompt is the composed user prompt, preserved on the user
	// message so later turns can be optimized against it.
	FullPrompt string
}

// Run executes one turn. Events are delivered in order: filesIncluded
// first, then zero or more chunks in model order, then at most one usage,
// then the done terminator. On cancellation the stream ends silently with
// no usage and no terminator.
func (r *Runner) Run(ctx context.Context, history []models.Message, userText string, sink events.Sink) (Result, error) {
	if r.gw == nil {
		err := errors.New("model gateway is not configured; set the provider API key")
		sink.Emit(events.Event{Kind: events.KindError, Error: err.Error()})
		return Result{}, err
	}
	digest := r.reader.Read()

	history = windowHistory(history, r.cfg.MaxContextHistoryTurns)
	if r.cfg.OptimizeCodeContext {
		history = prompt.Optimize(history, digest, r.cfg.CodeChangeStrategy)
	}

	userPrompt := r.composer.Compose(digest, userText)
	sink.Emit(events.Event{
		Kind:   events.KindFilesIncluded,
		Files:  digest.IncludedFiles,
		Prompt: userPrompt,
	})

	req := gateway.Request{
		SystemPrompt: r.composer.SystemPrompt(),
		History:      history,
		UserPrompt:   userPrompt,
	}

	var b strings.Builder
	var usage *models.TokenUsage
	for ev := range r.gw.Send(ctx, req) {
		switch ev.Kind {
		case gateway.KindText:
			b.WriteString(ev.Text)
			sink.Emit(events.Event{Kind: events.KindChunk, Chunk: ev.Text})
		case gateway.KindUsage:
			usage = ev.Usage
		case gateway.KindError:
			sink.Emit(events.Event{Kind: events.KindError, Error: ev.Err.Error()})
			return Result{}, ev.Err
		}
	}
	if ctx.Err() != nil {
		// Canceled: no usage, no terminator, clean end.
		return Result{}, ctx.Err()
	}

	if r.cfg.DisplayTokens.Enabled {
		if usage == nil && r.estimator != nil {
			est := r.estimator.Estimate(req.SystemPrompt+userPrompt, b.String())
			usage = &est
		}
		if usage != nil {
			filtered := usage.Filtered(r.cfg.DisplayTokens.DisplayTypes)
			sink.Emit(events.Event{
				Kind:         events.KindUsage,
				Usage:        &filtered,
				DisplayKinds: r.cfg.DisplayTokens.DisplayTypes,
			})
		}
	}

	sink.Emit(events.Event{Kind: events.KindDone})
	return Result{ResponseText: b.String(), FullPrompt: userPrompt}, nil
}

// ApplyChanges parses the edit envelope in responseText and applies it.
// An envelope parse failure aborts before any file is touched; per-edit
// failures are isolated inside the applier. A successful batch records a
// snapshot and reports it through the sink.
func (r *Runner) ApplyChanges(responseText, messageID string, sink events.Sink) (edit.Result, error) {
	edits, err := edit.Parse(responseText)
	if err != nil {
		sink.Emit(events.Event{Kind: events.KindError, Error: err.Error()})
		return edit.Result{}, err
	}
	if len(edits) == 0 {
		log.Info().Msg("Empty changes envelope, nothing to apply")
		return edit.Result{}, nil
	}

	res := r.applier.Apply(edits)
	if res.SnapshotLabel != "" {
		sink.Emit(events.Event{
			Kind:          events.KindSnapshotCreated,
			SnapshotLabel: res.SnapshotLabel,
			MessageID:     messageID,
		})
	}
	return res, nil
}

// windowHistory keeps the suffix of messages starting at the Nth-from-last
// user message. -1 keeps everything, 0 drops all history.
func windowHistory(messages []models.Message, maxUserTurns int) []models.Message {
	switch {
	case maxUserTurns < 0:
		return messages
	case maxUserTurns == 0:
		return nil
	}
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			seen++
			if seen == maxUserTurns {
				return messages[i:]
			}
		}
	}
	return messages
}
