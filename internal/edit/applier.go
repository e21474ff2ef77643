package edit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lianues/buildcopy/internal/index"
	"github.com/lianues/buildcopy/internal/snapshot"
	"github.com/lianues/buildcopy/pkg/models"
)

// SnapshotLabelSuffix tags post-apply snapshots.
const SnapshotLabelSuffix = "_ai_change"

// Result reports the outcome of one apply batch.
type Result struct {
	// Applied counts edits that took effect.
	Applied int `json:"applied"`
	// Skipped lists edits that were rejected or failed, with reasons.
	Skipped []SkippedEdit `json:"skipped,omitempty"`
	// SnapshotLabel names the post-apply snapshot, when one was recorded.
	SnapshotLabel string `json:"snapshotLabel,omitempty"`
}

// SkippedEdit describes one edit that did not take effect.
type SkippedEdit struct {
	Path   string `json:"path"`
	Block  string `json:"block,omitempty"`
	Reason string `json:"reason"`
}

// Applier executes parsed edits against the workspace root and records a
// post-apply snapshot.
type Applier struct {
	root      string
	snapshots *snapshot.Store
}

// NewApplier creates an applier for the workspace root.
func NewApplier(root string, snapshots *snapshot.Store) *Applier {
	return &Applier{root: root, snapshots: snapshots}
}

// Apply executes edits in the given order. Per-file failures are logged and
// skipped; sibling edits proceed so partial progress is preserved. After
// the batch, if at least one edit succeeded, a forced snapshot labeled
// "<iso-timestamp>_ai_change" is recorded (the user explicitly applied).
//
// The batch is not cancellable once begun; it runs to completion and then
// reports.
func (a *Applier) Apply(edits []models.FileEdit) Result {
	var res Result
	// File text is cached within the batch so multiple block edits on one
	// file compose.
	cache := make(map[string]string)

	for _, e := range edits {
		if err := a.applyOne(e, cache); err != nil {
			log.Warn().Err(err).Str("path", e.Path).Str("block", e.BlockPath).Msg("Edit skipped")
			res.Skipped = append(res.Skipped, SkippedEdit{Path: e.Path, Block: e.BlockPath, Reason: err.Error()})
			continue
		}
		res.Applied++
	}

	if res.Applied > 0 {
		label := time.Now().UTC().Format("20060102T150405Z") + SnapshotLabelSuffix
		created, err := a.snapshots.Create(label, true)
		if err != nil {
			// Snapshot failures do not undo the apply; it reports its own
			// success independently.
			log.Error().Err(err).Str("label", label).Msg("Post-apply snapshot failed")
		} else if created.Created {
			res.SnapshotLabel = created.Label
		}
	}
	return res
}

// applyOne executes a single edit.
func (a *Applier) applyOne(e models.FileEdit, cache map[string]string) error {
	if err := models.ValidateEditPath(e.Path); err != nil {
		return err
	}
	target := filepath.Join(a.root, filepath.FromSlash(e.Path))

	switch {
	case e.Kind == models.EditDelete:
		if err := os.Remove(target); err != nil {
			if os.IsNotExist(err) {
				log.Info().Str("path", e.Path).Msg("Delete target already absent")
				delete(cache, e.Path)
				return nil
			}
			return fmt.Errorf("delete: %w", err)
		}
		delete(cache, e.Path)
		return nil

	case e.IsWholeFile():
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent dirs: %w", err)
		}
		if err := os.WriteFile(target, []byte(e.Content), 0o644); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		cache[e.Path] = e.Content
		return nil

	default:
		text, ok := cache[e.Path]
		if !ok {
			data, err := os.ReadFile(target)
			if err != nil {
				return fmt.Errorf("read for block edit: %w", err)
			}
			text = string(data)
		}
		updated, err := index.ReplaceBlock(e.Path, text, e.BlockPath, e.Content)
		if err != nil {
			return fmt.Errorf("block %s: %w", e.BlockPath, err)
		}
		if err := os.WriteFile(target, []byte(updated), 0o644); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		cache[e.Path] = updated
		return nil
	}
}
