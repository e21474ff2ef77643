// Package events defines the typed progress stream a caller consumes to
// drive its UI. Delivery is in order within a turn; a usage event is
// emitted at most once and never reordered against text chunks.
package events

import (
	"github.com/lianues/buildcopy/pkg/models"
)

// Kind discriminates turn events.
type Kind string

const (
	// KindFilesIncluded reports which files were embedded in the prompt.
	KindFilesIncluded Kind = "filesIncluded"
	// KindChunk carries a contiguous substring of model output, in order.
	KindChunk Kind = "chunk"
	// KindUsage carries terminal token accounting, at most once per turn.
	KindUsage Kind = "usage"
	// KindSnapshotCreated reports a snapshot recorded after an apply.
	KindSnapshotCreated Kind = "snapshotCreated"
	// KindError is fatal and ends the turn.
	KindError Kind = "error"
	// KindDone terminates the sequence.
	KindDone Kind = "done"
)

// Event is one entry in the turn stream. Only the fields for its Kind are
// populated.
type Event struct {
	Kind Kind `json:"kind"`

	// KindFilesIncluded
	Files  []string `json:"files,omitempty"`
	Prompt string   `json:"prompt,omitempty"`

	// KindChunk
	Chunk string `json:"chunk,omitempty"`

	// KindUsage
	Usage        *models.TokenUsage `json:"usage,omitempty"`
	DisplayKinds []string           `json:"displayKinds,omitempty"`

	// KindSnapshotCreated
	SnapshotLabel string `json:"snapshotLabel,omitempty"`
	MessageID     string `json:"messageId,omitempty"`

	// KindError
	Error string `json:"error,omitempty"`
}

// Sink receives turn events. Implementations must preserve emission order.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(e Event) { f(e) }

// Collector is a Sink that records every event, for tests and buffered
// consumers.
type Collector struct {
	Events []Event
}

// Emit appends the event.
func (c *Collector) Emit(e Event) {
	c.Events = append(c.Events, e)
}
