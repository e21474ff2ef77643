// Package gateway abstracts the model backends behind a uniform streaming
// contract: an ordered sequence of text chunks, then at most one usage
// record, then the end of the stream. Cancellation aborts the underlying
// HTTP exchange and terminates the sequence with no further events.
package gateway

import (
	"context"
	"fmt"

	"github.com/lianues/buildcopy/internal/config"
	"github.com/lianues/buildcopy/pkg/models"
)

// EventKind discriminates gateway events.
type EventKind string

const (
	// KindText carries a contiguous substring of the model's output.
	KindText EventKind = "text"
	// KindUsage carries terminal token accounting, after all text.
	KindUsage EventKind = "usage"
	// KindError is fatal and ends the sequence.
	KindError EventKind = "error"
)

// Event is one entry in the gateway sequence.
type Event struct {
	Kind  EventKind
	Text  string
	Usage *models.TokenUsage
	Err   error
}

// Request is one model exchange. History is mapped verbatim onto backend
// roles; the system prompt travels out-of-band.
type Request struct {
	SystemPrompt string
	History      []models.Message
	UserPrompt   string
}

// Gateway is the uniform backend contract. The returned channel is closed
// when the sequence ends; all text events precede the usage event.
type Gateway interface {
	Send(ctx context.Context, req Request) <-chan Event
}

// New selects the backend configured by apiProvider. Credentials come from
// the process environment only.
func New(cfg *config.Config) (Gateway, error) {
	switch cfg.APIProvider {
	case config.ProviderOpenAI:
		key := config.OpenAIAPIKey()
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return NewOpenAIGateway(cfg.OpenAIParameters, key, cfg.EnableStreaming), nil
	case config.ProviderGemini:
		key := config.GeminiAPIKey()
		if key == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set")
		}
		return NewGeminiGateway(cfg.ModelParameters, key, cfg.EnableStreaming), nil
	default:
		return nil, fmt.Errorf("unknown api provider %q", cfg.APIProvider)
	}
}

// emit delivers an event unless the context is already canceled. It
// reports whether the caller should continue.
func emit(ctx context.Context, ch chan<- Event, e Event) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- e:
		return true
	}
}
