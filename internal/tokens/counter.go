// Package tokens provides local token-count estimates for prompts when a
// backend does not report usage of its own.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"github.com/lianues/buildcopy/pkg/models"
)

// Estimator counts tokens with a local BPE codec. Counts are estimates;
// backend-reported usage always wins when available.
type Estimator struct {
	codec tokenizer.Codec
}

// NewEstimator loads the cl100k codec.
func NewEstimator() (*Estimator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Estimator{codec: codec}, nil
}

// Count returns the token count of text. Falls back to a bytes/4 heuristic
// if encoding fails.
func (e *Estimator) Count(text string) int {
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

// Estimate builds a usage record from prompt and completion text.
func (e *Estimator) Estimate(prompt, completion string) models.TokenUsage {
	p := e.Count(prompt)
	c := e.Count(completion)
	return models.TokenUsage{
		PromptTokens:     p,
		CompletionTokens: c,
		TotalTokens:      p + c,
		Estimated:        true,
	}
}
