package gateway

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lianues/buildcopy/internal/config"
	"github.com/lianues/buildcopy/pkg/models"
)

// OpenAIGateway talks to an OpenAI-compatible chat completions endpoint
// through the official SDK. A custom baseURL supports proxies and
// compatible servers.
type OpenAIGateway struct {
	cfg       config.OpenAIParameters
	client    openai.Client
	streaming bool
}

// NewOpenAIGateway creates the OpenAI backend.
func NewOpenAIGateway(cfg config.OpenAIParameters, apiKey string, streaming bool) *OpenAIGateway {
	return &OpenAIGateway{
		cfg: cfg,
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(cfg.BaseURL),
		),
		streaming: streaming,
	}
}

// buildParams maps the uniform request onto chat-completions parameters.
// The user role stays user; the model role becomes assistant.
func (g *OpenAIGateway) buildParams(req Request) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.History {
		if m.Role == models.RoleModel {
			msgs = append(msgs, openai.AssistantMessage(m.PromptText()))
			continue
		}
		msgs = append(msgs, openai.UserMessage(m.PromptText()))
	}
	msgs = append(msgs, openai.UserMessage(req.UserPrompt))

	return openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(g.cfg.Model),
		Messages:    msgs,
		Temperature: openai.Float(g.cfg.Temperature),
		TopP:        openai.Float(g.cfg.TopP),
	}
}

// Send implements Gateway.
func (g *OpenAIGateway) Send(ctx context.Context, req Request) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		if g.streaming {
			g.stream(ctx, req, ch)
			return
		}
		g.single(ctx, req, ch)
	}()
	return ch
}

// single performs the non-streaming path: one text chunk, then usage.
func (g *OpenAIGateway) single(ctx context.Context, req Request, ch chan<- Event) {
	completion, err := g.client.Chat.Completions.New(ctx, g.buildParams(req))
	if err != nil {
		g.fail(ctx, ch, err)
		return
	}
	if len(completion.Choices) > 0 {
		if !emit(ctx, ch, Event{Kind: KindText, Text: completion.Choices[0].Message.Content}) {
			return
		}
	}
	emit(ctx, ch, Event{Kind: KindUsage, Usage: &models.TokenUsage{
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:      int(completion.Usage.TotalTokens),
	}})
}

// stream performs the streaming path. The final frame carries usage when
// include_usage is requested.
func (g *OpenAIGateway) stream(ctx context.Context, req Request, ch chan<- Event) {
	params := g.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var usage *models.TokenUsage
	for stream.Next() {
		if ctx.Err() != nil {
			// Canceled: discard in-flight chunks, emit nothing further.
			return
		}
		chunk := stream.Current()
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if !emit(ctx, ch, Event{Kind: KindText, Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = &models.TokenUsage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}
	}
	if err := stream.Err(); err != nil {
		g.fail(ctx, ch, err)
		return
	}
	if usage != nil {
		emit(ctx, ch, Event{Kind: KindUsage, Usage: usage})
	}
}

// fail emits a fatal error unless the exchange was canceled.
func (g *OpenAIGateway) fail(ctx context.Context, ch chan<- Event, err error) {
	if ctx.Err() != nil {
		return
	}
	emit(ctx, ch, Event{Kind: KindError, Err: err})
}
