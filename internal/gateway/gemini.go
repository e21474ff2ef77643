package gateway

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/lianues/buildcopy/internal/config"
	"github.com/lianues/buildcopy/pkg/models"
)

const (
	geminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	geminiHTTPTimeout = 5 * time.Minute

	// Gemini's SSE payloads can carry whole file bodies in one line.
	geminiScanBuffer    = 64 * 1024
	geminiScanBufferMax = 16 * 1024 * 1024
)

// GeminiGateway talks to the Gemini generateContent REST API. Streaming
// uses streamGenerateContent with SSE framing.
type GeminiGateway struct {
	cfg       config.GeminiParameters
	apiKey    string
	baseURL   string
	client    *http.Client
	streaming bool
}

// NewGeminiGateway creates the Gemini backend.
func NewGeminiGateway(cfg config.GeminiParameters, apiKey string, streaming bool) *GeminiGateway {
	return &GeminiGateway{
		cfg:       cfg,
		apiKey:    apiKey,
		baseURL:   geminiBaseURL,
		client:    &http.Client{Timeout: geminiHTTPTimeout},
		streaming: streaming,
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"topP,omitempty"`
	TopK        int     `json:"topK,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata *geminiUsage `json:"usageMetadata"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// buildRequest maps the uniform request onto the Gemini wire format.
// History roles translate one-to-one: user stays user, model stays model.
func (g *GeminiGateway) buildRequest(req Request) geminiRequest {
	out := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			Temperature: g.cfg.Temperature,
			TopP:        g.cfg.TopP,
			TopK:        g.cfg.TopK,
		},
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	for _, m := range req.History {
		out.Contents = append(out.Contents, geminiContent{
			Role:  string(m.Role),
			Parts: []geminiPart{{Text: m.PromptText()}},
		})
	}
	out.Contents = append(out.Contents, geminiContent{
		Role:  string(models.RoleUser),
		Parts: []geminiPart{{Text: req.UserPrompt}},
	})
	return out
}

// Send implements Gateway.
func (g *GeminiGateway) Send(ctx context.Context, req Request) <-chan Event {
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

// post issues one generateContent call.
func (g *GeminiGateway) post(ctx context.Context, req Request, method string) (*http.Response, error) {
	body, err := json.Marshal(g.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", g.baseURL, g.cfg.Model, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send gemini request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("gemini API error (model=%s, status=%d): %s",
			g.cfg.Model, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// single performs the non-streaming path: one text chunk, then usage.
func (g *GeminiGateway) single(ctx context.Context, req Request, ch chan<- Event) {
	resp, err := g.post(ctx, req, "generateContent")
	if err != nil {
		g.fail(ctx, ch, err)
		return
	}
	defer resp.Body.Close()

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		g.fail(ctx, ch, fmt.Errorf("decode gemini response: %w", err))
		return
	}
	if parsed.Error != nil {
		g.fail(ctx, ch, fmt.Errorf("gemini: %s (%s)", parsed.Error.Message, parsed.Error.Status))
		return
	}

	if text := joinParts(parsed); text != "" {
		if !emit(ctx, ch, Event{Kind: KindText, Text: text}) {
			return
		}
	}
	if parsed.UsageMetadata != nil {
		emit(ctx, ch, Event{Kind: KindUsage, Usage: usageFrom(parsed.UsageMetadata)})
	}
}

// stream performs the SSE path: "data: {json}" frames, each carrying a
// candidate delta; the final frames carry usage metadata.
func (g *GeminiGateway) stream(ctx context.Context, req Request, ch chan<- Event) {
	resp, err := g.post(ctx, req, "streamGenerateContent?alt=sse")
	if err != nil {
		g.fail(ctx, ch, err)
		return
	}
	defer resp.Body.Close()

	var usage *geminiUsage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, geminiScanBuffer), geminiScanBufferMax)

	for scanner.Scan() {
		if ctx.Err() != nil {
			// Canceled: discard in-flight chunks, emit nothing further.
			return
		}
		line := strings.TrimSpace(scanner.Text())
		payload, found := strings.CutPrefix(line, "data: ")
		if !found || payload == "" {
			continue
		}

		var parsed geminiResponse
		if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable gemini stream frame")
			continue
		}
		if parsed.Error != nil {
			g.fail(ctx, ch, fmt.Errorf("gemini: %s (%s)", parsed.Error.Message, parsed.Error.Status))
			return
		}
		if text := joinParts(parsed); text != "" {
			if !emit(ctx, ch, Event{Kind: KindText, Text: text}) {
				return
			}
		}
		if parsed.UsageMetadata != nil {
			usage = parsed.UsageMetadata
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		g.fail(ctx, ch, fmt.Errorf("read gemini stream: %w", err))
		return
	}
	if usage != nil {
		emit(ctx, ch, Event{Kind: KindUsage, Usage: usageFrom(usage)})
	}
}

// fail emits a fatal error unless the exchange was canceled; cancellation
// terminates silently.
func (g *GeminiGateway) fail(ctx context.Context, ch chan<- Event, err error) {
	if ctx.Err() != nil {
		return
	}
	emit(ctx, ch, Event{Kind: KindError, Err: err})
}

// joinParts concatenates the text parts of the first candidate.
func joinParts(r geminiResponse) string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// usageFrom converts the wire usage record.
func usageFrom(u *geminiUsage) *models.TokenUsage {
	return &models.TokenUsage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}
