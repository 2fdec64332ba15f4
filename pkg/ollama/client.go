// Package ollama wraps a locally hosted Ollama model through langchaingo for
// the local inference tier.
package ollama

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tmc/langchaingo/llms"
	lcollama "github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
)

// Client generates a completion for a system instruction and a user prompt.
type Client interface {
	Generate(ctx context.Context, system, prompt string) (*Response, error)
}

// Response is a completion with its token counts.
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

type llmClient struct {
	llm   llms.Model
	model string
}

// NewClient creates a client for model served at serverURL. The server's
// JSON mode is not exposed by this langchaingo release; callers parse the
// first JSON object out of the completion.
func NewClient(serverURL, model string) (Client, error) {
	if model == "" {
		return nil, eris.New("ollama: model is required")
	}
	opts := []lcollama.Option{
		lcollama.WithModel(model),
	}
	if serverURL != "" {
		opts = append(opts, lcollama.WithServerURL(serverURL))
	}
	llm, err := lcollama.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "ollama: create client")
	}
	return &llmClient{llm: llm, model: model}, nil
}

// NewClientFromModel wraps an existing langchaingo model.
func NewClientFromModel(llm llms.Model, model string) Client {
	return &llmClient{llm: llm, model: model}
}

func (c *llmClient) Generate(ctx context.Context, system, prompt string) (*Response, error) {
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}
	resp, err := c.llm.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		return nil, eris.Wrap(err, "ollama: generate")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("ollama: empty response")
	}

	choice := resp.Choices[0]
	return &Response{
		Text:             choice.Content,
		Model:            c.model,
		PromptTokens:     intInfo(choice.GenerationInfo, "PromptTokens"),
		CompletionTokens: intInfo(choice.GenerationInfo, "CompletionTokens"),
	}, nil
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
