package tier

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/cost"
	"github.com/sells-group/extract-cli/internal/resilience"
	"github.com/sells-group/extract-cli/pkg/anthropic"
)

// DefaultMaxTokens caps the answer length of hosted calls.
const DefaultMaxTokens = 1024

// ClaudeInferer answers through the Anthropic Messages API.
type ClaudeInferer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	calc      *cost.Calculator
}

// NewClaudeInferer creates an Inferer for one Claude model. calc may be nil,
// in which case the table price applies.
func NewClaudeInferer(client anthropic.Client, model string, maxTokens int64, calc *cost.Calculator) *ClaudeInferer {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &ClaudeInferer{client: client, model: model, maxTokens: maxTokens, calc: calc}
}

func (c *ClaudeInferer) Infer(ctx context.Context, req InferRequest) (*InferResponse, error) {
	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(SystemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: BuildPrompt(req)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}

	out := &InferResponse{}
	if c.calc != nil {
		out.CostUSD = c.calc.Claude(c.model, cost.Usage{
			InputTokens:      int(resp.Usage.InputTokens),
			OutputTokens:     int(resp.Usage.OutputTokens),
			CacheWriteTokens: int(resp.Usage.CacheCreationInputTokens),
			CacheReadTokens:  int(resp.Usage.CacheReadInputTokens),
		})
	}
	zap.L().Debug("tier: claude usage",
		zap.String("model", c.model),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Int64("cache_read_tokens", resp.Usage.CacheReadInputTokens),
		zap.Float64("cost_usd", out.CostUSD),
	)

	values, err := ParseAnswer(resp.Text(), req.Fields)
	if err != nil {
		return out, err
	}
	out.Values = values
	return out, nil
}

// classifyAPIError marks retryable API statuses as transient.
func classifyAPIError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return resilience.NewTransientError(err, apiErr.StatusCode)
	}
	return eris.Wrap(err, "tier: claude")
}
