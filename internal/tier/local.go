package tier

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-cli/pkg/ollama"
)

// LocalInferer answers through a locally hosted model. Local calls report
// no cost of their own.
type LocalInferer struct {
	client ollama.Client
}

// NewLocalInferer creates an Inferer over an Ollama client.
func NewLocalInferer(client ollama.Client) *LocalInferer {
	return &LocalInferer{client: client}
}

func (l *LocalInferer) Infer(ctx context.Context, req InferRequest) (*InferResponse, error) {
	resp, err := l.client.Generate(ctx, SystemPrompt, BuildPrompt(req))
	if err != nil {
		return nil, eris.Wrap(err, "tier: local")
	}
	values, err := ParseAnswer(resp.Text, req.Fields)
	if err != nil {
		return nil, err
	}
	return &InferResponse{Values: values}, nil
}
