package inference

import (
	"context"

	"github.com/sells-group/mail-triage/internal/resilience"
	"github.com/sells-group/mail-triage/pkg/anthropic"
)

const jsonInstruction = "Respond with a single JSON object and nothing else."

// AnthropicEndpoint serves requests through the Anthropic messages API.
type AnthropicEndpoint struct {
	client   anthropic.Client
	cacheTTL string
}

// NewAnthropicEndpoint creates an endpoint backed by client. The system
// prompt of every request is sent as a cached block with the given TTL.
func NewAnthropicEndpoint(client anthropic.Client, cacheTTL string) *AnthropicEndpoint {
	if cacheTTL == "" {
		cacheTTL = "5m"
	}
	return &AnthropicEndpoint{client: client, cacheTTL: cacheTTL}
}

func (e *AnthropicEndpoint) Generate(ctx context.Context, req Request) (*Response, error) {
	system := req.System
	if req.Format == FormatJSON {
		if system != "" {
			system += "\n\n"
		}
		system += jsonInstruction
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(system, e.cacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		if status := anthropic.APIStatus(err); resilience.IsTransientHTTPStatus(status) {
			return nil, resilience.NewTransientError(err, status)
		}
		return nil, err
	}

	return &Response{
		Text:             resp.Text(),
		Model:            resp.Model,
		InputTokens:      int(resp.Usage.InputTokens),
		OutputTokens:     int(resp.Usage.OutputTokens),
		CacheReadTokens:  int(resp.Usage.CacheReadInputTokens),
		CacheWriteTokens: int(resp.Usage.CacheCreationInputTokens),
	}, nil
}
