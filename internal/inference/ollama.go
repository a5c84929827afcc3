package inference

import (
	"context"
	"errors"

	"github.com/sells-group/mail-triage/internal/resilience"
	"github.com/sells-group/mail-triage/pkg/ollama"
)

// OllamaEndpoint serves requests through an Ollama server.
type OllamaEndpoint struct {
	client ollama.Client
}

// NewOllamaEndpoint creates an endpoint backed by client.
func NewOllamaEndpoint(client ollama.Client) *OllamaEndpoint {
	return &OllamaEndpoint{client: client}
}

func (e *OllamaEndpoint) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := e.client.Generate(ctx, ollama.GenerateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Format: req.Format,
		Options: &ollama.Options{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	})
	if err != nil {
		var se *ollama.StatusError
		if errors.As(err, &se) && (resilience.IsTransientHTTPStatus(se.Code) || se.Code == 404) {
			// 404 is an unknown or not yet pulled model.
			return nil, resilience.NewTransientError(err, se.Code)
		}
		return nil, err
	}

	return &Response{
		Text:         resp.Response,
		Model:        resp.Model,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}, nil
}
