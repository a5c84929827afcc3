package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mail-triage/internal/model"
	"github.com/sells-group/mail-triage/internal/resilience"
	"github.com/sells-group/mail-triage/pkg/ollama"
)

func TestOllamaEndpoint_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollama.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2.5:7b", req.Model)
		assert.Equal(t, "json", req.Format)
		assert.Equal(t, "sys", req.System)
		assert.Equal(t, 300, req.Options.NumPredict)

		_ = json.NewEncoder(w).Encode(ollama.GenerateResponse{
			Model:           req.Model,
			Response:        `Here is the result: {"priority":"high"}`,
			Done:            true,
			PromptEvalCount: 210,
			EvalCount:       30,
		})
	}))
	defer srv.Close()

	ep := NewOllamaEndpoint(ollama.NewClient(ollama.WithBaseURL(srv.URL)))
	resp, err := ep.Generate(context.Background(), Request{
		Model:     "qwen2.5:7b",
		System:    "sys",
		Prompt:    "email",
		Format:    FormatJSON,
		MaxTokens: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, `Here is the result: {"priority":"high"}`, resp.Text)
	assert.Equal(t, 210, resp.InputTokens)
	assert.Equal(t, 30, resp.OutputTokens)
}

func TestOllamaEndpoint_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   model.FailureKind
	}{
		{"overloaded", http.StatusServiceUnavailable, model.FailureUnavailable},
		{"model missing", http.StatusNotFound, model.FailureUnavailable},
		{"bad request", http.StatusBadRequest, model.FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			ep := NewOllamaEndpoint(ollama.NewClient(ollama.WithBaseURL(srv.URL)))
			_, err := ep.Generate(context.Background(), Request{Model: "m", Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, tt.want, resilience.KindOf(err))
		})
	}
}

func TestOllamaEndpoint_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	ep := NewOllamaEndpoint(ollama.NewClient(ollama.WithBaseURL(url)))
	_, err := ep.Generate(context.Background(), Request{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, model.FailureUnavailable, resilience.KindOf(err))
}
