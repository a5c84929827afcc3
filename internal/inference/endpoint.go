// Package inference defines the synchronous model-call contract consumed by
// the Phase 2 and Phase 3 engines, with Anthropic and Ollama backends.
package inference

import (
	"context"
	"time"

	"github.com/sells-group/mail-triage/internal/resilience"
)

// FormatJSON asks the endpoint for a single JSON object.
const FormatJSON = "json"

// Request is one model call.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Format      string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
}

// Response is the raw text payload returned by a model plus token usage.
// InputTokens excludes prompt-cache reads and writes.
type Response struct {
	Text             string
	Model            string
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Endpoint is a synchronous request/response model call.
type Endpoint interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Guarded wraps an endpoint with a per-model circuit breaker and the
// request's own timeout.
type Guarded struct {
	next     Endpoint
	breakers *resilience.ServiceBreakers
}

// Guard returns ep wrapped with per-model circuit breakers. A nil registry
// applies only the timeout.
func Guard(ep Endpoint, breakers *resilience.ServiceBreakers) *Guarded {
	return &Guarded{next: ep, breakers: breakers}
}

// Generate applies req.Timeout, then calls through the model's breaker.
func (g *Guarded) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := resilience.ExecuteVal(ctx, g.breakers.Get(req.Model), func(ctx context.Context) (*Response, error) {
		return g.next.Generate(ctx, req)
	})
	observe(req.Model, resp, err, time.Since(start))
	return resp, err
}

// EndpointFunc adapts a function to the Endpoint interface.
type EndpointFunc func(ctx context.Context, req Request) (*Response, error)

// Generate calls f(ctx, req).
func (f EndpointFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
