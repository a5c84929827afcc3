package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mail-triage/internal/config"
	"github.com/sells-group/mail-triage/internal/cost"
	"github.com/sells-group/mail-triage/internal/inference"
	"github.com/sells-group/mail-triage/internal/model"
)

const phase2System = `You classify business email for a sales and support team.
Return a JSON object with exactly these fields:
  "workflow_state": one of QUOTE_REQUEST, ORDER_PLACED, SUPPORT_INQUIRY, INFORMATION, NEGOTIATION, ESCALATION, OTHER
  "priority": one of critical, high, medium, low
  "action_items": list of short imperative strings
  "business_impact": one sentence
  "entities": list of {"type": ..., "value": ...} for order, case, invoice and quote numbers
  "confidence": number between 0 and 1
Use the rule-based triage as a hint, not as ground truth.`

const minBodyChars = 200

// Profile is the model and budget an engine uses in one run mode.
type Profile struct {
	Model string
	// Fallback is the Phase 3 model substituted when Model is unavailable
	// or times out. Empty disables fallback.
	Fallback    string
	Timeout     time.Duration
	MaxTokens   int
	PromptChars int
	Temperature *float64
}

// ProfilesFor builds the Phase 2 and Phase 3 profiles of a run mode.
func ProfilesFor(m config.ModeConfig) (p2, p3 Profile) {
	temp := m.Temperature
	p2 = Profile{
		Model:       m.Phase2Model,
		Timeout:     time.Duration(m.Phase2TimeoutSecs) * time.Second,
		MaxTokens:   m.Phase2MaxTokens,
		PromptChars: m.Phase2PromptChars,
		Temperature: &temp,
	}
	p3 = Profile{
		Model:       m.Phase3Model,
		Fallback:    m.FallbackModel,
		Timeout:     time.Duration(m.Phase3TimeoutSecs) * time.Second,
		MaxTokens:   m.Phase3MaxTokens,
		PromptChars: m.Phase3PromptChars,
		Temperature: &temp,
	}
	return p2, p3
}

// ModelEngine runs Phase 2 or Phase 3 through an inference endpoint.
type ModelEngine struct {
	phase    model.Phase
	system   string
	endpoint inference.Endpoint
	profile  Profile
	costCalc *cost.Calculator
}

// NewPhase2Engine creates the mid-tier classification engine.
func NewPhase2Engine(ep inference.Endpoint, profile Profile, calc *cost.Calculator) *ModelEngine {
	profile.Fallback = ""
	return &ModelEngine{phase: model.Phase2, system: phase2System, endpoint: ep, profile: profile, costCalc: calc}
}

// Phase returns the phase the engine serves.
func (e *ModelEngine) Phase() model.Phase { return e.phase }

// ID is the engine identifier used in cache fingerprints: the primary model.
func (e *ModelEngine) ID() string { return e.profile.Model }

func (e *ModelEngine) hasFallback() bool {
	return e.profile.Fallback != "" && e.profile.Fallback != e.profile.Model
}

// AttemptTimeout bounds one executor attempt: the primary call plus the
// fallback call when one is configured.
func (e *ModelEngine) AttemptTimeout() time.Duration {
	if e.profile.Timeout <= 0 {
		return 0
	}
	if e.hasFallback() {
		return 2 * e.profile.Timeout
	}
	return e.profile.Timeout
}

// Analyze classifies one item. Errors carry the failure taxonomy through
// resilience.KindOf.
func (e *ModelEngine) Analyze(ctx context.Context, it *model.Item) (*model.PhaseResult, error) {
	if e.phase == model.Phase3 {
		return e.analyzeWithFallback(ctx, it)
	}
	return e.call(ctx, it, e.profile.Model)
}

func (e *ModelEngine) call(ctx context.Context, it *model.Item, modelID string) (*model.PhaseResult, error) {
	start := time.Now()
	req := inference.Request{
		Model:       modelID,
		System:      e.system,
		Prompt:      buildPrompt(it, e.profile.PromptChars),
		Format:      inference.FormatJSON,
		Temperature: e.profile.Temperature,
		MaxTokens:   e.profile.MaxTokens,
		Timeout:     e.profile.Timeout,
	}

	resp, err := e.endpoint.Generate(ctx, req)
	if err != nil {
		return nil, eris.Wrapf(err, "%s: generate with %s", e.phase, modelID)
	}

	res, err := ParseResponse(resp.Text, e.phase)
	if err != nil {
		return nil, err
	}
	res.Engine = modelID
	res.DurationMs = time.Since(start).Milliseconds()
	res.InputTokens = resp.InputTokens + resp.CacheReadTokens + resp.CacheWriteTokens
	res.OutputTokens = resp.OutputTokens
	res.CostUSD = e.costCalc.Model(modelID, cost.Usage{
		Input:      resp.InputTokens,
		Output:     resp.OutputTokens,
		CacheWrite: resp.CacheWriteTokens,
		CacheRead:  resp.CacheReadTokens,
	})
	return res, nil
}

// buildPrompt renders the item and its Phase 1 context, truncating the body
// so the prompt stays within budget characters.
func buildPrompt(it *model.Item, budget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", strings.TrimSpace(it.Subject))
	fmt.Fprintf(&b, "From: %s\n", strings.TrimSpace(it.Sender))
	if !it.ReceivedAt.IsZero() {
		fmt.Fprintf(&b, "Received: %s\n", it.ReceivedAt.UTC().Format(time.RFC3339))
	}
	if p1 := it.Phase1Result; p1 != nil {
		fmt.Fprintf(&b, "Rule-based triage: category=%s sentiment=%s urgency=%s\n", p1.Category, p1.Sentiment, p1.Urgency)
		if len(p1.Entities) > 0 {
			parts := make([]string, len(p1.Entities))
			for i, ent := range p1.Entities {
				parts[i] = ent.Type + "=" + ent.Value
			}
			fmt.Fprintf(&b, "Extracted: %s\n", strings.Join(parts, ", "))
		}
	}
	if c := it.Chain; c != nil {
		fmt.Fprintf(&b, "Thread: %d messages, completeness %.2f (%s)\n", c.Size, c.Score, c.Type)
	}
	b.WriteString("\nBody:\n")

	body := strings.TrimSpace(ownText(it.Body))
	if budget > 0 {
		remaining := budget - utf8.RuneCountInString(b.String())
		if remaining < minBodyChars {
			remaining = minBodyChars
		}
		body = truncateRunes(body, remaining)
	}
	b.WriteString(body)
	return b.String()
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	const marker = "\n[truncated]"
	keep := n - len(marker)
	if keep < 0 {
		keep = 0
	}
	i := 0
	for pos := range s {
		if i == keep {
			return s[:pos] + marker
		}
		i++
	}
	return s
}
