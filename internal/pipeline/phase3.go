package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mail-triage/internal/cost"
	"github.com/sells-group/mail-triage/internal/inference"
	"github.com/sells-group/mail-triage/internal/model"
	"github.com/sells-group/mail-triage/internal/resilience"
)

const phase3System = `You are a senior account manager reviewing a business email that was flagged as critical.
Return a JSON object with exactly these fields:
  "workflow_state": one of QUOTE_REQUEST, ORDER_PLACED, SUPPORT_INQUIRY, INFORMATION, NEGOTIATION, ESCALATION, OTHER
  "priority": one of critical, high, medium, low
  "action_items": list of short imperative strings
  "business_impact": two or three sentences on revenue or customer risk
  "entities": list of {"type": ..., "value": ...}
  "confidence": number between 0 and 1
  "executive_summary": at most three sentences for leadership
  "quality_score": number from 0 to 10 rating how well the email supports your analysis
  "recommended_actions": ordered list of next steps with owners where known`

// NewPhase3Engine creates the deep-tier engine. When profile.Fallback is set
// and differs from the primary model, a timed-out or unavailable primary call
// is retried once on the fallback.
func NewPhase3Engine(ep inference.Endpoint, profile Profile, calc *cost.Calculator) *ModelEngine {
	return &ModelEngine{phase: model.Phase3, system: phase3System, endpoint: ep, profile: profile, costCalc: calc}
}

func (e *ModelEngine) analyzeWithFallback(ctx context.Context, it *model.Item) (*model.PhaseResult, error) {
	res, err := e.call(ctx, it, e.profile.Model)
	if err == nil || !e.hasFallback() || !resilience.Degraded(err) || ctx.Err() != nil {
		return res, err
	}

	zap.L().Warn("phase3: primary model degraded, using fallback",
		zap.String("item_id", it.ID),
		zap.String("model", e.profile.Model),
		zap.String("fallback", e.profile.Fallback),
		zap.String("failure_kind", string(resilience.KindOf(err))),
		zap.Error(err),
	)

	res, fbErr := e.call(ctx, it, e.profile.Fallback)
	if fbErr != nil {
		return nil, eris.Wrapf(fbErr, "phase3: fallback after primary failed (%v)", err)
	}
	res.FallbackUsed = true
	return res, nil
}
