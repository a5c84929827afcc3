package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mail-triage/internal/model"
	"github.com/sells-group/mail-triage/internal/resilience"
)

// modelOutput is the JSON schema shared by the Phase 2 and Phase 3 prompts.
type modelOutput struct {
	WorkflowState      string         `json:"workflow_state"`
	Priority           string         `json:"priority"`
	ActionItems        []string       `json:"action_items"`
	BusinessImpact     string         `json:"business_impact"`
	Entities           []model.Entity `json:"entities"`
	Confidence         *float64       `json:"confidence"`
	ExecutiveSummary   string         `json:"executive_summary"`
	QualityScore       *float64       `json:"quality_score"`
	RecommendedActions []string       `json:"recommended_actions"`
}

// ParseResponse converts a model response into a phase result. Strict JSON
// is tried first; otherwise the first balanced JSON object embedded in the
// text is used. Anything else, or a response missing workflow_state or a
// valid priority, is a parse failure.
func ParseResponse(text string, phase model.Phase) (*model.PhaseResult, error) {
	var out modelOutput
	if err := decodeObject(text, &out); err != nil {
		raw, ok := ExtractJSON(text)
		if !ok {
			return nil, resilience.ParseFailure(eris.Wrapf(err, "%s: response is not JSON: %q", phase, snippet(text)))
		}
		if err := decodeObject(raw, &out); err != nil {
			return nil, resilience.ParseFailure(eris.Wrapf(err, "%s: decode embedded object", phase))
		}
	}

	if strings.TrimSpace(out.WorkflowState) == "" {
		return nil, resilience.ParseFailure(eris.Errorf("%s: workflow_state missing", phase))
	}
	priority, ok := model.ParsePriority(out.Priority)
	if !ok {
		return nil, resilience.ParseFailure(eris.Errorf("%s: invalid priority %q", phase, out.Priority))
	}
	ws, _ := model.ParseWorkflowState(out.WorkflowState)

	res := &model.PhaseResult{
		Phase:          phase,
		WorkflowState:  ws,
		Priority:       priority,
		Entities:       cleanEntities(out.Entities),
		Confidence:     0.5,
		ActionItems:    cleanStrings(out.ActionItems),
		BusinessImpact: strings.TrimSpace(out.BusinessImpact),
	}
	if out.Confidence != nil {
		res.Confidence = clamp01(*out.Confidence)
	}

	if phase == model.Phase3 {
		res.ExecutiveSummary = strings.TrimSpace(out.ExecutiveSummary)
		res.RecommendedActions = cleanStrings(out.RecommendedActions)
		if out.QualityScore == nil {
			return nil, resilience.ParseFailure(eris.New("phase3: quality_score missing"))
		}
		res.QualityScore = clampRange(*out.QualityScore, 0, 10)
	}
	return res, nil
}

func decodeObject(text string, v any) error {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return eris.New("not a JSON object")
	}
	return json.Unmarshal([]byte(text), v)
}

// ExtractJSON returns the first balanced JSON object in text that decodes.
// Braces inside string literals are ignored.
func ExtractJSON(text string) (string, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			candidate := text[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func cleanEntities(in []model.Entity) []model.Entity {
	out := make([]model.Entity, 0, len(in))
	for _, e := range in {
		e.Type = strings.TrimSpace(e.Type)
		e.Value = strings.TrimSpace(e.Value)
		if e.Type != "" && e.Value != "" {
			out = append(out, e)
		}
	}
	return out
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	n := 0
	for pos := range s {
		if n == 120 {
			return s[:pos] + "..."
		}
		n++
	}
	return s
}
