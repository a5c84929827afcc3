package pipeline

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/mail-triage/internal/model"
)

// Phase1Engine identifies the rule-based engine in results and cache keys.
const Phase1Engine = "rules-v1"

const (
	urgencyHigh      = "high"
	urgencyNormal    = "normal"
	defaultCategory  = "general"
	defaultSentiment = "neutral"
	maxEntities      = 20

	// phase1MaxBytes bounds the text the lexicons and entity patterns scan.
	phase1MaxBytes = 16 << 10
)

type entityPattern struct {
	kind string
	re   *regexp.Regexp
}

// idSuffix matches an optional "#", "no." or "number" marker followed by an
// identifier that contains at least one digit.
const idSuffix = `\s*(?:#|no\.?|number)?\s*[:\-]?\s*([A-Z]{0,4}-?\d[A-Z0-9-]{2,})\b`

// entityPatterns are applied in order; the first capture group is the value
// when present, otherwise the full match.
var entityPatterns = []entityPattern{
	{"order_number", regexp.MustCompile(`(?i)\b(?:order|p\.?o\.?)` + idSuffix)},
	{"case_number", regexp.MustCompile(`(?i)\b(?:case|ticket|incident|rma)` + idSuffix)},
	{"invoice_number", regexp.MustCompile(`(?i)\binv(?:oice)?` + idSuffix)},
	{"quote_number", regexp.MustCompile(`(?i)\bquote` + idSuffix)},
	{"amount", regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d{2})?`)},
	{"email", regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)},
}

type category struct {
	name     string
	workflow model.WorkflowState
	re       *regexp.Regexp
}

// categories are scored by match count; earlier entries win ties.
var categories = []category{
	{"escalation", model.WorkflowEscalation, regexp.MustCompile(`(?i)\b(complain\w*|escalat\w*|unacceptable|manager|legal action|refund)\b`)},
	{"support", model.WorkflowSupportInquiry, regexp.MustCompile(`(?i)\b(error|broken|not working|issue|problem|bug|outage|down|help|support|fail\w*)\b`)},
	{"order", model.WorkflowOrderPlaced, regexp.MustCompile(`(?i)\b(purchase order|order placed|place an order|po|shipment|shipping|tracking|deliver\w*)\b`)},
	{"quote", model.WorkflowQuoteRequest, regexp.MustCompile(`(?i)\b(quote|quotation|pricing|price list|estimate|rfq|proposal)\b`)},
	{"negotiation", model.WorkflowNegotiation, regexp.MustCompile(`(?i)\b(discount|negotiat\w*|counter ?offer|terms|volume pricing|best price)\b`)},
	{"information", model.WorkflowInformation, regexp.MustCompile(`(?i)\b(fyi|newsletter|announcement|update|reminder|for your information)\b`)},
}

var (
	urgentPattern   = regexp.MustCompile(`(?i)\b(urgent|asap|emergency|immediately|system down|outage|critical|production down)\b`)
	criticalPattern = regexp.MustCompile(`(?i)\b(system down|outage|production down|emergency)\b`)
	positiveWords   = regexp.MustCompile(`(?i)\b(thanks|thank you|great|appreciate|happy|pleased|excellent|perfect)\b`)
	negativeWords   = regexp.MustCompile(`(?i)\b(disappoint\w*|angry|frustrat\w*|unacceptable|terrible|poor|worst|upset|complain\w*)\b`)
)

// AnalyzePhase1 classifies an item with keyword lexicons and regex entity
// extraction. It is pure: the same subject, body and sender always produce
// the same result, and it never fails. Empty input yields the defaults
// (category general, urgency normal).
func AnalyzePhase1(it *model.Item) *model.PhaseResult {
	res := &model.PhaseResult{
		Phase:         model.Phase1,
		WorkflowState: model.WorkflowOther,
		Priority:      model.PriorityLow,
		Entities:      []model.Entity{},
		Engine:        Phase1Engine,
		Category:      defaultCategory,
		Sentiment:     defaultSentiment,
		Urgency:       urgencyNormal,
	}
	if it == nil {
		return res
	}

	body := ownText(capBytes(it.Body, phase1MaxBytes))
	text := strings.TrimSpace(capBytes(it.Subject+"\n"+body, phase1MaxBytes))
	if text == "" {
		return res
	}

	res.Entities = extractEntities(text)

	signals := 0
	best, bestCount := -1, 0
	for i, c := range categories {
		if n := len(c.re.FindAllStringIndex(text, -1)); n > bestCount {
			best, bestCount = i, n
		}
	}
	if best >= 0 {
		res.Category = categories[best].name
		res.WorkflowState = categories[best].workflow
		signals++
	}

	pos := len(positiveWords.FindAllStringIndex(text, -1))
	neg := len(negativeWords.FindAllStringIndex(text, -1))
	switch {
	case neg > pos:
		res.Sentiment = "negative"
		signals++
	case pos > neg:
		res.Sentiment = "positive"
		signals++
	}

	switch {
	case criticalPattern.MatchString(text):
		res.Urgency = urgencyHigh
		res.Priority = model.PriorityCritical
		signals++
	case urgentPattern.MatchString(text):
		res.Urgency = urgencyHigh
		res.Priority = model.PriorityHigh
		signals++
	case res.Sentiment == "negative" || res.Category == "escalation":
		res.Priority = model.PriorityMedium
	}

	if len(res.Entities) > 0 {
		signals++
	}
	res.Confidence = phase1Confidence(signals)
	return res
}

// Escalates reports whether a Phase 1 result carries an escalation cue.
func Escalates(r *model.PhaseResult) bool {
	return r != nil && r.Urgency == urgencyHigh
}

func phase1Confidence(signals int) float64 {
	c := 0.3 + 0.1*float64(signals)
	if c > 0.7 {
		c = 0.7
	}
	return round4(c)
}

func extractEntities(text string) []model.Entity {
	entities := []model.Entity{}
	seen := make(map[model.Entity]bool)
	for _, p := range entityPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			v := m[0]
			if len(m) > 1 && m[1] != "" {
				v = m[1]
			}
			e := model.Entity{Type: p.kind, Value: strings.TrimSpace(v)}
			if seen[e] {
				continue
			}
			seen[e] = true
			entities = append(entities, e)
			if len(entities) == maxEntities {
				return entities
			}
		}
	}
	return entities
}

// capBytes cuts s to at most n bytes without splitting a rune.
func capBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
