// Package pipeline implements the progressive classification pipeline:
// chain scoring, phase routing, the three analysis phases and the
// orchestrator that drives them over the item store.
package pipeline

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/mail-triage/internal/config"
	"github.com/sells-group/mail-triage/internal/model"
)

var (
	replyPrefix       = regexp.MustCompile(`(?i)^\s*(re|fw|fwd|aw|sv)\s*:`)
	initiatingPattern = regexp.MustCompile(`(?i)\b(request|quote|order|inquiry|enquiry|question|issue|problem|need|looking for|interested in|please)\b`)
	terminalPattern   = regexp.MustCompile(`(?i)\b(thanks|thank you|resolved|confirmed|closed|all set|received|appreciate|works now|sorted)\b`)
	openQuestion      = regexp.MustCompile(`(?i)(\?|\b(please advise|let me know|any update|waiting for|can you|could you)\b)`)
)

// ChainAnalyzer scores how conversationally resolved a chain is.
type ChainAnalyzer struct {
	weights  config.ChainWeights
	maxGap   time.Duration
	target   int
	broken   float64
	complete float64
}

// NewChainAnalyzer creates an analyzer. Type thresholds come from the router
// so that chain_type and routing agree.
func NewChainAnalyzer(chain config.ChainConfig, router config.RouterConfig) *ChainAnalyzer {
	target := chain.TargetQuickReplies
	if target < 1 {
		target = 1
	}
	return &ChainAnalyzer{
		weights:  chain.Weights,
		maxGap:   time.Duration(chain.MaxGapHours * float64(time.Hour)),
		target:   target,
		broken:   router.BrokenThreshold,
		complete: router.CompleteThreshold,
	}
}

// Score computes the completeness of a chain from its full member set.
// The result depends only on the set, not on the order of members. Each
// signal is non-decreasing when a reply arrives after the current final
// message within the gap limit and leaves no open question.
//
// A singleton cannot show turn-taking: it is scored on the initiating and
// resolved signals only and is always typed broken.
func (a *ChainAnalyzer) Score(members []model.Item) model.ChainScore {
	if len(members) == 0 {
		return model.ChainScore{Type: model.ChainBroken}
	}

	sorted := make([]model.Item, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].ReceivedAt.Equal(sorted[j].ReceivedAt) {
			return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	first, last := sorted[0], sorted[len(sorted)-1]
	var score float64

	if initiates(first) {
		score += a.weights.Initiating
	}
	if !openQuestion.MatchString(ownText(last.Body)) {
		score += a.weights.Resolved
	}

	if len(sorted) > 1 {
		for _, m := range sorted[1:] {
			if terminalPattern.MatchString(m.Subject + "\n" + ownText(m.Body)) {
				score += a.weights.Terminal
				break
			}
		}

		if distinctSenders(sorted) >= 2 {
			score += a.weights.Participants
		}

		quick := 0
		for i := 1; i < len(sorted); i++ {
			if a.maxGap <= 0 || sorted[i].ReceivedAt.Sub(sorted[i-1].ReceivedAt) <= a.maxGap {
				quick++
			}
		}
		score += math.Min(1, float64(quick)/float64(a.target)) * a.weights.Gaps
	}

	score = clamp01(round4(score))
	return model.ChainScore{
		Score: score,
		Type:  a.classify(score, len(sorted)),
		Size:  len(sorted),
	}
}

func (a *ChainAnalyzer) classify(score float64, size int) model.ChainType {
	switch {
	case size < 2:
		return model.ChainBroken
	case score >= a.complete:
		return model.ChainComplete
	case score >= a.broken:
		return model.ChainPartial
	default:
		return model.ChainBroken
	}
}

// Representative returns the id of the chain's latest message.
func Representative(members []model.Item) string {
	var rep *model.Item
	for i := range members {
		m := &members[i]
		if rep == nil || m.ReceivedAt.After(rep.ReceivedAt) ||
			(m.ReceivedAt.Equal(rep.ReceivedAt) && m.ID > rep.ID) {
			rep = m
		}
	}
	if rep == nil {
		return ""
	}
	return rep.ID
}

func initiates(it model.Item) bool {
	if replyPrefix.MatchString(it.Subject) {
		return initiatingPattern.MatchString(ownText(it.Body))
	}
	return strings.TrimSpace(it.Subject) != "" || initiatingPattern.MatchString(ownText(it.Body))
}

func distinctSenders(members []model.Item) int {
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		s := strings.ToLower(strings.TrimSpace(m.Sender))
		if s != "" {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

// ownText drops quoted reply lines and everything after a reply header so
// that only the sender's own words are scanned.
func ownText(body string) string {
	var b strings.Builder
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-----Original Message") ||
			(strings.HasPrefix(trimmed, "On ") && strings.HasSuffix(trimmed, "wrote:")) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
