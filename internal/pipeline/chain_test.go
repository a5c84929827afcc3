package pipeline

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mail-triage/internal/config"
	"github.com/sells-group/mail-triage/internal/model"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testChainConfig() config.ChainConfig {
	return config.ChainConfig{
		MaxGapHours:        24,
		TargetQuickReplies: 3,
		Weights: config.ChainWeights{
			Initiating:   0.15,
			Terminal:     0.15,
			Participants: 0.25,
			Gaps:         0.25,
			Resolved:     0.20,
		},
	}
}

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		BrokenThreshold:    0.3,
		CompleteThreshold:  0.8,
		EscalatePriorities: []string{"critical", "high"},
	}
}

func testAnalyzer() *ChainAnalyzer {
	return NewChainAnalyzer(testChainConfig(), testRouterConfig())
}

// quoteThread builds an n-message thread alternating between a customer and
// a vendor, one hour apart, ending with a resolving message.
func quoteThread(conv string, n int) []model.Item {
	items := make([]model.Item, n)
	for i := range items {
		sender := "alice@customer.com"
		if i%2 == 1 {
			sender = "bob@vendor.com"
		}
		subject := "Re: Request for quote: 500 widgets"
		body := fmt.Sprintf("Reply %d on the widget order details.", i)
		switch {
		case i == 0:
			subject = "Request for quote: 500 widgets"
			body = "Please send pricing for 500 widgets delivered to Denver."
		case i == n-1:
			body = "Thanks, confirmed. PO 44821 is attached."
		}
		items[i] = model.Item{
			ID:             fmt.Sprintf("%s-%02d", conv, i),
			Subject:        subject,
			Body:           body,
			Sender:         sender,
			ReceivedAt:     t0.Add(time.Duration(i) * time.Hour),
			ConversationID: conv,
		}
	}
	return items
}

func TestChainScore_Singleton(t *testing.T) {
	a := testAnalyzer()

	got := a.Score([]model.Item{{ID: "a", Subject: "Pricing", Body: "Send me a quote.", Sender: "x@y.com", ReceivedAt: t0}})
	assert.Equal(t, model.ChainBroken, got.Type)
	assert.Equal(t, 1, got.Size)
	assert.InDelta(t, 0.35, got.Score, 1e-9, "initiating + resolved only")

	open := a.Score([]model.Item{{ID: "a", Subject: "Re: pricing", Body: "Did you get it?", ReceivedAt: t0}})
	assert.Equal(t, model.ChainBroken, open.Type)
	assert.InDelta(t, 0.0, open.Score, 1e-9)
}

func TestChainScore_Empty(t *testing.T) {
	got := testAnalyzer().Score(nil)
	assert.Equal(t, model.ChainBroken, got.Type)
	assert.Zero(t, got.Score)
	assert.Zero(t, got.Size)
}

func TestChainScore_CompleteThread(t *testing.T) {
	got := testAnalyzer().Score(quoteThread("c1", 10))
	assert.GreaterOrEqual(t, got.Score, 0.8)
	assert.Equal(t, model.ChainComplete, got.Type)
	assert.Equal(t, 10, got.Size)
}

func TestChainScore_Partial(t *testing.T) {
	items := quoteThread("c1", 2)
	items[1].Body = "Let me check with the warehouse and get back to you?"
	items[1].ReceivedAt = t0.Add(72 * time.Hour)

	got := testAnalyzer().Score(items)
	// initiating 0.15 + participants 0.25; no terminal, slow gap, open question
	assert.InDelta(t, 0.40, got.Score, 1e-9)
	assert.Equal(t, model.ChainPartial, got.Type)
}

func TestChainScore_IgnoresQuotedText(t *testing.T) {
	items := quoteThread("c1", 2)
	items[1].Body = "Confirmed.\n\n> Can you ship by Friday?\n> Thanks"
	withQuote := testAnalyzer().Score(items)

	items[1].Body = "Confirmed."
	plain := testAnalyzer().Score(items)
	assert.Equal(t, plain, withQuote)
}

func TestChainScore_OrderInvariant(t *testing.T) {
	a := testAnalyzer()
	items := quoteThread("c1", 8)
	want := a.Score(items)

	rng := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		shuffled := append([]model.Item(nil), items...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, a.Score(shuffled))
	}
}

func TestChainScore_Idempotent(t *testing.T) {
	a := testAnalyzer()
	items := quoteThread("c1", 5)
	assert.Equal(t, a.Score(items), a.Score(items))
}

func TestChainScore_MonotonicUnderWellFormedReplies(t *testing.T) {
	a := testAnalyzer()

	starts := [][]model.Item{
		{{ID: "s1", Subject: "Re: order status", Body: "Where is my order?", Sender: "c@x.com", ReceivedAt: t0}},
		{{ID: "s2", Subject: "Quote needed", Body: "Please quote 20 pallets.", Sender: "c@x.com", ReceivedAt: t0}},
		quoteThread("c3", 3),
	}
	replies := []string{
		"Checked with the warehouse.",
		"Thanks, that works.",
		"Shipment left this morning.",
		"Appreciate the quick turnaround.",
	}

	for _, start := range starts {
		chain := append([]model.Item(nil), start...)
		prev := a.Score(chain)
		for i := range 8 {
			last := chain[len(chain)-1]
			sender := "vendor@y.com"
			if i%2 == 1 {
				sender = "c@x.com"
			}
			chain = append(chain, model.Item{
				ID:             fmt.Sprintf("%s-r%d", start[0].ID, i),
				Subject:        "Re: " + start[0].Subject,
				Body:           replies[i%len(replies)],
				Sender:         sender,
				ReceivedAt:     last.ReceivedAt.Add(time.Duration(i+1) * time.Hour),
				ConversationID: start[0].ConversationID,
			})
			next := a.Score(chain)
			require.GreaterOrEqual(t, next.Score, prev.Score, "chain %s after reply %d", start[0].ID, i)
			prev = next
		}
	}
}

func TestChainScore_ZeroGapLimitCountsEveryReply(t *testing.T) {
	cfg := testChainConfig()
	cfg.MaxGapHours = 0
	a := NewChainAnalyzer(cfg, testRouterConfig())

	items := quoteThread("c1", 4)
	items[2].ReceivedAt = items[1].ReceivedAt.Add(500 * time.Hour)
	items[3].ReceivedAt = items[2].ReceivedAt.Add(time.Hour)
	assert.InDelta(t, 1.0, a.Score(items).Score, 1e-9)
}

func TestRepresentative(t *testing.T) {
	items := quoteThread("c1", 4)
	assert.Equal(t, "c1-03", Representative(items))

	items[1].ReceivedAt = items[3].ReceivedAt
	assert.Equal(t, "c1-03", Representative(items), "ties break on id")

	assert.Empty(t, Representative(nil))
}
