package decision

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/leo20251128/aigame/market"
	"github.com/leo20251128/aigame/mcp"
	"github.com/leo20251128/aigame/pool"
	"github.com/leo20251128/aigame/risk"
)

// Allowed decision actions. Anything else coming back from the model is
// treated as malformed.
const (
	ActionOpenLong   = "open_long"
	ActionOpenShort  = "open_short"
	ActionCloseLong  = "close_long"
	ActionCloseShort = "close_short"
	ActionHold       = "hold"
	ActionWait       = "wait"
)

// Decision is one validated per-coin trade decision. Consumed once per
// cycle, then discarded.
type Decision struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"` // 0..1
	Reasoning  string  `json:"reasoning"`
}

// FullDecision is the complete outcome of one model call: prompt, raw
// response, extracted reasoning trace, and the validated decision set.
type FullDecision struct {
	UserPrompt  string     `json:"user_prompt"`
	CoTTrace    string     `json:"cot_trace"`
	Decisions   []Decision `json:"decisions"`
	RawResponse string     `json:"raw_response"`
	Timestamp   time.Time  `json:"timestamp"`
}

// PositionView is the read-only portfolio slice exposed to the prompt.
type PositionView struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	Leverage      float64 `json:"leverage"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	ProfitPct     float64 `json:"profit_pct"`
	HoldingHours  float64 `json:"holding_hours"`
}

// AccountView is the read-only account summary for the prompt.
type AccountView struct {
	TotalEquity   float64 `json:"total_equity"`
	Available     float64 `json:"available"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	PositionCount int     `json:"position_count"`
}

// Context carries everything one model call may read.
type Context struct {
	CycleNumber  int
	Coins        []string
	Account      AccountView
	Positions    []PositionView
	Performance  *risk.Performance
	CooldownNote string
	BreakerNote  string

	MarketDataMap map[string]*market.Data `json:"-"` // filled lazily, not serialized
}

// Engine turns a market context into a validated decision set via the
// model-response capability.
type Engine struct {
	client        *mcp.Client
	minConfidence float64
}

func NewEngine(client *mcp.Client, minConfidence float64) *Engine {
	return &Engine{client: client, minConfidence: minConfidence}
}

// GetFullDecision runs one model call. It never fails: timeouts, transport
// errors, and unparsable responses all downgrade to a wait decision set so
// the cycle always completes.
func (e *Engine) GetFullDecision(ctx *Context) *FullDecision {
	ctx.fillMarketData()

	userPrompt := BuildUserPrompt(ctx)
	full := &FullDecision{
		UserPrompt: userPrompt,
		Timestamp:  time.Now(),
	}

	raw, err := e.client.CallWithMessages(systemPrompt, userPrompt)
	if err != nil {
		log.Printf("⚠️  AI call failed, falling back to wait: %v", err)
		full.Decisions = fallbackDecisions(ctx.Coins, fmt.Sprintf("model call failed: %v", err))
		return full
	}
	full.RawResponse = raw
	full.CoTTrace = extractCoTTrace(raw)

	decisions, err := ParseDecisions(raw)
	if err != nil {
		log.Printf("⚠️  Failed to parse AI response, falling back to wait: %v", err)
		full.Decisions = fallbackDecisions(ctx.Coins, fmt.Sprintf("unparsable response: %v", err))
		return full
	}

	full.Decisions = e.Validate(decisions)
	return full
}

// Validate enforces the schema on every untrusted decision: known action,
// confidence numeric in range, symbol in the candidate pool, at most one
// decision per coin. Violations downgrade that coin to wait and never fail
// the cycle. Entries below the confidence floor become hold. The returned
// set is ordered closes first, then entries by descending confidence.
func (e *Engine) Validate(decisions []Decision) []Decision {
	seen := make(map[string]bool)
	out := make([]Decision, 0, len(decisions))

	for _, d := range decisions {
		d.Symbol = strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(d.Symbol), "USDT"))
		d.Action = strings.ToLower(strings.TrimSpace(d.Action))

		if d.Symbol == "" {
			continue
		}
		if seen[d.Symbol] {
			log.Printf("⚠️  Duplicate decision for %s discarded", d.Symbol)
			continue
		}
		seen[d.Symbol] = true

		if !validAction(d.Action) {
			log.Printf("⚠️  %s: unknown action %q, downgraded to wait", d.Symbol, d.Action)
			out = append(out, waitDecision(d.Symbol, fmt.Sprintf("unknown action %q", d.Action)))
			continue
		}

		// Some models answer confidence on a 0-100 scale
		if d.Confidence > 1 && d.Confidence <= 100 {
			d.Confidence /= 100
		}
		if d.Confidence < 0 || d.Confidence > 1 {
			log.Printf("⚠️  %s: confidence %.2f out of range, downgraded to wait", d.Symbol, d.Confidence)
			out = append(out, waitDecision(d.Symbol, "confidence out of range"))
			continue
		}

		if IsEntry(d.Action) {
			if !pool.Contains(d.Symbol) {
				log.Printf("⚠️  %s: not in candidate pool, downgraded to wait", d.Symbol)
				out = append(out, waitDecision(d.Symbol, "symbol not in candidate pool"))
				continue
			}
			if d.Confidence < e.minConfidence {
				out = append(out, Decision{
					Symbol:     d.Symbol,
					Action:     ActionHold,
					Confidence: d.Confidence,
					Reasoning:  fmt.Sprintf("confidence %.2f below minimum %.2f", d.Confidence, e.minConfidence),
				})
				continue
			}
		}

		out = append(out, d)
	}

	// Closes execute before entries so freed margin and position slots are
	// usable within the same cycle; entries rank by confidence.
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := IsClose(out[i].Action), IsClose(out[j].Action)
		if ci != cj {
			return ci
		}
		return out[i].Confidence > out[j].Confidence
	})

	return out
}

func validAction(action string) bool {
	switch action {
	case ActionOpenLong, ActionOpenShort, ActionCloseLong, ActionCloseShort, ActionHold, ActionWait:
		return true
	}
	return false
}

// IsEntry reports whether the action opens a new position.
func IsEntry(action string) bool {
	return action == ActionOpenLong || action == ActionOpenShort
}

// IsClose reports whether the action closes an existing position.
func IsClose(action string) bool {
	return action == ActionCloseLong || action == ActionCloseShort
}

func waitDecision(symbol, reason string) Decision {
	return Decision{Symbol: symbol, Action: ActionWait, Reasoning: reason}
}

func fallbackDecisions(coins []string, reason string) []Decision {
	out := make([]Decision, 0, len(coins))
	for _, c := range coins {
		out = append(out, waitDecision(c, reason))
	}
	return out
}

func (ctx *Context) fillMarketData() {
	if ctx.MarketDataMap == nil {
		ctx.MarketDataMap = market.GetSnapshot(ctx.Coins)
	}
}

const systemPrompt = `You are a professional cryptocurrency perpetual futures trading AI.
Each cycle you receive the account state, open positions, and a market snapshot
per candidate coin. Respond with a short analysis followed by a JSON array of
per-coin decisions.

Decision format (one object per coin, no other fields):
[{"symbol": "BTC", "action": "open_long|open_short|close_long|close_short|hold|wait", "confidence": 0.0-1.0, "reasoning": "..."}]

Rules:
- Only high-conviction setups deserve an entry; otherwise use hold or wait.
- Never suggest an entry for a coin you were told is cooling down.
- Position sizing, leverage, stops and take-profit levels are handled by the
  risk layer; do not include them.
- The JSON array must be the last thing in your response.`

// BuildUserPrompt renders the cycle context for the model.
func BuildUserPrompt(ctx *Context) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("=== Cycle %d | %s ===\n\n", ctx.CycleNumber, time.Now().UTC().Format(time.RFC3339)))

	sb.WriteString("## Account\n")
	sb.WriteString(fmt.Sprintf("Equity: %.2f USDT | Available: %.2f USDT | Unrealized P&L: %+.2f | Open positions: %d\n\n",
		ctx.Account.TotalEquity, ctx.Account.Available, ctx.Account.UnrealizedPnL, ctx.Account.PositionCount))

	if ctx.BreakerNote != "" {
		sb.WriteString("## Safety\n")
		sb.WriteString(ctx.BreakerNote + "\n\n")
	}

	if len(ctx.Positions) > 0 {
		sb.WriteString("## Open positions\n")
		for _, p := range ctx.Positions {
			sb.WriteString(fmt.Sprintf("%s %s: entry=%.4f mark=%.4f lev=%.0fx pnl=%+.2f (%+.2f%%) held %.1fh\n",
				p.Symbol, p.Side, p.EntryPrice, p.MarkPrice, p.Leverage, p.UnrealizedPnL, p.ProfitPct*100, p.HoldingHours))
		}
		sb.WriteString("\n")
	}

	if ctx.CooldownNote != "" {
		sb.WriteString("## Cooldowns\n")
		sb.WriteString(ctx.CooldownNote + "\n\n")
	}

	if ctx.Performance != nil && ctx.Performance.TotalTrades > 0 {
		p := ctx.Performance
		sb.WriteString("## Recent performance\n")
		sb.WriteString(fmt.Sprintf("Trades: %d | Win rate: %.0f%% | Profit factor: %.2f | Max drawdown: %.1f%%\n\n",
			p.TotalTrades, p.WinRate*100, p.ProfitFactor, p.MaxDrawdown*100))
	}

	sb.WriteString("## Market snapshot\n")
	for _, coin := range ctx.Coins {
		if data, ok := ctx.MarketDataMap[coin]; ok {
			sb.WriteString(market.Format(data))
		} else {
			sb.WriteString(fmt.Sprintf("%s: market data unavailable this cycle\n", coin))
		}
	}

	sb.WriteString("\nRespond with your analysis and the JSON decision array.\n")
	return sb.String()
}
