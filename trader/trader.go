package trader

import (
	"errors"
	"time"

	"github.com/leo20251128/aigame/risk"
)

// Sentinel execution errors.
var (
	ErrMarginInsufficient = errors.New("insufficient margin")
	ErrSlippageExceeded   = errors.New("slippage limit exceeded")
	ErrPositionNotFound   = errors.New("position not found")
	ErrReconcileConflict  = errors.New("reconciliation conflict")
)

// Exit kinds recorded on closing trades. Stop-loss exits are reported
// distinctly from take-profit exits.
const (
	ExitSignal      = "signal"
	ExitStopLoss    = "stop_loss"
	ExitTakeProfit  = "take_profit"
	ExitQuickProfit = "quick_profit"
	ExitManual      = "manual"
	ExitTimeLimit   = "time_limit"
	ExitEmergency   = "emergency"
)

// AccountInfo is the engine's account summary.
type AccountInfo struct {
	TotalEquity   float64 `json:"total_equity"`
	Available     float64 `json:"available"`
	MarginUsed    float64 `json:"margin_used"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
	PositionCount int     `json:"position_count"`
}

// Position is one open position as the engine sees it. For the live engine
// the exchange-reported values are authoritative; the stop and ladder are a
// local overlay.
type Position struct {
	Symbol        string            `json:"symbol"`
	Side          string            `json:"side"` // "long" or "short"
	Quantity      float64           `json:"quantity"`
	EntryPrice    float64           `json:"entry_price"`
	MarkPrice     float64           `json:"mark_price"`
	Leverage      int               `json:"leverage"`
	Margin        float64           `json:"margin"`
	NotionalUSD   float64           `json:"notional_usd"`
	UnrealizedPnL float64           `json:"unrealized_pnl"`
	StopLossPrice float64           `json:"stop_loss_price"`
	Ladder        []risk.LadderRule `json:"ladder"`
	OpenedAt      time.Time         `json:"opened_at"`
}

// ProfitPct is the leveraged return on the position's margin.
func (p *Position) ProfitPct() float64 {
	return risk.ProfitPct(p.Side, p.EntryPrice, p.MarkPrice, float64(p.Leverage))
}

// Trade is an immutable, append-only execution record.
type Trade struct {
	Timestamp   time.Time `json:"timestamp"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`   // "long" or "short"
	Action      string    `json:"action"` // open / close
	ExitKind    string    `json:"exit_kind,omitempty"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
}

// TradeResult is the outcome of a single execute call.
type TradeResult struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Action      string  `json:"action"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	Fee         float64 `json:"fee"`
	RealizedPnL float64 `json:"realized_pnl"`
	NotionalUSD float64 `json:"notional_usd"`
}

// ClosedPosition is one successful close inside a close-all.
type ClosedPosition struct {
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	PnL    float64 `json:"pnl"`
	Fee    float64 `json:"fee"`
}

// FailedClose is one failed close inside a close-all. The position stays
// open and retryable.
type FailedClose struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Error  string `json:"error"`
}

// CloseAllResult aggregates an independent close attempt per position:
// Success is true only when every close succeeded, and the P&L and fee sums
// cover only the successful closes.
type CloseAllResult struct {
	Success   bool             `json:"success"`
	Closed    []ClosedPosition `json:"closed"`
	Failed    []FailedClose    `json:"failed"`
	TotalPnL  float64          `json:"total_pnl"`
	TotalFees float64          `json:"total_fees"`
}

// Trader is the execution engine capability: the simulated engine and the
// exchange-backed engines implement the same surface.
type Trader interface {
	Name() string

	GetAccount() (*AccountInfo, error)
	GetPositions() ([]Position, error)

	// OpenLong and OpenShort place a bounded entry. refPrice is the price
	// observed when the decision was sized; fills further than the slippage
	// limit from it are rejected.
	OpenLong(symbol string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error)
	OpenShort(symbol string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error)

	// ClosePosition closes fraction (0,1] of a position. exitKind tags the
	// trade record.
	ClosePosition(symbol, side string, fraction float64, exitKind string) (*TradeResult, error)

	// CloseAll attempts every open position independently; one failure never
	// aborts the rest.
	CloseAll(exitKind string) *CloseAllResult

	// MarkLadderConsumed flags a take-profit rung as fired so it cannot
	// re-trigger.
	MarkLadderConsumed(symbol, side string, ruleIndex int)

	// Trades returns the append-only execution history.
	Trades() []Trade

	// Halted reports whether the engine froze itself pending operator
	// review (reconciliation found an impossible state).
	Halted() (bool, string)
}

func positionKey(symbol, side string) string {
	if side == "short" {
		return symbol + "_SHORT"
	}
	return symbol + "_LONG"
}
