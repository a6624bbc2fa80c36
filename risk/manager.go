package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/leo20251128/aigame/config"
)

// Rejection reasons. Every rejection names the cap it breached and happens
// before any portfolio mutation.
var (
	ErrLowConfidence = errors.New("confidence below minimum")
	ErrMaxPositions  = errors.New("max positions reached")
	ErrNotionalCap   = errors.New("aggregate notional cap reached")
)

// LadderRule is one rung of a position's take-profit ladder. A rule fires at
// most once.
type LadderRule struct {
	ThresholdPct  float64 `json:"threshold_pct"`
	CloseFraction float64 `json:"close_fraction"`
	Consumed      bool    `json:"consumed"`
}

// TradeParameters is a fully bounded order plan produced from an accepted
// decision.
type TradeParameters struct {
	NotionalUSD      float64      `json:"notional_usd"`
	MarginUSD        float64      `json:"margin_usd"`
	Leverage         int          `json:"leverage"`
	EffectiveStopPct float64      `json:"effective_stop_pct"`
	Ladder           []LadderRule `json:"ladder"`
}

// TakeProfitAction tells the engine how much of a position to close.
type TakeProfitAction struct {
	CloseFraction float64
	RuleIndex     int  // -1 for quick profit
	QuickProfit   bool // full close, short-circuits the ladder
}

// Manager converts accepted decisions into bounded trade parameters.
type Manager struct {
	cfg config.RiskConfig
}

func NewManager(cfg config.RiskConfig) *Manager {
	return &Manager{cfg: cfg}
}

// EffectiveStopPct widens the stop distance from the default toward the max
// as volatility rises. Linear in the 0..100 score; the curve is a tunable,
// only monotonicity and the bounds are load-bearing.
func (m *Manager) EffectiveStopPct(volScore float64, volKnown bool) float64 {
	if !volKnown {
		return m.cfg.StopLossDefaultPct
	}
	frac := math.Min(math.Max(volScore, 0), 100) / 100
	return m.cfg.StopLossDefaultPct + (m.cfg.StopLossMaxPct-m.cfg.StopLossDefaultPct)*frac
}

// LeverageFor steps leverage down as volatility rises, clamped to the
// configured bounds. Unknown volatility gets the configured default.
func (m *Manager) LeverageFor(volScore float64, volKnown bool) int {
	if !volKnown {
		return m.cfg.DefaultLeverage
	}
	var lev int
	switch {
	case volScore < 30:
		lev = 5
	case volScore < 50:
		lev = 4
	case volScore < 80:
		lev = 3
	default:
		lev = 2
	}
	if lev > m.cfg.MaxLeverage {
		lev = m.cfg.MaxLeverage
	}
	if lev < m.cfg.MinLeverage {
		lev = m.cfg.MinLeverage
	}
	return lev
}

// Size computes bounded trade parameters for a new entry.
//
// raw_notional = base_risk_per_trade * total_value / effective_stop_pct,
// capped by the per-account aggregate notional headroom. When the cap binds,
// leverage steps down before quantity so margin usage never exceeds the
// uncapped plan's margin.
func (m *Manager) Size(confidence, totalValue, openNotional float64, openCount int, volScore float64, volKnown bool) (*TradeParameters, error) {
	if confidence < m.cfg.MinConfidence {
		return nil, fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, confidence, m.cfg.MinConfidence)
	}
	if openCount >= m.cfg.MaxPositions {
		return nil, fmt.Errorf("%w: %d open", ErrMaxPositions, openCount)
	}
	if totalValue <= 0 {
		return nil, fmt.Errorf("invalid account value %.2f", totalValue)
	}

	effStop := m.EffectiveStopPct(volScore, volKnown)
	raw := m.cfg.BaseRiskPerTrade * totalValue / effStop

	cap := m.cfg.MaxTradeValuePct * totalValue
	headroom := cap - openNotional
	if headroom <= 0 {
		return nil, fmt.Errorf("%w: open notional %.2f of %.2f", ErrNotionalCap, openNotional, cap)
	}

	notional := math.Min(raw, headroom)
	lev := m.LeverageFor(volScore, volKnown)
	margin := raw / float64(lev)

	if notional < raw {
		// Cap binds: hold margin at the uncapped plan and shed leverage
		reduced := int(math.Ceil(notional / margin))
		if reduced < m.cfg.MinLeverage {
			reduced = m.cfg.MinLeverage
		}
		if reduced < lev {
			lev = reduced
		}
		margin = notional / float64(lev)
	}

	ladder := make([]LadderRule, len(m.cfg.ProfitLadder))
	for i, r := range m.cfg.ProfitLadder {
		ladder[i] = LadderRule{ThresholdPct: r.ThresholdPct, CloseFraction: r.CloseFraction}
	}

	return &TradeParameters{
		NotionalUSD:      notional,
		MarginUSD:        margin,
		Leverage:         lev,
		EffectiveStopPct: effStop,
		Ladder:           ladder,
	}, nil
}

// StopLossPrice places the stop effStop away from entry on the losing side.
func (m *Manager) StopLossPrice(entryPrice float64, side string, effStop float64) float64 {
	if side == "short" {
		return entryPrice * (1 + effStop)
	}
	return entryPrice * (1 - effStop)
}

// CheckTakeProfit evaluates the quick-profit threshold and then the ladder
// from the highest threshold down. Returns nil when nothing fires.
func (m *Manager) CheckTakeProfit(profitPct float64, ladder []LadderRule) *TakeProfitAction {
	if m.cfg.QuickProfitPct > 0 && profitPct >= m.cfg.QuickProfitPct {
		return &TakeProfitAction{CloseFraction: 1.0, RuleIndex: -1, QuickProfit: true}
	}
	for i, rule := range ladder {
		if rule.Consumed {
			continue
		}
		if profitPct >= rule.ThresholdPct {
			return &TakeProfitAction{CloseFraction: rule.CloseFraction, RuleIndex: i}
		}
	}
	return nil
}

// StopLossHit reports whether the mark price has touched the stop.
func StopLossHit(side string, markPrice, stopPrice float64) bool {
	if stopPrice <= 0 {
		return false
	}
	if side == "short" {
		return markPrice >= stopPrice
	}
	return markPrice <= stopPrice
}

// ProfitPct is the leveraged return on margin for a position.
func ProfitPct(side string, entryPrice, markPrice float64, leverage float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	move := (markPrice - entryPrice) / entryPrice
	if side == "short" {
		move = -move
	}
	if leverage <= 0 {
		leverage = 1
	}
	return move * leverage
}
