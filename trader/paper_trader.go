package trader

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/leo20251128/aigame/config"
	"github.com/leo20251128/aigame/market"
	"github.com/leo20251128/aigame/risk"
)

// PaperTrader is the simulated execution engine: fills at the current
// snapshot price, applies the configured fee rate, and mutates its portfolio
// synchronously. Deterministic given its inputs.
type PaperTrader struct {
	mu sync.RWMutex

	name           string
	cash           float64
	initialBalance float64
	realizedPnL    float64
	positions      map[string]*Position // key: SYMBOL_LONG / SYMBOL_SHORT
	trades         []Trade

	feeRate     float64
	maxSlippage float64
	cashBuffer  float64
}

func NewPaperTrader(name string, initialBalance float64, riskCfg config.RiskConfig) *PaperTrader {
	return &PaperTrader{
		name:           name,
		cash:           initialBalance,
		initialBalance: initialBalance,
		positions:      make(map[string]*Position),
		feeRate:        riskCfg.TradeFeeRate,
		maxSlippage:    riskCfg.MaxSlippagePct,
		cashBuffer:     riskCfg.CashBufferRatio,
	}
}

func (t *PaperTrader) Name() string { return t.name }

// Halted never fires for the simulated engine: there is no external ledger
// to diverge from.
func (t *PaperTrader) Halted() (bool, string) { return false, "" }

// GetAccount computes equity as cash + margin + unrealized P&L at current
// snapshot prices.
func (t *PaperTrader) GetAccount() (*AccountInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info := &AccountInfo{
		Available:     t.cash,
		RealizedPnL:   t.realizedPnL,
		PositionCount: len(t.positions),
	}
	for _, p := range t.positions {
		price := p.MarkPrice
		if data, err := market.Get(p.Symbol); err == nil {
			price = data.CurrentPrice
		}
		info.MarginUsed += p.Margin
		info.UnrealizedPnL += unrealized(p, price)
	}
	info.TotalEquity = t.cash + info.MarginUsed + info.UnrealizedPnL
	return info, nil
}

// GetPositions returns open positions refreshed with current mark prices.
func (t *PaperTrader) GetPositions() ([]Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		if data, err := market.Get(p.Symbol); err == nil {
			p.MarkPrice = data.CurrentPrice
			p.UnrealizedPnL = unrealized(p, data.CurrentPrice)
		}
		cp := *p
		cp.Ladder = append([]risk.LadderRule(nil), p.Ladder...)
		out = append(out, cp)
	}
	return out, nil
}

func (t *PaperTrader) OpenLong(symbol string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error) {
	return t.open(symbol, "long", params, refPrice)
}

func (t *PaperTrader) OpenShort(symbol string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error) {
	return t.open(symbol, "short", params, refPrice)
}

func (t *PaperTrader) open(symbol, side string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error) {
	data, err := market.Get(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}
	fill := data.CurrentPrice
	if fill <= 0 {
		return nil, fmt.Errorf("invalid price for %s", symbol)
	}

	if refPrice > 0 && math.Abs(fill-refPrice)/refPrice > t.maxSlippage {
		return nil, fmt.Errorf("%w: fill %.4f vs reference %.4f", ErrSlippageExceeded, fill, refPrice)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := positionKey(symbol, side)
	if _, exists := t.positions[key]; exists {
		return nil, fmt.Errorf("position %s already open", key)
	}

	fee := params.NotionalUSD * t.feeRate
	required := (params.MarginUSD + fee) * t.cashBuffer
	// Small tolerance avoids rejecting on float dust
	if t.cash+0.1 < required {
		return nil, fmt.Errorf("%w: need %.2f USDT (buffered), have %.2f", ErrMarginInsufficient, required, t.cash)
	}

	quantity := params.NotionalUSD / fill
	stop := fill * (1 - params.EffectiveStopPct)
	if side == "short" {
		stop = fill * (1 + params.EffectiveStopPct)
	}

	t.cash -= params.MarginUSD + fee
	t.positions[key] = &Position{
		Symbol:        symbol,
		Side:          side,
		Quantity:      quantity,
		EntryPrice:    fill,
		MarkPrice:     fill,
		Leverage:      params.Leverage,
		Margin:        params.MarginUSD,
		NotionalUSD:   params.NotionalUSD,
		StopLossPrice: stop,
		Ladder:        append([]risk.LadderRule(nil), params.Ladder...),
		OpenedAt:      time.Now(),
	}
	t.trades = append(t.trades, Trade{
		Timestamp: time.Now(),
		Symbol:    symbol,
		Side:      side,
		Action:    "open",
		Quantity:  quantity,
		Price:     fill,
		Fee:       fee,
	})

	log.Printf("📈 [%s] Opened %s %s: qty=%.6f @ %.4f, notional=%.2f, lev=%dx, stop=%.4f",
		t.name, side, symbol, quantity, fill, params.NotionalUSD, params.Leverage, stop)

	return &TradeResult{
		Symbol:      symbol,
		Side:        side,
		Action:      "open",
		Quantity:    quantity,
		Price:       fill,
		Fee:         fee,
		NotionalUSD: params.NotionalUSD,
	}, nil
}

// ClosePosition closes fraction of a position at the current price. A
// fraction at or above 1 closes it entirely.
func (t *PaperTrader) ClosePosition(symbol, side string, fraction float64, exitKind string) (*TradeResult, error) {
	if fraction <= 0 {
		return nil, fmt.Errorf("invalid close fraction %.2f", fraction)
	}
	if fraction > 1 {
		fraction = 1
	}

	data, err := market.Get(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(symbol, side, fraction, exitKind, data.CurrentPrice)
}

func (t *PaperTrader) closeLocked(symbol, side string, fraction float64, exitKind string, fill float64) (*TradeResult, error) {
	key := positionKey(symbol, side)
	p, exists := t.positions[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}

	quantity := p.Quantity * fraction
	fee := quantity * fill * t.feeRate
	// Notional is tracked at entry price; release the entry-priced share so
	// the remainder stays consistent with what sizing counts as open exposure.
	closedNotional := p.NotionalUSD * fraction

	var pnl float64
	if side == "short" {
		pnl = (p.EntryPrice - fill) * quantity
	} else {
		pnl = (fill - p.EntryPrice) * quantity
	}

	marginReleased := p.Margin * fraction
	t.cash += marginReleased + pnl - fee
	t.realizedPnL += pnl - fee

	if fraction >= 1 {
		delete(t.positions, key)
	} else {
		p.Quantity -= quantity
		p.Margin -= marginReleased
		p.NotionalUSD -= closedNotional
	}

	t.trades = append(t.trades, Trade{
		Timestamp:   time.Now(),
		Symbol:      symbol,
		Side:        side,
		Action:      "close",
		ExitKind:    exitKind,
		Quantity:    quantity,
		Price:       fill,
		Fee:         fee,
		RealizedPnL: pnl - fee,
	})

	log.Printf("📉 [%s] Closed %.0f%% of %s %s @ %.4f (%s): pnl=%+.2f fee=%.2f",
		t.name, fraction*100, side, symbol, fill, exitKind, pnl-fee, fee)

	return &TradeResult{
		Symbol:      symbol,
		Side:        side,
		Action:      "close",
		Quantity:    quantity,
		Price:       fill,
		Fee:         fee,
		RealizedPnL: pnl - fee,
		NotionalUSD: closedNotional,
	}, nil
}

// CloseAll attempts every open position independently. A position whose
// price fetch or close fails stays open and retryable; it never aborts the
// remaining closes.
func (t *PaperTrader) CloseAll(exitKind string) *CloseAllResult {
	t.mu.RLock()
	keys := make([][2]string, 0, len(t.positions))
	for _, p := range t.positions {
		keys = append(keys, [2]string{p.Symbol, p.Side})
	}
	t.mu.RUnlock()

	result := &CloseAllResult{Success: true}
	for _, k := range keys {
		res, err := t.ClosePosition(k[0], k[1], 1.0, exitKind)
		if err != nil {
			log.Printf("❌ [%s] close_all failed for %s %s: %v", t.name, k[1], k[0], err)
			result.Success = false
			result.Failed = append(result.Failed, FailedClose{Symbol: k[0], Side: k[1], Error: err.Error()})
			continue
		}
		result.Closed = append(result.Closed, ClosedPosition{Symbol: k[0], Side: k[1], PnL: res.RealizedPnL, Fee: res.Fee})
		result.TotalPnL += res.RealizedPnL
		result.TotalFees += res.Fee
	}
	return result
}

// MoveStopLoss repositions a position's stop, for trailing.
func (t *PaperTrader) MoveStopLoss(symbol, side string, price float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[positionKey(symbol, side)]
	if !ok {
		return false
	}
	p.StopLossPrice = price
	return true
}

// MarkLadderConsumed flags a take-profit rung as fired.
func (t *PaperTrader) MarkLadderConsumed(symbol, side string, ruleIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.positions[positionKey(symbol, side)]; ok {
		if ruleIndex >= 0 && ruleIndex < len(p.Ladder) {
			p.Ladder[ruleIndex].Consumed = true
		}
	}
}

// Trades returns a copy of the execution history.
func (t *PaperTrader) Trades() []Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Trade(nil), t.trades...)
}

func unrealized(p *Position, price float64) float64 {
	if p.Side == "short" {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}
