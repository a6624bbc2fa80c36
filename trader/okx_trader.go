package trader

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/leo20251128/aigame/exchange"
	"github.com/leo20251128/aigame/risk"
)

// positionOverlay is the local state the exchange does not carry for us:
// the stop price and the remaining take-profit ladder.
type positionOverlay struct {
	StopLossPrice float64
	Ladder        []risk.LadderRule
	Leverage      int
	OpenedAt      time.Time
}

// OKXTrader is the exchange-backed execution engine. The exchange is
// authoritative: every mutation is followed by a reconcile that overwrites
// local position state with what the exchange reports.
type OKXTrader struct {
	mu sync.RWMutex

	name   string
	client *exchange.Client

	overlays    map[string]*positionOverlay // key: SYMBOL_LONG / SYMBOL_SHORT
	trades      []Trade
	realizedPnL float64

	maxSlippage float64

	bootstrapped bool
	halted       bool
	haltReason   string
}

func NewOKXTrader(name string, client *exchange.Client, maxSlippage float64) *OKXTrader {
	return &OKXTrader{
		name:        name,
		client:      client,
		overlays:    make(map[string]*positionOverlay),
		maxSlippage: maxSlippage,
	}
}

func (t *OKXTrader) Name() string { return t.name }

// Halted reports the reconciliation-conflict pause. Only an operator resume
// clears it.
func (t *OKXTrader) Halted() (bool, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.halted, t.haltReason
}

// ResumeFromHalt clears a reconciliation pause after operator review.
func (t *OKXTrader) ResumeFromHalt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted {
		log.Printf("🟢 [%s] Reconciliation pause cleared by operator", t.name)
	}
	t.halted = false
	t.haltReason = ""
}

// Client exposes the adapter for the operator surface (URL switch, status).
func (t *OKXTrader) Client() *exchange.Client { return t.client }

func (t *OKXTrader) GetAccount() (*AccountInfo, error) {
	bal, err := t.client.GetBalance()
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	positions, err := t.GetPositions()
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	realized := t.realizedPnL
	t.mu.RUnlock()

	info := &AccountInfo{
		TotalEquity:   bal.TotalEquity,
		Available:     bal.Available,
		UnrealizedPnL: bal.UnrealizedPnL,
		RealizedPnL:   realized,
		PositionCount: len(positions),
	}
	for _, p := range positions {
		info.MarginUsed += p.Margin
	}
	return info, nil
}

// GetPositions reconciles against the exchange. Exchange-reported values
// overwrite local state; the stop/ladder overlay is reattached by key. An
// exchange position the ledger never opened (after bootstrap) is the one
// fatal condition: the engine pauses itself pending operator review.
func (t *OKXTrader) GetPositions() ([]Position, error) {
	exPositions, err := t.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Position, 0, len(exPositions))
	seen := make(map[string]bool)

	for _, ep := range exPositions {
		key := positionKey(ep.Coin, ep.Side)
		seen[key] = true

		ov, known := t.overlays[key]
		if !known {
			if t.bootstrapped {
				t.halted = true
				t.haltReason = fmt.Sprintf("exchange reports %s %s position the ledger never opened", ep.Side, ep.Coin)
				log.Printf("🚨 [%s] %v: %s, trading paused pending operator review", t.name, ErrReconcileConflict, t.haltReason)
			} else {
				log.Printf("ℹ️  [%s] Adopting pre-existing %s %s position from exchange", t.name, ep.Side, ep.Coin)
			}
			ov = &positionOverlay{Leverage: int(ep.Leverage), OpenedAt: ep.CreatedAt}
			t.overlays[key] = ov
		}

		out = append(out, Position{
			Symbol:        ep.Coin,
			Side:          ep.Side,
			Quantity:      ep.Quantity,
			EntryPrice:    ep.AvgPrice,
			MarkPrice:     ep.MarkPrice,
			Leverage:      ov.Leverage,
			Margin:        ep.Margin,
			NotionalUSD:   ep.Notional,
			UnrealizedPnL: ep.UnrealizedPnL,
			StopLossPrice: ov.StopLossPrice,
			Ladder:        append([]risk.LadderRule(nil), ov.Ladder...),
			OpenedAt:      ov.OpenedAt,
		})
	}

	// Positions the exchange no longer reports are gone (stop or TP filled
	// on-exchange); drop their overlays.
	for key := range t.overlays {
		if !seen[key] {
			delete(t.overlays, key)
		}
	}
	t.bootstrapped = true

	return out, nil
}

func (t *OKXTrader) OpenLong(symbol string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error) {
	return t.open(symbol, "long", params, refPrice)
}

func (t *OKXTrader) OpenShort(symbol string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error) {
	return t.open(symbol, "short", params, refPrice)
}

func (t *OKXTrader) open(symbol, side string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error) {
	if halted, reason := t.Halted(); halted {
		return nil, fmt.Errorf("%w: %s", ErrReconcileConflict, reason)
	}

	bal, err := t.client.GetBalance()
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	// Keep a margin buffer against fees and funding
	if params.MarginUSD > bal.Available*0.9 {
		return nil, fmt.Errorf("%w: need %.2f USDT margin, have %.2f available", ErrMarginInsufficient, params.MarginUSD, bal.Available)
	}

	contracts, err := t.client.ContractSize(symbol, params.NotionalUSD, refPrice)
	if err != nil {
		return nil, fmt.Errorf("failed to size contracts for %s: %w", symbol, err)
	}
	if contracts <= 0 {
		return nil, fmt.Errorf("notional %.2f USDT below minimum tradable size for %s", params.NotionalUSD, symbol)
	}

	if err := t.client.SetLeverage(symbol, params.Leverage, side); err != nil {
		return nil, fmt.Errorf("failed to set leverage for %s: %w", symbol, err)
	}

	orderSide := "buy"
	if side == "short" {
		orderSide = "sell"
	}
	order, err := t.client.PlaceOrder(exchange.OrderRequest{
		Coin:      symbol,
		Side:      orderSide,
		PosSide:   side,
		Contracts: contracts,
	})
	if err != nil {
		// Outright reject: nothing was written locally, nothing to roll back
		return nil, err
	}

	fill := order.FillPrice
	if fill > 0 && refPrice > 0 && math.Abs(fill-refPrice)/refPrice > t.maxSlippage {
		log.Printf("⚠️  [%s] %s fill slipped %.2f%% beyond limit (fill %.4f vs ref %.4f)",
			t.name, symbol, math.Abs(fill-refPrice)/refPrice*100, fill, refPrice)
	}
	if fill <= 0 {
		fill = refPrice
	}

	stop := fill * (1 - params.EffectiveStopPct)
	if side == "short" {
		stop = fill * (1 + params.EffectiveStopPct)
	}
	if err := t.client.SetStopLossTakeProfit(symbol, side, stop, 0); err != nil {
		log.Printf("⚠️  [%s] Failed to place exchange stop for %s %s: %v (local stop still enforced)", t.name, side, symbol, err)
	}

	key := positionKey(symbol, side)
	t.mu.Lock()
	t.overlays[key] = &positionOverlay{
		StopLossPrice: stop,
		Ladder:        append([]risk.LadderRule(nil), params.Ladder...),
		Leverage:      params.Leverage,
		OpenedAt:      time.Now(),
	}
	t.trades = append(t.trades, Trade{
		Timestamp: time.Now(),
		Symbol:    symbol,
		Side:      side,
		Action:    "open",
		Quantity:  order.FillSize,
		Price:     fill,
		Fee:       order.Fee,
	})
	t.mu.Unlock()

	// Reconcile: the exchange-reported position replaces whatever we think
	// we just opened, including partial fills recorded as-is.
	if _, err := t.GetPositions(); err != nil {
		log.Printf("⚠️  [%s] Post-fill reconcile failed for %s: %v", t.name, symbol, err)
	}

	log.Printf("📈 [%s] Opened %s %s: %.4f contracts @ %.4f, lev=%dx, stop=%.4f",
		t.name, side, symbol, order.FillSize, fill, params.Leverage, stop)

	return &TradeResult{
		Symbol:      symbol,
		Side:        side,
		Action:      "open",
		Quantity:    order.FillSize,
		Price:       fill,
		Fee:         order.Fee,
		NotionalUSD: params.NotionalUSD,
	}, nil
}

// ClosePosition closes fraction of a position. Full closes use the
// exchange's close-position endpoint; partial closes submit a reduce-only
// market order.
func (t *OKXTrader) ClosePosition(symbol, side string, fraction float64, exitKind string) (*TradeResult, error) {
	if fraction <= 0 {
		return nil, fmt.Errorf("invalid close fraction %.2f", fraction)
	}
	if fraction > 1 {
		fraction = 1
	}

	positions, err := t.GetPositions()
	if err != nil {
		return nil, err
	}
	var pos *Position
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].Side == side {
			pos = &positions[i]
			break
		}
	}
	if pos == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrPositionNotFound, side, symbol)
	}

	pnl := pos.UnrealizedPnL * fraction
	var fee float64

	if fraction >= 1 {
		if err := t.client.ClosePosition(symbol, side); err != nil {
			return nil, err
		}
	} else {
		inst, err := t.client.GetInstrument(symbol)
		if err != nil {
			return nil, err
		}
		contracts := pos.Quantity * fraction / inst.CtVal
		if inst.LotSz > 0 {
			contracts = math.Floor(contracts/inst.LotSz) * inst.LotSz
		}
		if contracts < inst.MinSz {
			return nil, fmt.Errorf("partial close of %s below minimum size", symbol)
		}
		orderSide := "sell"
		if side == "short" {
			orderSide = "buy"
		}
		order, err := t.client.PlaceOrder(exchange.OrderRequest{
			Coin:       symbol,
			Side:       orderSide,
			PosSide:    side,
			Contracts:  contracts,
			ReduceOnly: true,
		})
		if err != nil {
			return nil, err
		}
		fee = order.Fee
		if order.FillPrice > 0 {
			if side == "short" {
				pnl = (pos.EntryPrice - order.FillPrice) * pos.Quantity * fraction
			} else {
				pnl = (order.FillPrice - pos.EntryPrice) * pos.Quantity * fraction
			}
		}
	}

	t.mu.Lock()
	t.realizedPnL += pnl - fee
	t.trades = append(t.trades, Trade{
		Timestamp:   time.Now(),
		Symbol:      symbol,
		Side:        side,
		Action:      "close",
		ExitKind:    exitKind,
		Quantity:    pos.Quantity * fraction,
		Price:       pos.MarkPrice,
		Fee:         fee,
		RealizedPnL: pnl - fee,
	})
	t.mu.Unlock()

	// Reconcile so the ledger reflects the exchange's post-close truth
	if _, err := t.GetPositions(); err != nil {
		log.Printf("⚠️  [%s] Post-close reconcile failed for %s: %v", t.name, symbol, err)
	}

	log.Printf("📉 [%s] Closed %.0f%% of %s %s (%s): pnl=%+.2f",
		t.name, fraction*100, side, symbol, exitKind, pnl-fee)

	return &TradeResult{
		Symbol:      symbol,
		Side:        side,
		Action:      "close",
		Quantity:    pos.Quantity * fraction,
		Price:       pos.MarkPrice,
		Fee:         fee,
		RealizedPnL: pnl - fee,
		NotionalUSD: pos.NotionalUSD * fraction,
	}, nil
}

// CloseAll attempts every open position independently; a failure on one
// leaves it open and retryable without aborting the rest.
func (t *OKXTrader) CloseAll(exitKind string) *CloseAllResult {
	result := &CloseAllResult{Success: true}

	positions, err := t.GetPositions()
	if err != nil {
		log.Printf("❌ [%s] close_all could not list positions: %v", t.name, err)
		result.Success = false
		return result
	}

	for _, p := range positions {
		res, err := t.ClosePosition(p.Symbol, p.Side, 1.0, exitKind)
		if err != nil {
			log.Printf("❌ [%s] close_all failed for %s %s: %v", t.name, p.Side, p.Symbol, err)
			result.Success = false
			result.Failed = append(result.Failed, FailedClose{Symbol: p.Symbol, Side: p.Side, Error: err.Error()})
			continue
		}
		result.Closed = append(result.Closed, ClosedPosition{Symbol: p.Symbol, Side: p.Side, PnL: res.RealizedPnL, Fee: res.Fee})
		result.TotalPnL += res.RealizedPnL
		result.TotalFees += res.Fee
	}
	return result
}

// MoveStopLoss repositions a position's stop, for trailing. The exchange
// algo order is replaced on a best-effort basis; the local overlay always
// moves so the sweep enforces the new level.
func (t *OKXTrader) MoveStopLoss(symbol, side string, price float64) bool {
	t.mu.Lock()
	ov, ok := t.overlays[positionKey(symbol, side)]
	if ok {
		ov.StopLossPrice = price
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if err := t.client.SetStopLossTakeProfit(symbol, side, price, 0); err != nil {
		log.Printf("⚠️  [%s] Failed to move exchange stop for %s %s: %v", t.name, side, symbol, err)
	}
	return true
}

// MarkLadderConsumed flags a take-profit rung as fired.
func (t *OKXTrader) MarkLadderConsumed(symbol, side string, ruleIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ov, ok := t.overlays[positionKey(symbol, side)]; ok {
		if ruleIndex >= 0 && ruleIndex < len(ov.Ladder) {
			ov.Ladder[ruleIndex].Consumed = true
		}
	}
}

// Trades returns a copy of the execution history.
func (t *OKXTrader) Trades() []Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Trade(nil), t.trades...)
}
