package trader

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"github.com/leo20251128/aigame/risk"
)

// BinanceTrader executes on Binance USDT-margined futures. Same reconcile
// discipline as the OKX engine: the exchange is authoritative, the stop and
// ladder live in a local overlay.
type BinanceTrader struct {
	mu sync.RWMutex

	name   string
	client *futures.Client

	overlays    map[string]*positionOverlay
	trades      []Trade
	realizedPnL float64

	maxSlippage float64

	bootstrapped bool
	halted       bool
	haltReason   string

	// Account caches, refreshed at most every cacheDuration
	cachedAccount    *AccountInfo
	accountCacheTime time.Time
	cacheDuration    time.Duration

	// Multi-Assets Mode accounts reject per-side orders; detected lazily
	isMultiAssetsMode bool

	lastTimeSync time.Time

	precisions map[string]int
}

func NewBinanceTrader(name, apiKey, secretKey string, maxSlippage float64) *BinanceTrader {
	client := futures.NewClient(apiKey, secretKey)
	syncServerTime(client)

	return &BinanceTrader{
		name:          name,
		client:        client,
		overlays:      make(map[string]*positionOverlay),
		maxSlippage:   maxSlippage,
		cacheDuration: 15 * time.Second,
		precisions:    make(map[string]int),
	}
}

// syncServerTime measures the offset against Binance server time. The client
// library stamps requests itself; a large offset means the host clock needs
// fixing, so we only warn.
func syncServerTime(client *futures.Client) {
	serverTime, err := client.NewServerTimeService().Do(context.Background())
	if err != nil {
		log.Printf("⚠️  Failed to get Binance server time: %v (continuing without sync)", err)
		return
	}
	offset := serverTime - time.Now().UnixMilli()
	if offset > 1000 || offset < -1000 {
		log.Printf("⚠️  Clock offset vs Binance server: %d ms, sync your system clock", offset)
	} else {
		log.Printf("✓ Time synchronized with Binance server (offset: %d ms)", offset)
	}
}

// reSyncServerTime re-checks the clock after a timestamp error, at most once
// per minute.
func (t *BinanceTrader) reSyncServerTime() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Since(t.lastTimeSync) < time.Minute {
		return
	}
	t.lastTimeSync = time.Now()
	log.Printf("🔄 Re-syncing with Binance server time after timestamp error...")
	syncServerTime(t.client)
}

func isTimestampError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "-1021") || strings.Contains(msg, "recvWindow") || strings.Contains(msg, "timestamp")
}

func (t *BinanceTrader) Name() string { return t.name }

func (t *BinanceTrader) Halted() (bool, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.halted, t.haltReason
}

// ResumeFromHalt clears a reconciliation pause after operator review.
func (t *BinanceTrader) ResumeFromHalt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted {
		log.Printf("🟢 [%s] Reconciliation pause cleared by operator", t.name)
	}
	t.halted = false
	t.haltReason = ""
}

// binanceSymbol maps a bare coin to its USDT-margined contract symbol.
func binanceSymbol(coin string) string {
	return strings.ToUpper(coin) + "USDT"
}

func coinFromBinance(symbol string) string {
	return strings.TrimSuffix(symbol, "USDT")
}

func (t *BinanceTrader) GetAccount() (*AccountInfo, error) {
	t.mu.RLock()
	if t.cachedAccount != nil && time.Since(t.accountCacheTime) < t.cacheDuration {
		cached := *t.cachedAccount
		t.mu.RUnlock()
		return &cached, nil
	}
	t.mu.RUnlock()

	account, err := t.client.NewGetAccountService().Do(context.Background())
	if err != nil {
		if isTimestampError(err) {
			t.reSyncServerTime()
			account, err = t.client.NewGetAccountService().Do(context.Background())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get account info: %w", err)
		}
	}

	wallet, _ := strconv.ParseFloat(account.TotalWalletBalance, 64)
	available, _ := strconv.ParseFloat(account.AvailableBalance, 64)
	unrealized, _ := strconv.ParseFloat(account.TotalUnrealizedProfit, 64)
	marginUsed, _ := strconv.ParseFloat(account.TotalPositionInitialMargin, 64)

	t.mu.Lock()
	info := &AccountInfo{
		TotalEquity:   wallet + unrealized,
		Available:     available,
		MarginUsed:    marginUsed,
		UnrealizedPnL: unrealized,
		RealizedPnL:   t.realizedPnL,
		PositionCount: len(t.overlays),
	}
	t.cachedAccount = info
	t.accountCacheTime = time.Now()
	t.mu.Unlock()

	cached := *info
	return &cached, nil
}

// GetPositions reconciles against the exchange, mirroring the OKX engine:
// adopt on bootstrap, pause on a position the ledger never opened.
func (t *BinanceTrader) GetPositions() ([]Position, error) {
	raw, err := t.client.NewGetPositionRiskService().Do(context.Background())
	if err != nil {
		if isTimestampError(err) {
			t.reSyncServerTime()
			raw, err = t.client.NewGetPositionRiskService().Do(context.Background())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query positions: %w", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Position, 0, len(raw))
	seen := make(map[string]bool)

	for _, rp := range raw {
		amt, _ := strconv.ParseFloat(rp.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}

		coin := coinFromBinance(rp.Symbol)
		key := positionKey(coin, side)
		seen[key] = true

		entry, _ := strconv.ParseFloat(rp.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(rp.MarkPrice, 64)
		upnl, _ := strconv.ParseFloat(rp.UnRealizedProfit, 64)
		lev, _ := strconv.ParseFloat(rp.Leverage, 64)

		ov, known := t.overlays[key]
		if !known {
			if t.bootstrapped {
				t.halted = true
				t.haltReason = fmt.Sprintf("exchange reports %s %s position the ledger never opened", side, coin)
				log.Printf("🚨 [%s] %v: %s, trading paused pending operator review", t.name, ErrReconcileConflict, t.haltReason)
			} else {
				log.Printf("ℹ️  [%s] Adopting pre-existing %s %s position from exchange", t.name, side, coin)
			}
			ov = &positionOverlay{Leverage: int(lev), OpenedAt: time.Now()}
			t.overlays[key] = ov
		}

		notional := amt * mark
		margin := 0.0
		if lev > 0 {
			margin = notional / lev
		}

		out = append(out, Position{
			Symbol:        coin,
			Side:          side,
			Quantity:      amt,
			EntryPrice:    entry,
			MarkPrice:     mark,
			Leverage:      ov.Leverage,
			Margin:        margin,
			NotionalUSD:   notional,
			UnrealizedPnL: upnl,
			StopLossPrice: ov.StopLossPrice,
			Ladder:        append([]risk.LadderRule(nil), ov.Ladder...),
			OpenedAt:      ov.OpenedAt,
		})
	}

	for key := range t.overlays {
		if !seen[key] {
			delete(t.overlays, key)
		}
	}
	t.bootstrapped = true

	return out, nil
}

func (t *BinanceTrader) OpenLong(symbol string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error) {
	return t.open(symbol, "long", params, refPrice)
}

func (t *BinanceTrader) OpenShort(symbol string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error) {
	return t.open(symbol, "short", params, refPrice)
}

func (t *BinanceTrader) open(symbol, side string, params *risk.TradeParameters, refPrice float64) (*TradeResult, error) {
	if halted, reason := t.Halted(); halted {
		return nil, fmt.Errorf("%w: %s", ErrReconcileConflict, reason)
	}

	account, err := t.GetAccount()
	if err != nil {
		return nil, err
	}
	if params.MarginUSD > account.Available*0.9 {
		return nil, fmt.Errorf("%w: need %.2f USDT margin, have %.2f available", ErrMarginInsufficient, params.MarginUSD, account.Available)
	}

	pair := binanceSymbol(symbol)

	price, err := t.marketPrice(pair)
	if err != nil {
		return nil, err
	}
	if refPrice > 0 && math.Abs(price-refPrice)/refPrice > t.maxSlippage {
		return nil, fmt.Errorf("%w: market %.4f vs reference %.4f", ErrSlippageExceeded, price, refPrice)
	}

	// Clear any stale stop or take-profit orders from an earlier position
	if err := t.cancelAllOrders(pair); err != nil {
		log.Printf("  ⚠ [%s] Failed to cancel stale orders for %s: %v", t.name, pair, err)
	}

	if err := t.setLeverage(pair, params.Leverage); err != nil {
		return nil, err
	}

	quantity := params.NotionalUSD / price
	quantityStr, err := t.formatQuantity(pair, quantity)
	if err != nil {
		return nil, err
	}

	orderSide := futures.SideTypeBuy
	posSide := futures.PositionSideTypeLong
	if side == "short" {
		orderSide = futures.SideTypeSell
		posSide = futures.PositionSideTypeShort
	}

	order, err := t.placeMarketOrder(pair, orderSide, posSide, quantityStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s position: %w", side, err)
	}

	stop := price * (1 - params.EffectiveStopPct)
	if side == "short" {
		stop = price * (1 + params.EffectiveStopPct)
	}
	t.setStopLoss(pair, side, stop)

	qty, _ := strconv.ParseFloat(quantityStr, 64)
	fee := params.NotionalUSD * 0.0005 // Binance taker fee estimate

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
		Quantity:  qty,
		Price:     price,
		Fee:       fee,
	})
	t.cachedAccount = nil
	t.mu.Unlock()

	if _, err := t.GetPositions(); err != nil {
		log.Printf("⚠️  [%s] Post-fill reconcile failed for %s: %v", t.name, symbol, err)
	}

	log.Printf("📈 [%s] Opened %s %s: qty=%s @ %.4f, lev=%dx, stop=%.4f (order %d)",
		t.name, side, symbol, quantityStr, price, params.Leverage, stop, order.OrderID)

	return &TradeResult{
		Symbol:      symbol,
		Side:        side,
		Action:      "open",
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
		NotionalUSD: params.NotionalUSD,
	}, nil
}

func (t *BinanceTrader) ClosePosition(symbol, side string, fraction float64, exitKind string) (*TradeResult, error) {
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

	pair := binanceSymbol(symbol)
	quantity := pos.Quantity * fraction
	quantityStr, err := t.formatQuantity(pair, quantity)
	if err != nil {
		return nil, err
	}

	orderSide := futures.SideTypeSell
	posSide := futures.PositionSideTypeLong
	if side == "short" {
		orderSide = futures.SideTypeBuy
		posSide = futures.PositionSideTypeShort
	}

	if _, err := t.placeMarketOrder(pair, orderSide, posSide, quantityStr); err != nil {
		return nil, fmt.Errorf("failed to close %s position: %w", side, err)
	}

	if fraction >= 1 {
		// Stop and take-profit orders are now orphaned
		if err := t.cancelAllOrders(pair); err != nil {
			log.Printf("  ⚠ [%s] Failed to cancel orders for %s: %v", t.name, pair, err)
		}
	}

	pnl := pos.UnrealizedPnL * fraction
	fee := quantity * pos.MarkPrice * 0.0005

	t.mu.Lock()
	t.realizedPnL += pnl - fee
	t.trades = append(t.trades, Trade{
		Timestamp:   time.Now(),
		Symbol:      symbol,
		Side:        side,
		Action:      "close",
		ExitKind:    exitKind,
		Quantity:    quantity,
		Price:       pos.MarkPrice,
		Fee:         fee,
		RealizedPnL: pnl - fee,
	})
	t.cachedAccount = nil
	t.mu.Unlock()

	if _, err := t.GetPositions(); err != nil {
		log.Printf("⚠️  [%s] Post-close reconcile failed for %s: %v", t.name, symbol, err)
	}

	log.Printf("📉 [%s] Closed %.0f%% of %s %s (%s): pnl=%+.2f",
		t.name, fraction*100, side, symbol, exitKind, pnl-fee)

	return &TradeResult{
		Symbol:      symbol,
		Side:        side,
		Action:      "close",
		Quantity:    quantity,
		Price:       pos.MarkPrice,
		Fee:         fee,
		RealizedPnL: pnl - fee,
		NotionalUSD: pos.NotionalUSD * fraction,
	}, nil
}

// CloseAll attempts every open position independently; one failure never
// aborts the rest.
func (t *BinanceTrader) CloseAll(exitKind string) *CloseAllResult {
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
// order is replaced on a best-effort basis; the local overlay always moves.
func (t *BinanceTrader) MoveStopLoss(symbol, side string, price float64) bool {
	t.mu.Lock()
	ov, ok := t.overlays[positionKey(symbol, side)]
	if ok {
		ov.StopLossPrice = price
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	pair := binanceSymbol(symbol)
	if err := t.cancelAllOrders(pair); err != nil {
		log.Printf("  ⚠ [%s] Failed to cancel old stop for %s: %v", t.name, pair, err)
	}
	t.setStopLoss(pair, side, price)
	return true
}

// MarkLadderConsumed flags a take-profit rung as fired.
func (t *BinanceTrader) MarkLadderConsumed(symbol, side string, ruleIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ov, ok := t.overlays[positionKey(symbol, side)]; ok {
		if ruleIndex >= 0 && ruleIndex < len(ov.Ladder) {
			ov.Ladder[ruleIndex].Consumed = true
		}
	}
}

// Trades returns a copy of the execution history.
func (t *BinanceTrader) Trades() []Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Trade(nil), t.trades...)
}

// placeMarketOrder submits a market order, falling back to PositionSideBoth
// when the account turns out to run Multi-Assets Mode (error -4061).
func (t *BinanceTrader) placeMarketOrder(pair string, side futures.SideType, posSide futures.PositionSideType, quantity string) (*futures.CreateOrderResponse, error) {
	t.mu.RLock()
	if t.isMultiAssetsMode {
		posSide = futures.PositionSideTypeBoth
	}
	t.mu.RUnlock()

	order, err := t.client.NewCreateOrderService().
		Symbol(pair).
		Side(side).
		PositionSide(posSide).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		Do(context.Background())
	if err != nil && (strings.Contains(err.Error(), "-4061") || strings.Contains(err.Error(), "position side does not match")) {
		log.Printf("  ⚠ [%s] Detected Multi-Assets Mode, retrying with position side BOTH", t.name)
		t.mu.Lock()
		t.isMultiAssetsMode = true
		t.mu.Unlock()
		order, err = t.client.NewCreateOrderService().
			Symbol(pair).
			Side(side).
			PositionSide(futures.PositionSideTypeBoth).
			Type(futures.OrderTypeMarket).
			Quantity(quantity).
			Do(context.Background())
	}
	return order, err
}

// setLeverage skips the API call when the position already carries the target
// leverage; Binance rate-limits leverage changes.
func (t *BinanceTrader) setLeverage(pair string, leverage int) error {
	_, err := t.client.NewChangeLeverageService().
		Symbol(pair).
		Leverage(leverage).
		Do(context.Background())
	if err != nil {
		if strings.Contains(err.Error(), "No need to change") {
			return nil
		}
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	log.Printf("  ✓ %s leverage set to %dx", pair, leverage)
	return nil
}

// setStopLoss places a close-position stop-market order. Failure is a
// warning, not a trade failure: the cycle loop enforces the stop locally.
func (t *BinanceTrader) setStopLoss(pair, side string, stopPrice float64) {
	orderSide := futures.SideTypeSell
	posSide := futures.PositionSideTypeLong
	if side == "short" {
		orderSide = futures.SideTypeBuy
		posSide = futures.PositionSideTypeShort
	}
	t.mu.RLock()
	if t.isMultiAssetsMode {
		posSide = futures.PositionSideTypeBoth
	}
	t.mu.RUnlock()

	_, err := t.client.NewCreateOrderService().
		Symbol(pair).
		Side(orderSide).
		PositionSide(posSide).
		Type(futures.OrderTypeStopMarket).
		StopPrice(fmt.Sprintf("%.8f", stopPrice)).
		WorkingType(futures.WorkingTypeContractPrice).
		ClosePosition(true).
		Do(context.Background())
	if err != nil {
		log.Printf("  ⚠ Failed to set stop loss for %s: %v (position remains open)", pair, err)
		return
	}
	log.Printf("  ✓ %s stop loss set: %.4f", pair, stopPrice)
}

func (t *BinanceTrader) cancelAllOrders(pair string) error {
	return t.client.NewCancelAllOpenOrdersService().Symbol(pair).Do(context.Background())
}

func (t *BinanceTrader) marketPrice(pair string) (float64, error) {
	prices, err := t.client.NewListPricesService().Symbol(pair).Do(context.Background())
	if err != nil {
		return 0, fmt.Errorf("failed to get price for %s: %w", pair, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("price not found for %s", pair)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

// formatQuantity rounds the quantity down to the contract's step-size
// precision. Precision per pair is looked up once and cached.
func (t *BinanceTrader) formatQuantity(pair string, quantity float64) (string, error) {
	t.mu.RLock()
	precision, ok := t.precisions[pair]
	t.mu.RUnlock()

	if !ok {
		precision = 3
		info, err := t.client.NewExchangeInfoService().Do(context.Background())
		if err != nil {
			return "", fmt.Errorf("failed to get exchange info: %w", err)
		}
		for _, s := range info.Symbols {
			if s.Symbol != pair {
				continue
			}
			for _, filter := range s.Filters {
				if filter["filterType"] == "LOT_SIZE" {
					if step, ok := filter["stepSize"].(string); ok {
						precision = stepPrecision(step)
					}
				}
			}
		}
		t.mu.Lock()
		t.precisions[pair] = precision
		t.mu.Unlock()
	}

	scale := math.Pow10(precision)
	rounded := math.Floor(quantity*scale) / scale
	return strconv.FormatFloat(rounded, 'f', precision, 64), nil
}

// stepPrecision counts significant decimals in a step size like "0.001".
func stepPrecision(step string) int {
	step = strings.TrimRight(step, "0")
	dot := strings.Index(step, ".")
	if dot == -1 || dot == len(step)-1 {
		return 0
	}
	return len(step) - dot - 1
}
