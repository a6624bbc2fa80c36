package trader

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/leo20251128/aigame/breaker"
	"github.com/leo20251128/aigame/config"
	"github.com/leo20251128/aigame/decision"
	"github.com/leo20251128/aigame/exchange"
	"github.com/leo20251128/aigame/logger"
	"github.com/leo20251128/aigame/market"
	"github.com/leo20251128/aigame/mcp"
	"github.com/leo20251128/aigame/pool"
	"github.com/leo20251128/aigame/risk"
)

// Position age limits. Trailing moves the stop to breakeven once a position
// has aged in profit; sideways and force-close exits cap total holding time.
const (
	trailingAfter   = 8 * time.Hour
	sidewaysAfter   = 12 * time.Hour
	forceCloseAfter = 48 * time.Hour

	sidewaysBandPct = 0.01 // leveraged return inside ±1% counts as sideways
)

// AutoTrader runs the full decision pipeline for one account: market context,
// model call, validation, risk sizing, execution, and persistence. All shared
// state is mutated only from the cycle goroutine.
type AutoTrader struct {
	id         string
	name       string
	aiModel    string
	engineName string

	traderCfg config.TraderConfig
	riskCfg   config.RiskConfig

	engine         Trader
	decider        *decision.Engine
	riskMgr        *risk.Manager
	accountBreaker *breaker.Breaker
	decisionLogger *logger.DecisionLogger
	exClient       *exchange.Client // nil except for the OKX engine

	initialBalance float64

	mu            sync.RWMutex
	cooldownUntil map[string]time.Time
	paused        bool
	pauseReason   string
	isRunning     bool
	startTime     time.Time
	lastCycleAt   time.Time
	tradesSynced  int // trades already persisted from engine.Trades()

	stopCh     chan struct{}
	healthStop chan struct{}
}

// NewAutoTrader wires one trader from its config sections.
func NewAutoTrader(traderCfg config.TraderConfig, riskCfg config.RiskConfig, safetyCfg config.SafetyConfig, exCfg config.ExchangeConfig) (*AutoTrader, error) {
	mcpClient := mcp.New()
	switch traderCfg.AIModel {
	case "custom":
		mcpClient.SetCustomAPI(traderCfg.CustomAPIURL, traderCfg.CustomAPIKey, traderCfg.CustomModelName)
		log.Printf("🤖 [%s] Using custom AI API: %s (model: %s)", traderCfg.Name, traderCfg.CustomAPIURL, traderCfg.CustomModelName)
	case "qwen":
		mcpClient.SetQwenAPIKey(traderCfg.QwenKey)
		log.Printf("🤖 [%s] Using Qwen AI", traderCfg.Name)
	case "deepseek":
		mcpClient.SetDeepSeekAPIKey(traderCfg.DeepSeekKey)
		log.Printf("🤖 [%s] Using DeepSeek AI", traderCfg.Name)
	default:
		mcpClient.SetGroqAPIKey(traderCfg.GroqKey, traderCfg.GroqModel)
		log.Printf("🤖 [%s] Using Groq AI", traderCfg.Name)
	}

	at := &AutoTrader{
		id:             traderCfg.ID,
		name:           traderCfg.Name,
		aiModel:        traderCfg.AIModel,
		engineName:     traderCfg.Engine,
		traderCfg:      traderCfg,
		riskCfg:        riskCfg,
		decider:        decision.NewEngine(mcpClient, riskCfg.MinConfidence),
		riskMgr:        risk.NewManager(riskCfg),
		cooldownUntil:  make(map[string]time.Time),
		initialBalance: traderCfg.InitialBalance,
		stopCh:         make(chan struct{}),
	}

	logDir := fmt.Sprintf("decision_logs/%s", traderCfg.ID)
	at.decisionLogger = logger.NewDecisionLogger(logDir)

	// Keep the P&L baseline stable across restarts
	if first, err := at.decisionLogger.GetFirstRecord(); err == nil && first != nil && first.AccountState.TotalEquity > 0 {
		at.initialBalance = first.AccountState.TotalEquity
		log.Printf("✅ [%s] Restored baseline equity from cycle #%d: %.2f USDT", traderCfg.Name, first.CycleNumber, at.initialBalance)
	}

	switch traderCfg.Engine {
	case "okx":
		log.Printf("🏦 [%s] Using OKX perpetual futures", traderCfg.Name)
		client := exchange.New(exCfg, exchange.Credentials{
			APIKey:     traderCfg.OKXAPIKey,
			SecretKey:  traderCfg.OKXSecretKey,
			Passphrase: traderCfg.OKXPassphrase,
		}, traderCfg.OKXDemoMode)
		at.exClient = client
		at.healthStop = make(chan struct{})
		client.StartHealthLoop(time.Duration(exCfg.HealthCheckSeconds)*time.Second, at.healthStop)
		at.engine = NewOKXTrader(traderCfg.Name, client, riskCfg.MaxSlippagePct)
	case "binance":
		log.Printf("🏦 [%s] Using Binance USDT-margined futures", traderCfg.Name)
		at.engine = NewBinanceTrader(traderCfg.Name, traderCfg.BinanceAPIKey, traderCfg.BinanceSecretKey, riskCfg.MaxSlippagePct)
	case "paper", "simulate", "demo":
		log.Printf("📊 [%s] Using simulated trading", traderCfg.Name)
		at.engine = NewPaperTrader(traderCfg.Name, at.initialBalance, riskCfg)
	default:
		return nil, fmt.Errorf("unsupported engine: %s", traderCfg.Engine)
	}

	at.accountBreaker = breaker.New(safetyCfg, at.initialBalance)
	return at, nil
}

func (at *AutoTrader) GetID() string                             { return at.id }
func (at *AutoTrader) GetName() string                           { return at.name }
func (at *AutoTrader) GetAIModel() string                        { return at.aiModel }
func (at *AutoTrader) GetEngineName() string                     { return at.engineName }
func (at *AutoTrader) GetDecisionLogger() *logger.DecisionLogger { return at.decisionLogger }
func (at *AutoTrader) GetInitialBalance() float64                { return at.initialBalance }

// ExchangeClient returns the REST adapter, nil for non-OKX engines.
func (at *AutoTrader) ExchangeClient() *exchange.Client { return at.exClient }

func (at *AutoTrader) IsRunning() bool {
	at.mu.RLock()
	defer at.mu.RUnlock()
	return at.isRunning
}

// Run drives the cycle loop until Stop is called. A cycle failure is logged
// and the loop continues with the next tick.
func (at *AutoTrader) Run() error {
	at.mu.Lock()
	at.isRunning = true
	at.startTime = time.Now()
	at.mu.Unlock()

	interval := at.traderCfg.GetCycleInterval()
	log.Printf("[%s] 🚀 AI trading pipeline started (engine: %s, interval: %v)", at.name, at.engineName, interval)
	log.Printf("[%s] 💰 Baseline equity: %.2f USDT", at.name, at.initialBalance)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := at.runCycle(); err != nil {
		log.Printf("[%s] ❌ First cycle failed: %v", at.name, err)
	}

	for {
		select {
		case <-ticker.C:
			if err := at.runCycle(); err != nil {
				log.Printf("[%s] ❌ Cycle failed: %v (next attempt in %v)", at.name, err, interval)
			}
		case <-at.stopCh:
			log.Printf("[%s] ⏹ Trading pipeline stopped", at.name)
			return nil
		}
	}
}

// Stop ends the cycle loop and the exchange health probe.
func (at *AutoTrader) Stop() {
	at.mu.Lock()
	defer at.mu.Unlock()
	if !at.isRunning {
		return
	}
	at.isRunning = false
	close(at.stopCh)
	if at.healthStop != nil {
		close(at.healthStop)
	}
}

// EmergencyStop pauses the pipeline and optionally flattens the book. Closes
// run even while paused.
func (at *AutoTrader) EmergencyStop(closePositions bool) *CloseAllResult {
	at.mu.Lock()
	at.paused = true
	at.pauseReason = "emergency stop"
	at.mu.Unlock()

	log.Printf("🚨 [%s] EMERGENCY STOP (close positions: %v)", at.name, closePositions)
	at.accountBreaker.Trip("emergency stop requested by operator")

	if !closePositions {
		return nil
	}
	result := at.engine.CloseAll(ExitEmergency)
	at.syncTrades()
	return result
}

// ResumeTrading clears the pause, the breaker trip, and any reconciliation
// halt. Still-breached thresholds re-trip on the next evaluation.
func (at *AutoTrader) ResumeTrading() {
	at.mu.Lock()
	at.paused = false
	at.pauseReason = ""
	at.mu.Unlock()

	at.accountBreaker.Resume()
	if resumable, ok := at.engine.(interface{ ResumeFromHalt() }); ok {
		resumable.ResumeFromHalt()
	}
	log.Printf("🟢 [%s] Trading resumed by operator", at.name)
}

// CloseAllPositions flattens the book on operator request.
func (at *AutoTrader) CloseAllPositions() *CloseAllResult {
	log.Printf("🔻 [%s] Manual close_all requested", at.name)
	result := at.engine.CloseAll(ExitManual)
	at.startCooldowns(result)
	at.syncTrades()
	return result
}

// CloseOnePosition closes a single position on operator request.
func (at *AutoTrader) CloseOnePosition(symbol, side string) (*TradeResult, error) {
	res, err := at.engine.ClosePosition(strings.ToUpper(symbol), strings.ToLower(side), 1.0, ExitManual)
	if err == nil {
		at.setCooldown(strings.ToUpper(symbol))
		at.syncTrades()
	}
	return res, err
}

// GetAccountInfo exposes the engine account for the control surface.
func (at *AutoTrader) GetAccountInfo() (*AccountInfo, error) { return at.engine.GetAccount() }

// GetPositions exposes the engine positions for the control surface.
func (at *AutoTrader) GetPositions() ([]Position, error) { return at.engine.GetPositions() }

// BreakerState exposes the safety breaker snapshot.
func (at *AutoTrader) BreakerState() breaker.State { return at.accountBreaker.Snapshot() }

// Status summarizes the trader for the status endpoint.
func (at *AutoTrader) Status() map[string]interface{} {
	at.mu.RLock()
	defer at.mu.RUnlock()

	halted, haltReason := at.engine.Halted()
	status := map[string]interface{}{
		"trader_id":       at.id,
		"trader_name":     at.name,
		"ai_model":        at.aiModel,
		"engine":          at.engineName,
		"is_running":      at.isRunning,
		"paused":          at.paused,
		"pause_reason":    at.pauseReason,
		"halted":          halted,
		"halt_reason":     haltReason,
		"cycle_number":    at.decisionLogger.CycleNumber(),
		"last_cycle_at":   at.lastCycleAt,
		"uptime_minutes":  int(time.Since(at.startTime).Minutes()),
		"initial_balance": at.initialBalance,
		"breaker":         at.accountBreaker.Snapshot(),
	}
	if at.exClient != nil {
		status["exchange"] = at.exClient.ConnectionStatus()
	}
	cooldowns := map[string]string{}
	now := time.Now()
	for coin, until := range at.cooldownUntil {
		if until.After(now) {
			cooldowns[coin] = until.Format(time.RFC3339)
		}
	}
	status["cooldowns"] = cooldowns
	return status
}

// runCycle executes one full decision cycle.
func (at *AutoTrader) runCycle() error {
	cycle := at.decisionLogger.NextCycleNumber()

	log.Printf("\n[%s] %s", at.name, strings.Repeat("=", 70))
	log.Printf("[%s] ⏰ %s - Decision Cycle #%d", at.name, time.Now().Format("2006-01-02 15:04:05"), cycle)
	log.Printf("[%s] %s", at.name, strings.Repeat("=", 70))

	at.mu.Lock()
	at.lastCycleAt = time.Now()
	paused, pauseReason := at.paused, at.pauseReason
	at.mu.Unlock()

	record := &logger.DecisionRecord{
		CycleNumber:  cycle,
		ExecutionLog: []string{},
		Success:      true,
	}

	if paused {
		log.Printf("[%s] ⏸ Pipeline paused (%s), skipping cycle", at.name, pauseReason)
		record.Success = false
		record.ErrorMessage = fmt.Sprintf("paused: %s", pauseReason)
		at.decisionLogger.LogDecision(record)
		return nil
	}
	if halted, reason := at.engine.Halted(); halted {
		log.Printf("[%s] 🚨 Engine halted pending operator review: %s", at.name, reason)
		record.Success = false
		record.ErrorMessage = fmt.Sprintf("engine halted: %s", reason)
		at.decisionLogger.LogDecision(record)
		return nil
	}

	// Protective exits run before the model call so stops never wait on a
	// slow or failed AI response.
	at.sweepPositions(record)

	account, err := at.engine.GetAccount()
	if err != nil {
		record.Success = false
		record.ErrorMessage = fmt.Sprintf("failed to get account: %v", err)
		at.decisionLogger.LogDecision(record)
		return fmt.Errorf("failed to get account: %w", err)
	}
	at.accountBreaker.UpdateEquity(account.TotalEquity)

	ctx, positions, err := at.buildContext(cycle, account)
	if err != nil {
		record.Success = false
		record.ErrorMessage = fmt.Sprintf("failed to build context: %v", err)
		at.decisionLogger.LogDecision(record)
		return fmt.Errorf("failed to build context: %w", err)
	}

	record.AccountState = accountSnapshot(account)
	record.Positions = positionSnapshots(positions)
	record.CandidateCoins = ctx.Coins
	record.BreakerState = breakerStateLabel(at.accountBreaker.Snapshot())

	log.Printf("📊 Equity: %.2f USDT | Available: %.2f | Unrealized: %+.2f | Positions: %d",
		account.TotalEquity, account.Available, account.UnrealizedPnL, account.PositionCount)

	log.Println("🤖 Requesting AI analysis and decision...")
	full := at.decider.GetFullDecision(ctx)

	record.InputPrompt = full.UserPrompt
	record.CoTTrace = full.CoTTrace
	record.RawResponse = full.RawResponse
	if len(full.Decisions) > 0 {
		if data, err := json.MarshalIndent(full.Decisions, "", "  "); err == nil {
			record.DecisionJSON = string(data)
		}
	}

	at.decisionLogger.LogConversation(&logger.ConversationRecord{
		CycleNumber: cycle,
		SystemHash:  promptHash(full.UserPrompt),
		UserPrompt:  full.UserPrompt,
		Response:    full.RawResponse,
	})

	if full.CoTTrace != "" {
		log.Printf("\n%s", strings.Repeat("-", 70))
		log.Println("💭 AI Chain of Thought:")
		log.Println(full.CoTTrace)
		log.Printf("%s\n", strings.Repeat("-", 70))
	}

	log.Printf("📋 Decision list (%d items):", len(full.Decisions))
	for i, d := range full.Decisions {
		log.Printf("  [%d] %s: %s (confidence %.2f) - %s", i+1, d.Symbol, d.Action, d.Confidence, d.Reasoning)
	}

	at.executeDecisions(full.Decisions, positions, account, record)

	// Refresh state after execution so the record reflects this cycle's fills
	if refreshed, err := at.engine.GetAccount(); err == nil {
		account = refreshed
		record.AccountState = accountSnapshot(account)
		at.accountBreaker.UpdateEquity(account.TotalEquity)
	}
	if refreshedPositions, err := at.engine.GetPositions(); err == nil {
		record.Positions = positionSnapshots(refreshedPositions)
		record.AccountState.PositionCount = len(refreshedPositions)
	}
	record.BreakerState = breakerStateLabel(at.accountBreaker.Snapshot())

	at.syncTrades()
	at.decisionLogger.LogEquity(account.TotalEquity)
	if err := at.decisionLogger.LogDecision(record); err != nil {
		log.Printf("⚠ Failed to save decision record: %v", err)
	}

	log.Printf("[%s] ✅ Cycle #%d complete", at.name, cycle)
	return nil
}

// sweepPositions enforces stops, the take-profit ladder, and holding-time
// limits against current marks.
func (at *AutoTrader) sweepPositions(record *logger.DecisionRecord) {
	positions, err := at.engine.GetPositions()
	if err != nil {
		log.Printf("⚠️  [%s] Position sweep skipped, cannot list positions: %v", at.name, err)
		return
	}

	for _, p := range positions {
		data, err := market.Get(p.Symbol)
		if err != nil {
			continue
		}
		mark := data.CurrentPrice
		profitPct := risk.ProfitPct(p.Side, p.EntryPrice, mark, float64(p.Leverage))
		held := time.Since(p.OpenedAt)

		switch {
		case risk.StopLossHit(p.Side, mark, p.StopLossPrice):
			log.Printf("🛑 [%s] Stop loss hit: %s %s mark=%.4f stop=%.4f", at.name, p.Side, p.Symbol, mark, p.StopLossPrice)
			at.closeForProtection(p, 1.0, ExitStopLoss, record)

		case p.OpenedAt.IsZero():
			// Adopted position with no local age, skip time management

		case held >= forceCloseAfter:
			log.Printf("⏳ [%s] Position %s %s held %.1fh, force closing", at.name, p.Side, p.Symbol, held.Hours())
			at.closeForProtection(p, 1.0, ExitTimeLimit, record)

		case held >= sidewaysAfter && profitPct > -sidewaysBandPct && profitPct < sidewaysBandPct:
			log.Printf("⏳ [%s] Position %s %s sideways for %.1fh, closing", at.name, p.Side, p.Symbol, held.Hours())
			at.closeForProtection(p, 1.0, ExitTimeLimit, record)

		default:
			if action := at.riskMgr.CheckTakeProfit(profitPct, p.Ladder); action != nil {
				exitKind := ExitTakeProfit
				if action.QuickProfit {
					exitKind = ExitQuickProfit
					log.Printf("🎯 [%s] Quick profit %.1f%% on %s %s, closing fully", at.name, profitPct*100, p.Side, p.Symbol)
				} else {
					log.Printf("🎯 [%s] Take profit rung %d on %s %s (%.1f%%), closing %.0f%%",
						at.name, action.RuleIndex, p.Side, p.Symbol, profitPct*100, action.CloseFraction*100)
				}
				if at.closeForProtection(p, action.CloseFraction, exitKind, record) && !action.QuickProfit {
					at.engine.MarkLadderConsumed(p.Symbol, p.Side, action.RuleIndex)
				}
			} else if held >= trailingAfter && profitPct > 0 && !stopAtBreakeven(p) {
				// In profit past the trailing age: pull the stop to entry
				if mover, ok := at.engine.(interface {
					MoveStopLoss(symbol, side string, price float64) bool
				}); ok {
					if mover.MoveStopLoss(p.Symbol, p.Side, p.EntryPrice) {
						log.Printf("🔒 [%s] Trailing: stop for %s %s moved to breakeven %.4f", at.name, p.Side, p.Symbol, p.EntryPrice)
					}
				}
			}
		}
	}
}

func stopAtBreakeven(p Position) bool {
	if p.Side == "short" {
		return p.StopLossPrice > 0 && p.StopLossPrice <= p.EntryPrice
	}
	return p.StopLossPrice >= p.EntryPrice
}

// closeForProtection closes (part of) a position from the sweep, records the
// action, and starts the coin's cooldown on full closes.
func (at *AutoTrader) closeForProtection(p Position, fraction float64, exitKind string, record *logger.DecisionRecord) bool {
	res, err := at.engine.ClosePosition(p.Symbol, p.Side, fraction, exitKind)
	action := logger.DecisionAction{
		Action:    "close",
		Symbol:    p.Symbol,
		Side:      p.Side,
		ExitKind:  exitKind,
		Timestamp: time.Now(),
	}
	if err != nil {
		log.Printf("❌ [%s] Protective close failed for %s %s: %v", at.name, p.Side, p.Symbol, err)
		action.Error = err.Error()
		record.Decisions = append(record.Decisions, action)
		record.ExecutionLog = append(record.ExecutionLog, fmt.Sprintf("❌ %s close %s %s failed: %v", exitKind, p.Side, p.Symbol, err))
		return false
	}
	action.Success = true
	action.Quantity = res.Quantity
	action.Price = res.Price
	record.Decisions = append(record.Decisions, action)
	record.ExecutionLog = append(record.ExecutionLog, fmt.Sprintf("✓ %s close %s %s pnl=%+.2f", exitKind, p.Side, p.Symbol, res.RealizedPnL))
	at.accountBreaker.RecordTrade()
	if fraction >= 1 {
		at.setCooldown(p.Symbol)
	}
	return true
}

// buildContext assembles the read-only view the model receives.
func (at *AutoTrader) buildContext(cycle int, account *AccountInfo) (*decision.Context, []Position, error) {
	positions, err := at.engine.GetPositions()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get positions: %w", err)
	}

	coins := pool.GetCoins()

	views := make([]decision.PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, decision.PositionView{
			Symbol:        p.Symbol,
			Side:          p.Side,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			Leverage:      float64(p.Leverage),
			UnrealizedPnL: p.UnrealizedPnL,
			ProfitPct:     p.ProfitPct(),
			HoldingHours:  time.Since(p.OpenedAt).Hours(),
		})
	}

	ctx := &decision.Context{
		CycleNumber: cycle,
		Coins:       coins,
		Account: decision.AccountView{
			TotalEquity:   account.TotalEquity,
			Available:     account.Available,
			UnrealizedPnL: account.UnrealizedPnL,
			PositionCount: account.PositionCount,
		},
		Positions:    views,
		Performance:  at.recentPerformance(),
		CooldownNote: at.cooldownNote(),
	}

	ctx.BreakerNote = breakerNote(at.accountBreaker.Snapshot())

	return ctx, positions, nil
}

func breakerNote(s breaker.State) string {
	if s.Tripped {
		return fmt.Sprintf("Circuit breaker TRIPPED (%s): no new entries will be executed, only closes.", s.TripReason)
	}
	return fmt.Sprintf("Daily loss so far: %.2f%%. Trades today: %d.", s.DailyLossPct*100, s.TradeCountToday)
}

// executeDecisions applies the validated decision set: closes first (the
// validator ordered them), then entries under the per-cycle and account caps.
func (at *AutoTrader) executeDecisions(decisions []decision.Decision, positions []Position, account *AccountInfo, record *logger.DecisionRecord) {
	openCount := len(positions)
	openNotional := 0.0
	for _, p := range positions {
		openNotional += p.NotionalUSD
	}
	newEntries := 0

	for _, d := range decisions {
		switch {
		case decision.IsClose(d.Action):
			side := "long"
			if d.Action == decision.ActionCloseShort {
				side = "short"
			}
			res, err := at.engine.ClosePosition(d.Symbol, side, 1.0, ExitSignal)
			action := logger.DecisionAction{
				Action: d.Action, Symbol: d.Symbol, Side: side, ExitKind: ExitSignal, Timestamp: time.Now(),
			}
			if err != nil {
				if errors.Is(err, ErrPositionNotFound) {
					log.Printf("⚠️  [%s] %s: no %s position to close", at.name, d.Symbol, side)
				} else {
					log.Printf("❌ [%s] Failed to close %s %s: %v", at.name, side, d.Symbol, err)
				}
				action.Error = err.Error()
				record.ExecutionLog = append(record.ExecutionLog, fmt.Sprintf("❌ %s %s failed: %v", d.Symbol, d.Action, err))
			} else {
				action.Success = true
				action.Quantity = res.Quantity
				action.Price = res.Price
				record.ExecutionLog = append(record.ExecutionLog, fmt.Sprintf("✓ %s %s pnl=%+.2f", d.Symbol, d.Action, res.RealizedPnL))
				openCount--
				openNotional -= res.NotionalUSD
				at.accountBreaker.RecordTrade()
				at.setCooldown(d.Symbol)
			}
			record.Decisions = append(record.Decisions, action)

		case decision.IsEntry(d.Action):
			action := logger.DecisionAction{Action: d.Action, Symbol: d.Symbol, Timestamp: time.Now()}

			if newEntries >= at.riskCfg.MaxNewPositionsPerCycle {
				log.Printf("⏭ [%s] %s %s skipped: per-cycle entry budget used", at.name, d.Symbol, d.Action)
				action.Error = "per-cycle entry budget used"
				record.Decisions = append(record.Decisions, action)
				continue
			}
			if until, cooling := at.coolingDown(d.Symbol); cooling {
				log.Printf("⏭ [%s] %s %s skipped: cooling down until %s", at.name, d.Symbol, d.Action, until.Format("15:04:05"))
				action.Error = "coin cooling down"
				record.Decisions = append(record.Decisions, action)
				continue
			}
			if err := at.accountBreaker.AllowEntry(); err != nil {
				log.Printf("⏭ [%s] %s %s skipped: %v", at.name, d.Symbol, d.Action, err)
				action.Error = err.Error()
				record.Decisions = append(record.Decisions, action)
				continue
			}

			res, lev, err := at.openFromDecision(d, account, openCount, openNotional)
			if err != nil {
				log.Printf("❌ [%s] Failed to open %s %s: %v", at.name, d.Symbol, d.Action, err)
				action.Error = err.Error()
				record.ExecutionLog = append(record.ExecutionLog, fmt.Sprintf("❌ %s %s failed: %v", d.Symbol, d.Action, err))
			} else {
				action.Success = true
				action.Quantity = res.Quantity
				action.Price = res.Price
				action.Leverage = lev
				action.Side = res.Side
				record.ExecutionLog = append(record.ExecutionLog, fmt.Sprintf("✓ %s %s notional=%.2f", d.Symbol, d.Action, res.NotionalUSD))
				openCount++
				openNotional += res.NotionalUSD
				newEntries++
				at.accountBreaker.RecordTrade()
			}
			record.Decisions = append(record.Decisions, action)
		}
	}
}

// openFromDecision sizes and places one entry.
func (at *AutoTrader) openFromDecision(d decision.Decision, account *AccountInfo, openCount int, openNotional float64) (*TradeResult, int, error) {
	data, err := market.Get(d.Symbol)
	if err != nil {
		return nil, 0, fmt.Errorf("no market data for %s: %w", d.Symbol, err)
	}
	volKnown := data.VolatilityScore > 0

	params, err := at.riskMgr.Size(d.Confidence, account.TotalEquity, openNotional, openCount, data.VolatilityScore, volKnown)
	if err != nil {
		return nil, 0, err
	}

	log.Printf("📐 [%s] %s sized: notional=%.2f margin=%.2f lev=%dx stop=%.2f%%",
		at.name, d.Symbol, params.NotionalUSD, params.MarginUSD, params.Leverage, params.EffectiveStopPct*100)

	var res *TradeResult
	if d.Action == decision.ActionOpenLong {
		res, err = at.engine.OpenLong(d.Symbol, params, data.CurrentPrice)
	} else {
		res, err = at.engine.OpenShort(d.Symbol, params, data.CurrentPrice)
	}
	if err != nil {
		return nil, 0, err
	}
	return res, params.Leverage, nil
}

// GetPerformance exposes the trade-history analysis to the API.
func (at *AutoTrader) GetPerformance() *risk.Performance {
	return at.recentPerformance()
}

// recentPerformance analyzes the persisted trade history for the prompt.
func (at *AutoTrader) recentPerformance() *risk.Performance {
	trades, err := at.decisionLogger.GetTrades(200)
	if err != nil || len(trades) == 0 {
		return nil
	}
	outcomes := make([]risk.TradeOutcome, 0, len(trades))
	for _, t := range trades {
		if t.Action != "close" {
			continue
		}
		outcomes = append(outcomes, risk.TradeOutcome{Side: t.Side, RealizedPnL: t.RealizedPnL, Fee: t.Fee})
	}
	var equity []float64
	if points, err := at.decisionLogger.GetEquityHistory(200); err == nil {
		for _, p := range points {
			equity = append(equity, p.Equity)
		}
	}
	return risk.Analyze(outcomes, equity)
}

// syncTrades persists engine trades the database has not seen yet.
func (at *AutoTrader) syncTrades() {
	trades := at.engine.Trades()

	at.mu.Lock()
	start := at.tradesSynced
	if start > len(trades) {
		start = len(trades)
	}
	at.tradesSynced = len(trades)
	at.mu.Unlock()

	for _, t := range trades[start:] {
		if err := at.decisionLogger.LogTrade(&logger.TradeRecord{
			Timestamp:   t.Timestamp,
			Symbol:      t.Symbol,
			Side:        t.Side,
			Action:      t.Action,
			ExitKind:    t.ExitKind,
			Quantity:    t.Quantity,
			Price:       t.Price,
			Fee:         t.Fee,
			RealizedPnL: t.RealizedPnL,
		}); err != nil {
			log.Printf("⚠ [%s] Failed to persist trade: %v", at.name, err)
		}
	}
}

func (at *AutoTrader) setCooldown(symbol string) {
	if at.riskCfg.CooldownSeconds <= 0 {
		return
	}
	until := time.Now().Add(time.Duration(at.riskCfg.CooldownSeconds) * time.Second)
	at.mu.Lock()
	at.cooldownUntil[symbol] = until
	at.mu.Unlock()
	log.Printf("❄️  [%s] %s cooling down until %s", at.name, symbol, until.Format("15:04:05"))
}

func (at *AutoTrader) startCooldowns(result *CloseAllResult) {
	if result == nil {
		return
	}
	for _, c := range result.Closed {
		at.setCooldown(c.Symbol)
	}
}

func (at *AutoTrader) coolingDown(symbol string) (time.Time, bool) {
	at.mu.RLock()
	defer at.mu.RUnlock()
	until, ok := at.cooldownUntil[symbol]
	if !ok || time.Now().After(until) {
		return time.Time{}, false
	}
	return until, true
}

func (at *AutoTrader) cooldownNote() string {
	at.mu.RLock()
	defer at.mu.RUnlock()

	var parts []string
	now := time.Now()
	for coin, until := range at.cooldownUntil {
		if until.After(now) {
			parts = append(parts, fmt.Sprintf("%s until %s", coin, until.Format("15:04")))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "Cooling down (no new entries): " + strings.Join(parts, ", ")
}

func accountSnapshot(a *AccountInfo) logger.AccountSnapshot {
	marginPct := 0.0
	if a.TotalEquity > 0 {
		marginPct = a.MarginUsed / a.TotalEquity * 100
	}
	return logger.AccountSnapshot{
		TotalEquity:      a.TotalEquity,
		AvailableBalance: a.Available,
		UnrealizedProfit: a.UnrealizedPnL,
		RealizedProfit:   a.RealizedPnL,
		PositionCount:    a.PositionCount,
		MarginUsedPct:    marginPct,
	}
}

func positionSnapshots(positions []Position) []logger.PositionSnapshot {
	out := make([]logger.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		out = append(out, logger.PositionSnapshot{
			Symbol:           p.Symbol,
			Side:             p.Side,
			Quantity:         p.Quantity,
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			UnrealizedProfit: p.UnrealizedPnL,
			Leverage:         float64(p.Leverage),
			StopLossPrice:    p.StopLossPrice,
		})
	}
	return out
}

func breakerStateLabel(s breaker.State) string {
	if s.Tripped {
		return "tripped: " + s.TripReason
	}
	return "normal"
}

func promptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%x", sum[:8])
}
