package manager

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/leo20251128/aigame/config"
	"github.com/leo20251128/aigame/trader"
)

// TraderManager owns the trader instances and their lifecycle.
type TraderManager struct {
	traders map[string]*trader.AutoTrader // key: trader ID
	mu      sync.RWMutex
}

func NewTraderManager() *TraderManager {
	return &TraderManager{
		traders: make(map[string]*trader.AutoTrader),
	}
}

// AddTrader builds a trader from config and registers it.
func (tm *TraderManager) AddTrader(cfg config.TraderConfig, global *config.Config) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.traders[cfg.ID]; exists {
		return fmt.Errorf("trader ID '%s' already exists", cfg.ID)
	}

	at, err := trader.NewAutoTrader(cfg, global.Risk, global.Safety, global.Exchange)
	if err != nil {
		return fmt.Errorf("failed to create trader: %w", err)
	}

	tm.traders[cfg.ID] = at
	log.Printf("✓ Trader '%s' (%s, engine %s) added", cfg.Name, cfg.AIModel, cfg.Engine)
	return nil
}

// GetTrader gets trader with specified ID
func (tm *TraderManager) GetTrader(id string) (*trader.AutoTrader, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	t, exists := tm.traders[id]
	if !exists {
		return nil, fmt.Errorf("trader ID '%s' does not exist", id)
	}
	return t, nil
}

// GetAllTraders returns a copy of the registry.
func (tm *TraderManager) GetAllTraders() map[string]*trader.AutoTrader {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	result := make(map[string]*trader.AutoTrader, len(tm.traders))
	for id, t := range tm.traders {
		result[id] = t
	}
	return result
}

// GetTraderIDs gets all trader ID list
func (tm *TraderManager) GetTraderIDs() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	ids := make([]string, 0, len(tm.traders))
	for id := range tm.traders {
		ids = append(ids, id)
	}
	return ids
}

// StartAll launches every trader in its own goroutine. A panicking trader is
// restarted after a short delay rather than taking the process down.
func (tm *TraderManager) StartAll() {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	log.Println("🚀 Starting all traders...")
	for id, t := range tm.traders {
		go func(traderID string, at *trader.AutoTrader) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("🚨 PANIC in %s goroutine: %v\n%s", at.GetName(), r, getStackTrace())
					log.Printf("🔄 Attempting to restart %s...", at.GetName())
					time.Sleep(5 * time.Second)
					go func() {
						if err := at.Run(); err != nil {
							log.Printf("❌ %s restart failed: %v", at.GetName(), err)
						}
					}()
				}
			}()

			log.Printf("▶️  Starting %s...", at.GetName())
			if err := at.Run(); err != nil {
				log.Printf("❌ %s runtime error: %v", at.GetName(), err)
			}
		}(id, t)
	}
}

func getStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// StopAll stops all traders
func (tm *TraderManager) StopAll() {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	log.Println("⏹  Stopping all traders...")
	for _, t := range tm.traders {
		t.Stop()
	}
}

// GetComparisonData summarizes every trader's equity and P&L side by side.
func (tm *TraderManager) GetComparisonData() map[string]interface{} {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	traders := make([]map[string]interface{}, 0, len(tm.traders))
	for _, t := range tm.traders {
		entry := map[string]interface{}{
			"trader_id":   t.GetID(),
			"trader_name": t.GetName(),
			"ai_model":    t.GetAIModel(),
			"engine":      t.GetEngineName(),
			"is_running":  t.IsRunning(),
		}

		account, err := t.GetAccountInfo()
		if err != nil {
			log.Printf("⚠️  [%s] Failed to get account info for comparison: %v", t.GetName(), err)
			entry["total_equity"] = t.GetInitialBalance()
			entry["total_pnl"] = 0.0
			entry["total_pnl_pct"] = 0.0
			entry["position_count"] = 0
		} else {
			pnl := account.TotalEquity - t.GetInitialBalance()
			pnlPct := 0.0
			if t.GetInitialBalance() > 0 {
				pnlPct = pnl / t.GetInitialBalance() * 100
			}
			entry["total_equity"] = account.TotalEquity
			entry["total_pnl"] = pnl
			entry["total_pnl_pct"] = pnlPct
			entry["position_count"] = account.PositionCount
		}
		traders = append(traders, entry)
	}

	return map[string]interface{}{
		"traders": traders,
		"count":   len(traders),
	}
}
