// Summarize prints a quick cycle and trade summary for each trader's
// decision database. Usage: summarize [decision_logs_dir]
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/leo20251128/aigame/logger"
)

func main() {
	baseDir := "decision_logs"
	if len(os.Args) > 1 {
		baseDir = os.Args[1]
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		fmt.Printf("❌ Failed to read %s: %v\n", baseDir, err)
		os.Exit(1)
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("📊 TRADING SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	found := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dbPath := filepath.Join(baseDir, entry.Name(), "decisions.db")
		if _, err := os.Stat(dbPath); err != nil {
			continue
		}
		found++
		summarizeTrader(entry.Name(), filepath.Join(baseDir, entry.Name()))
	}

	if found == 0 {
		fmt.Printf("⚠️  No trader databases found under %s\n", baseDir)
	}
}

func summarizeTrader(traderID, logDir string) {
	l := logger.NewDecisionLogger(logDir)
	defer l.Close()

	fmt.Printf("\n── %s ──\n", traderID)

	stats, err := l.GetStatistics()
	if err != nil {
		fmt.Printf("⚠️  Failed to read statistics: %v\n", err)
		return
	}
	fmt.Printf("Cycles: %d (%d failed) | Closed trades: %d | Realized P&L: %+.2f USDT | Fees: %.2f USDT\n",
		stats.TotalCycles, stats.FailedCycles, stats.TotalTrades, stats.TotalPnL, stats.TotalFees)

	points, err := l.GetEquityHistory(100000)
	if err != nil || len(points) == 0 {
		return
	}
	first, last := points[0], points[len(points)-1]
	pnlPct := 0.0
	if first.Equity > 0 {
		pnlPct = (last.Equity - first.Equity) / first.Equity * 100
	}
	fmt.Printf("Equity: %.2f → %.2f (%+.2f%%) over %d samples, %s to %s\n",
		first.Equity, last.Equity, pnlPct, len(points),
		first.Timestamp.Format("2006-01-02"), last.Timestamp.Format("2006-01-02"))

	trades, err := l.GetTrades(10)
	if err != nil || len(trades) == 0 {
		return
	}
	fmt.Println("Recent trades:")
	for _, t := range trades {
		tag := t.Action
		if t.ExitKind != "" {
			tag = fmt.Sprintf("%s/%s", t.Action, t.ExitKind)
		}
		fmt.Printf("  %s %-5s %-5s %-22s qty=%.6f @ %.4f pnl=%+.2f\n",
			t.Timestamp.Format("01-02 15:04"), t.Symbol, t.Side, tag, t.Quantity, t.Price, t.RealizedPnL)
	}
}
