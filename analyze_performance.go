//go:build ignore
// +build ignore

// Offline performance report over the per-trader decision databases.
// Run with: go run analyze_performance.go [decision_logs_dir]
package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type PerformanceMetrics struct {
	TraderID       string
	InitialEquity  float64
	CurrentEquity  float64
	TotalPnL       float64
	TotalPnLPct    float64
	TotalCycles    int
	FailedCycles   int
	ClosedTrades   int
	WinningTrades  int
	RealizedPnL    float64
	TotalFees      float64
	FirstCycle     time.Time
	LastCycle      time.Time
	MaxEquity      float64
	MinEquity      float64
	MaxDrawdownPct float64
}

func main() {
	baseDir := "decision_logs"
	if len(os.Args) > 1 {
		baseDir = os.Args[1]
	}

	fmt.Println(strings.Repeat("=", 100))
	fmt.Println("📊 PERFORMANCE ANALYSIS")
	fmt.Println(strings.Repeat("=", 100))
	fmt.Println()

	dbFiles := findDatabases(baseDir)
	if len(dbFiles) == 0 {
		fmt.Printf("❌ No decision databases found in %s\n", baseDir)
		return
	}
	fmt.Printf("Found %d trader databases\n\n", len(dbFiles))

	allMetrics := make(map[string]*PerformanceMetrics)
	for _, dbPath := range dbFiles {
		traderID := extractTraderID(dbPath)
		if metrics := analyzePerformance(dbPath, traderID); metrics != nil {
			allMetrics[traderID] = metrics
		}
	}

	printPerformanceTable(allMetrics)
}

func findDatabases(baseDir string) []string {
	var dbFiles []string
	filepath.Walk(baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && strings.HasSuffix(path, "decisions.db") {
			dbFiles = append(dbFiles, path)
		}
		return nil
	})
	return dbFiles
}

func extractTraderID(dbPath string) string {
	return filepath.Base(filepath.Dir(dbPath))
}

func analyzePerformance(dbPath, traderID string) *PerformanceMetrics {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		fmt.Printf("⚠️  Failed to open %s: %v\n", dbPath, err)
		return nil
	}
	defer db.Close()

	m := &PerformanceMetrics{TraderID: traderID, MinEquity: -1}

	rows, err := db.Query(`
		SELECT cycle_number, timestamp, account_total_equity, success
		FROM decisions ORDER BY cycle_number ASC`)
	if err != nil {
		fmt.Printf("⚠️  %s: failed to query decisions: %v\n", traderID, err)
		return nil
	}
	defer rows.Close()

	peak := 0.0
	for rows.Next() {
		var cycle int
		var ts time.Time
		var equity float64
		var success bool
		if err := rows.Scan(&cycle, &ts, &equity, &success); err != nil {
			continue
		}

		m.TotalCycles++
		if !success {
			m.FailedCycles++
		}
		if m.TotalCycles == 1 {
			m.InitialEquity = equity
			m.FirstCycle = ts
			m.MinEquity = equity
		}
		m.CurrentEquity = equity
		m.LastCycle = ts

		if equity > m.MaxEquity {
			m.MaxEquity = equity
		}
		if equity < m.MinEquity {
			m.MinEquity = equity
		}
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak * 100; dd > m.MaxDrawdownPct {
				m.MaxDrawdownPct = dd
			}
		}
	}

	if m.TotalCycles == 0 {
		return nil
	}

	db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN realized_pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(realized_pnl), 0)
		FROM trades WHERE action = 'close'`).
		Scan(&m.ClosedTrades, &m.WinningTrades, &m.RealizedPnL)
	db.QueryRow(`SELECT COALESCE(SUM(fee), 0) FROM trades`).Scan(&m.TotalFees)

	m.TotalPnL = m.CurrentEquity - m.InitialEquity
	if m.InitialEquity > 0 {
		m.TotalPnLPct = m.TotalPnL / m.InitialEquity * 100
	}
	return m
}

func printPerformanceTable(allMetrics map[string]*PerformanceMetrics) {
	ids := make([]string, 0, len(allMetrics))
	for id := range allMetrics {
		ids = append(ids, id)
	}
	// Best performer first
	sort.Slice(ids, func(i, j int) bool {
		return allMetrics[ids[i]].TotalPnLPct > allMetrics[ids[j]].TotalPnLPct
	})

	fmt.Printf("%-24s %12s %12s %10s %8s %8s %8s %10s %10s\n",
		"TRADER", "INITIAL", "CURRENT", "P&L %", "CYCLES", "FAILED", "TRADES", "WIN RATE", "MAX DD %")
	fmt.Println(strings.Repeat("-", 110))

	for _, id := range ids {
		m := allMetrics[id]
		winRate := 0.0
		if m.ClosedTrades > 0 {
			winRate = float64(m.WinningTrades) / float64(m.ClosedTrades) * 100
		}
		fmt.Printf("%-24s %12.2f %12.2f %+9.2f%% %8d %8d %8d %9.1f%% %9.2f%%\n",
			m.TraderID, m.InitialEquity, m.CurrentEquity, m.TotalPnLPct,
			m.TotalCycles, m.FailedCycles, m.ClosedTrades, winRate, m.MaxDrawdownPct)
	}

	fmt.Println()
	for _, id := range ids {
		m := allMetrics[id]
		span := m.LastCycle.Sub(m.FirstCycle)
		fmt.Printf("%s: running %.1f days, realized P&L %+.2f USDT, fees %.2f USDT\n",
			m.TraderID, span.Hours()/24, m.RealizedPnL, m.TotalFees)
	}
}
