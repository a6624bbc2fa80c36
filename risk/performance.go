package risk

import "math"

// TradeOutcome is one closed trade fed into the analyzer.
type TradeOutcome struct {
	Side        string
	RealizedPnL float64
	Fee         float64
}

// Performance summarizes trading quality over a window of closed trades and
// the equity curve observed across cycles.
type Performance struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	ProfitFactor  float64 `json:"profit_factor"`
	TotalPnL      float64 `json:"total_pnl"`
	TotalFees     float64 `json:"total_fees"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	LongTrades    int     `json:"long_trades"`
	ShortTrades   int     `json:"short_trades"`
}

// Analyze computes performance metrics. Equity is the per-cycle account
// value series, used for sharpe and drawdown.
func Analyze(trades []TradeOutcome, equity []float64) *Performance {
	p := &Performance{}

	var grossProfit, grossLoss float64
	for _, t := range trades {
		p.TotalTrades++
		p.TotalPnL += t.RealizedPnL
		p.TotalFees += t.Fee
		if t.RealizedPnL > 0 {
			p.WinningTrades++
			grossProfit += t.RealizedPnL
		} else if t.RealizedPnL < 0 {
			p.LosingTrades++
			grossLoss += -t.RealizedPnL
		}
		switch t.Side {
		case "long":
			p.LongTrades++
		case "short":
			p.ShortTrades++
		}
	}

	if p.TotalTrades > 0 {
		p.WinRate = float64(p.WinningTrades) / float64(p.TotalTrades)
	}
	if p.WinningTrades > 0 {
		p.AvgWin = grossProfit / float64(p.WinningTrades)
	}
	if p.LosingTrades > 0 {
		p.AvgLoss = grossLoss / float64(p.LosingTrades)
	}
	if grossLoss > 0 {
		p.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		// No losses yet. Report the gross profit itself so the value stays
		// finite and JSON-serializable.
		p.ProfitFactor = grossProfit
	}

	p.SharpeRatio = sharpe(equity)
	p.MaxDrawdown = maxDrawdown(equity)
	return p
}

func sharpe(equity []float64) float64 {
	if len(equity) < 3 {
		return 0
	}
	var returns []float64
	for i := 1; i < len(equity); i++ {
		if equity[i-1] > 0 {
			returns = append(returns, (equity[i]-equity[i-1])/equity[i-1])
		}
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(float64(len(returns)))
}

func maxDrawdown(equity []float64) float64 {
	var peak, maxDD float64
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			dd := (peak - e) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
