package market

import (
	"math"
	"strings"
	"testing"
)

func TestEMASeriesConvergesTowardPrice(t *testing.T) {
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100
	}
	ema := emaSeries(prices, 20)
	if len(ema) == 0 {
		t.Fatal("expected EMA output")
	}
	if math.Abs(ema[len(ema)-1]-100) > 1e-9 {
		t.Errorf("flat series EMA: got %.4f, want 100", ema[len(ema)-1])
	}

	// Too few points yields nothing
	if got := emaSeries(prices[:10], 20); got != nil {
		t.Errorf("short series should yield nil, got %v", got)
	}
}

func TestRSISeriesExtremes(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	rsi := rsiSeries(up, 14)
	if len(rsi) == 0 || rsi[len(rsi)-1] != 100 {
		t.Errorf("monotonic gains should give RSI 100, got %v", rsi)
	}

	down := make([]float64, 30)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	rsi = rsiSeries(down, 14)
	if len(rsi) == 0 || rsi[len(rsi)-1] != 0 {
		t.Errorf("monotonic losses should give RSI 0, got %v", rsi)
	}
}

func TestATRFlatSeriesIsZero(t *testing.T) {
	n := 30
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i], lows[i], closes[i] = 100, 100, 100
	}
	if got := atr(highs, lows, closes, 14); got != 0 {
		t.Errorf("flat series ATR: got %.4f, want 0", got)
	}

	// A constant 2-point hourly range gives ATR 2
	for i := 0; i < n; i++ {
		highs[i], lows[i] = 101, 99
	}
	if got := atr(highs, lows, closes, 14); math.Abs(got-2) > 1e-9 {
		t.Errorf("ranged series ATR: got %.4f, want 2", got)
	}
}

func TestVolatilityScoreMapping(t *testing.T) {
	d := &Data{CurrentPrice: 100}
	highs := make([]float64, 30)
	lows := make([]float64, 30)
	closes := make([]float64, 30)
	for i := range closes {
		highs[i], lows[i], closes[i] = 102.5, 97.5, 100 // 5% true range
	}
	applyIndicators(d, highs, lows, closes)
	if math.Abs(d.VolatilityScore-50) > 1e-6 {
		t.Errorf("5%% hourly range should score 50, got %.2f", d.VolatilityScore)
	}

	// Score saturates at 100
	for i := range closes {
		highs[i], lows[i] = 115, 85
	}
	applyIndicators(d, highs, lows, closes)
	if d.VolatilityScore != 100 {
		t.Errorf("extreme range should saturate at 100, got %.2f", d.VolatilityScore)
	}
}

func TestFormatIncludesIndicators(t *testing.T) {
	out := Format(&Data{
		Symbol:       "BTC",
		CurrentPrice: 50000,
		RSI14:        55.5,
		EMA20:        49800,
	})
	for _, want := range []string{"BTC", "RSI14=55.5", "EMA20=49800"} {
		if !strings.Contains(out, want) {
			t.Errorf("formatted snapshot missing %q:\n%s", want, out)
		}
	}
}
