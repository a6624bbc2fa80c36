package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/leo20251128/aigame/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		BaseRiskPerTrade:        0.08,
		MaxTradeValuePct:        0.40,
		MinConfidence:           0.80,
		MaxPositions:            2,
		MaxNewPositionsPerCycle: 1,
		StopLossDefaultPct:      0.08,
		StopLossMaxPct:          0.12,
		MinLeverage:             1,
		MaxLeverage:             5,
		DefaultLeverage:         3,
		QuickProfitPct:          0.10,
		ProfitLadder: []config.ProfitRule{
			{ThresholdPct: 0.08, CloseFraction: 1.0},
			{ThresholdPct: 0.05, CloseFraction: 0.5},
			{ThresholdPct: 0.03, CloseFraction: 0.3},
		},
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEffectiveStopPct(t *testing.T) {
	m := NewManager(testRiskConfig())

	if got := m.EffectiveStopPct(0, true); !almostEqual(got, 0.08) {
		t.Errorf("vol 0: got %.4f, want 0.08", got)
	}
	if got := m.EffectiveStopPct(50, true); !almostEqual(got, 0.10) {
		t.Errorf("vol 50: got %.4f, want 0.10", got)
	}
	if got := m.EffectiveStopPct(100, true); !almostEqual(got, 0.12) {
		t.Errorf("vol 100: got %.4f, want 0.12", got)
	}
	// Out-of-range scores clamp to the bounds
	if got := m.EffectiveStopPct(250, true); !almostEqual(got, 0.12) {
		t.Errorf("vol 250: got %.4f, want 0.12", got)
	}
	if got := m.EffectiveStopPct(-10, true); !almostEqual(got, 0.08) {
		t.Errorf("vol -10: got %.4f, want 0.08", got)
	}
	// Unknown volatility uses the default stop, not the widest
	if got := m.EffectiveStopPct(90, false); !almostEqual(got, 0.08) {
		t.Errorf("unknown vol: got %.4f, want 0.08", got)
	}
}

func TestLeverageForTiers(t *testing.T) {
	m := NewManager(testRiskConfig())

	cases := []struct {
		vol  float64
		want int
	}{
		{10, 5},
		{29.9, 5},
		{30, 4},
		{49.9, 4},
		{50, 3},
		{79.9, 3},
		{80, 2},
		{100, 2},
	}
	for _, c := range cases {
		if got := m.LeverageFor(c.vol, true); got != c.want {
			t.Errorf("vol %.1f: got %dx, want %dx", c.vol, got, c.want)
		}
	}

	if got := m.LeverageFor(0, false); got != 3 {
		t.Errorf("unknown vol: got %dx, want default 3x", got)
	}

	// Clamp to configured max
	cfg := testRiskConfig()
	cfg.MaxLeverage = 3
	m = NewManager(cfg)
	if got := m.LeverageFor(10, true); got != 3 {
		t.Errorf("clamped: got %dx, want 3x", got)
	}
}

func TestSizeUncapped(t *testing.T) {
	m := NewManager(testRiskConfig())

	// raw = 0.08 * 10000 / 0.08 = 10000, cap = 4000. Cap binds here, so
	// shrink base risk for a genuinely uncapped case. Vol 0 keeps the stop
	// at the 0.08 default; any higher score widens it.
	cfg := testRiskConfig()
	cfg.BaseRiskPerTrade = 0.02
	m = NewManager(cfg)

	params, err := m.Size(0.9, 10000, 0, 0, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// raw = 0.02 * 10000 / 0.08 = 2500, under the 4000 cap
	if !almostEqual(params.NotionalUSD, 2500) {
		t.Errorf("notional: got %.2f, want 2500", params.NotionalUSD)
	}
	if params.Leverage != 5 {
		t.Errorf("leverage: got %dx, want 5x", params.Leverage)
	}
	if !almostEqual(params.MarginUSD, 500) {
		t.Errorf("margin: got %.2f, want 500", params.MarginUSD)
	}
	if len(params.Ladder) != 3 || params.Ladder[0].Consumed {
		t.Errorf("ladder not initialized: %+v", params.Ladder)
	}
}

func TestSizeCapReducesLeverageBeforeQuantity(t *testing.T) {
	m := NewManager(testRiskConfig())

	// Vol 0 keeps the stop at 0.08, so raw = 0.08 * 100000 / 0.08 = 100000,
	// cap = 0.40 * 100000 = 40000. Uncapped margin at 5x is 20000. Reduced
	// leverage = ceil(40000 / 20000) = 2, margin = 40000 / 2 = 20000:
	// margin held, leverage shed.
	params, err := m.Size(0.9, 100000, 0, 0, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(params.NotionalUSD, 40000) {
		t.Errorf("notional: got %.2f, want 40000", params.NotionalUSD)
	}
	if params.Leverage != 2 {
		t.Errorf("leverage: got %dx, want 2x", params.Leverage)
	}
	if !almostEqual(params.MarginUSD, 20000) {
		t.Errorf("margin: got %.2f, want 20000", params.MarginUSD)
	}
}

func TestSizeHeadroomAccountsForOpenNotional(t *testing.T) {
	m := NewManager(testRiskConfig())

	// cap = 4000; 3000 already deployed leaves 1000 of headroom
	params, err := m.Size(0.9, 10000, 3000, 1, 10, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(params.NotionalUSD, 1000) {
		t.Errorf("notional: got %.2f, want 1000", params.NotionalUSD)
	}

	// Headroom exhausted
	_, err = m.Size(0.9, 10000, 4000, 1, 10, true)
	if !errors.Is(err, ErrNotionalCap) {
		t.Errorf("expected ErrNotionalCap, got %v", err)
	}
}

func TestSizeRejections(t *testing.T) {
	m := NewManager(testRiskConfig())

	if _, err := m.Size(0.5, 10000, 0, 0, 10, true); !errors.Is(err, ErrLowConfidence) {
		t.Errorf("expected ErrLowConfidence, got %v", err)
	}
	if _, err := m.Size(0.9, 10000, 0, 2, 10, true); !errors.Is(err, ErrMaxPositions) {
		t.Errorf("expected ErrMaxPositions, got %v", err)
	}
	if _, err := m.Size(0.9, 0, 0, 0, 10, true); err == nil {
		t.Error("expected error for zero account value")
	}
}

func TestCheckTakeProfitLadder(t *testing.T) {
	m := NewManager(testRiskConfig())
	ladder := []LadderRule{
		{ThresholdPct: 0.08, CloseFraction: 1.0},
		{ThresholdPct: 0.05, CloseFraction: 0.5},
		{ThresholdPct: 0.03, CloseFraction: 0.3},
	}

	if action := m.CheckTakeProfit(0.02, ladder); action != nil {
		t.Errorf("below all thresholds: got %+v, want nil", action)
	}

	action := m.CheckTakeProfit(0.04, ladder)
	if action == nil || action.RuleIndex != 2 || !almostEqual(action.CloseFraction, 0.3) {
		t.Errorf("+4%%: got %+v, want rung 2 at 0.3", action)
	}

	// Highest eligible rung wins, not the lowest
	action = m.CheckTakeProfit(0.06, ladder)
	if action == nil || action.RuleIndex != 1 || !almostEqual(action.CloseFraction, 0.5) {
		t.Errorf("+6%%: got %+v, want rung 1 at 0.5", action)
	}

	// A consumed rung is skipped and the next lower fires
	ladder[1].Consumed = true
	action = m.CheckTakeProfit(0.06, ladder)
	if action == nil || action.RuleIndex != 2 {
		t.Errorf("+6%% with rung 1 consumed: got %+v, want rung 2", action)
	}

	// Quick profit short-circuits everything with a full close
	action = m.CheckTakeProfit(0.11, ladder)
	if action == nil || !action.QuickProfit || action.RuleIndex != -1 || !almostEqual(action.CloseFraction, 1.0) {
		t.Errorf("+11%%: got %+v, want quick-profit full close", action)
	}
}

func TestStopLossHit(t *testing.T) {
	if !StopLossHit("long", 91.9, 92.0) {
		t.Error("long: mark below stop should hit")
	}
	if StopLossHit("long", 92.1, 92.0) {
		t.Error("long: mark above stop should not hit")
	}
	if !StopLossHit("short", 108.1, 108.0) {
		t.Error("short: mark above stop should hit")
	}
	if StopLossHit("short", 107.9, 108.0) {
		t.Error("short: mark below stop should not hit")
	}
	if StopLossHit("long", 50, 0) {
		t.Error("zero stop price should never hit")
	}
}

func TestProfitPctIsLeveraged(t *testing.T) {
	// 2% favorable move at 5x is a 10% return on margin
	if got := ProfitPct("long", 100, 102, 5); !almostEqual(got, 0.10) {
		t.Errorf("long: got %.4f, want 0.10", got)
	}
	if got := ProfitPct("short", 100, 98, 5); !almostEqual(got, 0.10) {
		t.Errorf("short: got %.4f, want 0.10", got)
	}
	if got := ProfitPct("long", 100, 98, 5); !almostEqual(got, -0.10) {
		t.Errorf("long loss: got %.4f, want -0.10", got)
	}
	if got := ProfitPct("long", 0, 98, 5); got != 0 {
		t.Errorf("zero entry: got %.4f, want 0", got)
	}
}

func TestStopLossPrice(t *testing.T) {
	m := NewManager(testRiskConfig())
	if got := m.StopLossPrice(100, "long", 0.08); !almostEqual(got, 92) {
		t.Errorf("long: got %.2f, want 92", got)
	}
	if got := m.StopLossPrice(100, "short", 0.08); !almostEqual(got, 108) {
		t.Errorf("short: got %.2f, want 108", got)
	}
}
