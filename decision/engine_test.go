package decision

import (
	"testing"

	"github.com/leo20251128/aigame/pool"
)

func newTestEngine() *Engine {
	pool.SetDefaultCoins([]string{"BTC", "ETH", "SOL"})
	pool.SetUseDefaultCoins(true)
	return NewEngine(nil, 0.80)
}

func TestValidateNormalizesSymbolsAndActions(t *testing.T) {
	e := newTestEngine()

	out := e.Validate([]Decision{
		{Symbol: " btcusdt ", Action: " OPEN_LONG ", Confidence: 0.9, Reasoning: "r"},
	})
	if len(out) != 1 {
		t.Fatalf("got %d decisions, want 1", len(out))
	}
	if out[0].Symbol != "BTC" || out[0].Action != ActionOpenLong {
		t.Errorf("got %+v", out[0])
	}
}

func TestValidateDowngradesUnknownAction(t *testing.T) {
	e := newTestEngine()

	out := e.Validate([]Decision{
		{Symbol: "BTC", Action: "buy_the_dip", Confidence: 0.9},
	})
	if len(out) != 1 || out[0].Action != ActionWait {
		t.Errorf("unknown action should become wait, got %+v", out)
	}
}

func TestValidateConfidenceHandling(t *testing.T) {
	e := newTestEngine()

	// 0-100 scale answers are rescaled, not rejected
	out := e.Validate([]Decision{
		{Symbol: "BTC", Action: ActionOpenLong, Confidence: 85},
	})
	if len(out) != 1 || out[0].Action != ActionOpenLong || out[0].Confidence != 0.85 {
		t.Errorf("confidence 85 should rescale to 0.85, got %+v", out)
	}

	// Truly out-of-range downgrades to wait
	out = e.Validate([]Decision{
		{Symbol: "BTC", Action: ActionOpenLong, Confidence: 400},
	})
	if len(out) != 1 || out[0].Action != ActionWait {
		t.Errorf("confidence 400 should become wait, got %+v", out)
	}

	out = e.Validate([]Decision{
		{Symbol: "BTC", Action: ActionOpenLong, Confidence: -0.1},
	})
	if len(out) != 1 || out[0].Action != ActionWait {
		t.Errorf("negative confidence should become wait, got %+v", out)
	}
}

func TestValidateEntryBelowConfidenceFloorBecomesHold(t *testing.T) {
	e := newTestEngine()

	out := e.Validate([]Decision{
		{Symbol: "ETH", Action: ActionOpenShort, Confidence: 0.6},
	})
	if len(out) != 1 || out[0].Action != ActionHold {
		t.Errorf("low-confidence entry should become hold, got %+v", out)
	}

	// Closes are never gated by the confidence floor
	out = e.Validate([]Decision{
		{Symbol: "ETH", Action: ActionCloseShort, Confidence: 0.1},
	})
	if len(out) != 1 || out[0].Action != ActionCloseShort {
		t.Errorf("low-confidence close must pass through, got %+v", out)
	}
}

func TestValidateRejectsEntryOutsidePool(t *testing.T) {
	e := newTestEngine()

	out := e.Validate([]Decision{
		{Symbol: "SHIB", Action: ActionOpenLong, Confidence: 0.95},
	})
	if len(out) != 1 || out[0].Action != ActionWait {
		t.Errorf("entry outside candidate pool should become wait, got %+v", out)
	}

	// Closing an existing position outside the pool is still allowed
	out = e.Validate([]Decision{
		{Symbol: "SHIB", Action: ActionCloseLong, Confidence: 0.5},
	})
	if len(out) != 1 || out[0].Action != ActionCloseLong {
		t.Errorf("close outside pool must pass through, got %+v", out)
	}
}

func TestValidateDropsDuplicates(t *testing.T) {
	e := newTestEngine()

	out := e.Validate([]Decision{
		{Symbol: "BTC", Action: ActionOpenLong, Confidence: 0.9},
		{Symbol: "BTC", Action: ActionOpenShort, Confidence: 0.95},
	})
	if len(out) != 1 || out[0].Action != ActionOpenLong {
		t.Errorf("first decision per coin wins, got %+v", out)
	}
}

func TestValidateOrdersClosesFirstThenByConfidence(t *testing.T) {
	e := newTestEngine()

	out := e.Validate([]Decision{
		{Symbol: "BTC", Action: ActionOpenLong, Confidence: 0.85},
		{Symbol: "SOL", Action: ActionOpenLong, Confidence: 0.95},
		{Symbol: "ETH", Action: ActionCloseLong, Confidence: 0.5},
	})
	if len(out) != 3 {
		t.Fatalf("got %d decisions, want 3", len(out))
	}
	if out[0].Action != ActionCloseLong {
		t.Errorf("close must come first, got %+v", out[0])
	}
	if out[1].Symbol != "SOL" || out[2].Symbol != "BTC" {
		t.Errorf("entries should rank by confidence: got %s then %s", out[1].Symbol, out[2].Symbol)
	}
}

func TestValidateSkipsEmptySymbol(t *testing.T) {
	e := newTestEngine()

	out := e.Validate([]Decision{
		{Symbol: "", Action: ActionOpenLong, Confidence: 0.9},
		{Symbol: "BTC", Action: ActionWait, Confidence: 0},
	})
	if len(out) != 1 || out[0].Symbol != "BTC" {
		t.Errorf("empty symbol should be dropped, got %+v", out)
	}
}

func TestFallbackDecisionsCoverEveryCoin(t *testing.T) {
	out := fallbackDecisions([]string{"BTC", "ETH"}, "model call failed")
	if len(out) != 2 {
		t.Fatalf("got %d, want 2", len(out))
	}
	for _, d := range out {
		if d.Action != ActionWait || d.Reasoning != "model call failed" {
			t.Errorf("fallback must be wait with the failure reason, got %+v", d)
		}
	}
}
