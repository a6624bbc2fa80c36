package decision

import (
	"strings"
	"testing"
)

func TestParseDecisionsPlainArray(t *testing.T) {
	raw := `[{"symbol": "BTC", "action": "open_long", "confidence": 0.85, "reasoning": "breakout"}]`
	decisions, err := ParseDecisions(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Symbol != "BTC" || decisions[0].Action != "open_long" {
		t.Errorf("got %+v", decisions)
	}
}

func TestParseDecisionsJSONFence(t *testing.T) {
	raw := "Here is my analysis of the market.\n\n```json\n" +
		`[{"symbol": "ETH", "action": "wait", "confidence": 0.3, "reasoning": "choppy"}]` +
		"\n```\n"
	decisions, err := ParseDecisions(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Symbol != "ETH" {
		t.Errorf("got %+v", decisions)
	}
}

func TestParseDecisionsPlainFence(t *testing.T) {
	raw := "analysis\n```\n" +
		`[{"symbol": "DOGE", "action": "hold", "confidence": 0.5, "reasoning": "meme"}]` +
		"\n```"
	decisions, err := ParseDecisions(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Symbol != "DOGE" {
		t.Errorf("got %+v", decisions)
	}
}

func TestParseDecisionsSmartQuotesAndTrailingCommas(t *testing.T) {
	raw := `[{“symbol”: “BTC”, “action”: “open_short”, “confidence”: 0.9, “reasoning”: “top”,}, ]`
	decisions, err := ParseDecisions(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Action != "open_short" {
		t.Errorf("got %+v", decisions)
	}
}

func TestParseDecisionsSkipsNumericArraysInReasoning(t *testing.T) {
	// A reasoning trace containing numeric arrays must not confuse extraction
	raw := "RSI values were [30, 28, 35] over the last candles.\n" +
		`[{"symbol": "XRP", "action": "wait", "confidence": 0.2, "reasoning": "oversold but weak"}]`
	decisions, err := ParseDecisions(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions) != 1 || decisions[0].Symbol != "XRP" {
		t.Errorf("got %+v", decisions)
	}
}

func TestParseDecisionsMultipleObjects(t *testing.T) {
	raw := `[
		{"symbol": "BTC", "action": "close_long", "confidence": 0.7, "reasoning": "take profit"},
		{"symbol": "ETH", "action": "open_long", "confidence": 0.88, "reasoning": "strength"}
	]`
	decisions, err := ParseDecisions(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decisions) != 2 {
		t.Fatalf("got %d decisions, want 2", len(decisions))
	}
}

func TestParseDecisionsNoArray(t *testing.T) {
	_, err := ParseDecisions("I am not sure what to do right now, the market is unclear.")
	if err == nil {
		t.Fatal("expected error for response without a decision array")
	}
	if !strings.Contains(err.Error(), "unable to find") {
		t.Errorf("unexpected error text: %v", err)
	}
}

func TestExtractCoTTrace(t *testing.T) {
	raw := "The funding rate flipped negative.\n```json\n[{\"symbol\": \"BTC\", \"action\": \"wait\", \"confidence\": 0.1, \"reasoning\": \"x\"}]\n```"
	trace := extractCoTTrace(raw)
	if trace != "The funding rate flipped negative." {
		t.Errorf("got %q", trace)
	}

	if got := extractCoTTrace(`[{"symbol": "BTC", "action": "wait", "confidence": 0.1, "reasoning": "x"}]`); got != "" {
		t.Errorf("array-only response should have empty trace, got %q", got)
	}
}
