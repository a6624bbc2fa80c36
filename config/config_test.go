package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `{
	"traders": [
		{
			"id": "paper1",
			"name": "Paper One",
			"enabled": true,
			"ai_model": "groq",
			"groq_key": "gk_test",
			"engine": "paper",
			"initial_balance": 10000
		}
	]
}`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := cfg.Risk
	if r.BaseRiskPerTrade != 0.08 || r.MaxTradeValuePct != 0.40 || r.MinConfidence != 0.80 {
		t.Errorf("risk sizing defaults: %+v", r)
	}
	if r.MaxPositions != 2 || r.MaxNewPositionsPerCycle != 1 {
		t.Errorf("position cap defaults: %+v", r)
	}
	if r.StopLossDefaultPct != 0.08 || r.StopLossMaxPct != 0.12 {
		t.Errorf("stop-loss defaults: %+v", r)
	}
	if r.QuickProfitPct != 0.10 || len(r.ProfitLadder) != 3 {
		t.Errorf("take-profit defaults: %+v", r)
	}
	if r.CooldownSeconds != 2700 {
		t.Errorf("cooldown default: got %d, want 2700", r.CooldownSeconds)
	}

	s := cfg.Safety
	if s.MaxDailyLossPct != 0.10 || s.MaxTotalLossPct != 0.15 || s.MaxDailyTrades != 50 {
		t.Errorf("safety defaults: %+v", s)
	}

	e := cfg.Exchange
	if e.PrimaryURL != "https://www.okx.com" || e.BackupURL != "https://aws.okx.com" {
		t.Errorf("exchange URL defaults: %+v", e)
	}
	if e.FailoverThreshold != 3 || e.MaxRetries != 5 {
		t.Errorf("exchange retry defaults: %+v", e)
	}

	if cfg.Traders[0].CycleSeconds != 900 {
		t.Errorf("cycle default: got %d, want 900", cfg.Traders[0].CycleSeconds)
	}
	if cfg.Traders[0].GetCycleInterval().Minutes() != 15 {
		t.Errorf("cycle interval: got %v", cfg.Traders[0].GetCycleInterval())
	}
	if !cfg.UseDefaultCoins || len(cfg.DefaultCoins) == 0 {
		t.Error("default coin pool should be enabled when no remote API is set")
	}
	if cfg.APIServerPort != 8080 {
		t.Errorf("port default: got %d, want 8080", cfg.APIServerPort)
	}
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigRejectsBadJSON(t *testing.T) {
	if _, err := LoadConfig(writeConfigFile(t, `{"traders": [`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestValidateDuplicateTraderID(t *testing.T) {
	raw := `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "groq", "groq_key": "k", "engine": "paper", "initial_balance": 1000},
			{"id": "a", "name": "B", "ai_model": "groq", "groq_key": "k", "engine": "paper", "initial_balance": 1000}
		]
	}`
	_, err := LoadConfig(writeConfigFile(t, raw))
	if err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("expected duplicate ID error, got %v", err)
	}
}

func TestValidateUnknownEngine(t *testing.T) {
	raw := `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "groq", "groq_key": "k", "engine": "kraken", "initial_balance": 1000}
		]
	}`
	if _, err := LoadConfig(writeConfigFile(t, raw)); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}

func TestValidateLiveEngineRequiresCredentials(t *testing.T) {
	raw := `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "groq", "groq_key": "k", "engine": "okx", "initial_balance": 1000}
		]
	}`
	_, err := LoadConfig(writeConfigFile(t, raw))
	if err == nil || !strings.Contains(err.Error(), "okx_api_key") {
		t.Fatalf("expected credential error, got %v", err)
	}

	raw = strings.Replace(raw, `"engine": "okx"`, `"engine": "binance"`, 1)
	_, err = LoadConfig(writeConfigFile(t, raw))
	if err == nil || !strings.Contains(err.Error(), "binance_api_key") {
		t.Fatalf("expected credential error, got %v", err)
	}
}

func TestValidateModelRequiresKey(t *testing.T) {
	raw := `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "qwen", "engine": "paper", "initial_balance": 1000}
		]
	}`
	_, err := LoadConfig(writeConfigFile(t, raw))
	if err == nil || !strings.Contains(err.Error(), "qwen_key") {
		t.Fatalf("expected qwen key error, got %v", err)
	}
}

func TestValidateLeverageBounds(t *testing.T) {
	raw := `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "groq", "groq_key": "k", "engine": "paper", "initial_balance": 1000}
		],
		"risk": {"min_leverage": 3, "max_leverage": 2, "default_leverage": 3}
	}`
	_, err := LoadConfig(writeConfigFile(t, raw))
	if err == nil || !strings.Contains(err.Error(), "max_leverage") {
		t.Fatalf("expected leverage bound error, got %v", err)
	}
}

func TestValidateLadderMustDescend(t *testing.T) {
	raw := `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "groq", "groq_key": "k", "engine": "paper", "initial_balance": 1000}
		],
		"risk": {"profit_ladder": [
			{"threshold_pct": 0.03, "close_fraction": 0.3},
			{"threshold_pct": 0.05, "close_fraction": 0.5}
		]}
	}`
	_, err := LoadConfig(writeConfigFile(t, raw))
	if err == nil || !strings.Contains(err.Error(), "descending") {
		t.Fatalf("expected ladder order error, got %v", err)
	}
}

func TestValidateStopLossBounds(t *testing.T) {
	raw := `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "groq", "groq_key": "k", "engine": "paper", "initial_balance": 1000}
		],
		"risk": {"stop_loss_default_pct": 0.10, "stop_loss_max_pct": 0.05}
	}`
	_, err := LoadConfig(writeConfigFile(t, raw))
	if err == nil || !strings.Contains(err.Error(), "stop_loss_max_pct") {
		t.Fatalf("expected stop-loss bound error, got %v", err)
	}
}

func TestValidateBaseRiskWithinBand(t *testing.T) {
	// Above the defaulted max_risk_per_trade (0.12)
	raw := `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "groq", "groq_key": "k", "engine": "paper", "initial_balance": 1000}
		],
		"risk": {"base_risk_per_trade": 0.20}
	}`
	_, err := LoadConfig(writeConfigFile(t, raw))
	if err == nil || !strings.Contains(err.Error(), "base_risk_per_trade") {
		t.Fatalf("expected base risk band error, got %v", err)
	}

	// Below the defaulted min_risk_per_trade (0.05)
	raw = `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "groq", "groq_key": "k", "engine": "paper", "initial_balance": 1000}
		],
		"risk": {"base_risk_per_trade": 0.02}
	}`
	_, err = LoadConfig(writeConfigFile(t, raw))
	if err == nil || !strings.Contains(err.Error(), "base_risk_per_trade") {
		t.Fatalf("expected base risk band error, got %v", err)
	}

	// A widened band admits the same base risk
	raw = `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "groq", "groq_key": "k", "engine": "paper", "initial_balance": 1000}
		],
		"risk": {"base_risk_per_trade": 0.02, "min_risk_per_trade": 0.01, "max_risk_per_trade": 0.05}
	}`
	if _, err = LoadConfig(writeConfigFile(t, raw)); err != nil {
		t.Fatalf("widened band should accept 0.02: %v", err)
	}
}

func TestValidateTotalLossMustCoverDailyLoss(t *testing.T) {
	raw := `{
		"traders": [
			{"id": "a", "name": "A", "ai_model": "groq", "groq_key": "k", "engine": "paper", "initial_balance": 1000}
		],
		"safety": {"max_daily_loss_pct": 0.20, "max_total_loss_pct": 0.15}
	}`
	_, err := LoadConfig(writeConfigFile(t, raw))
	if err == nil || !strings.Contains(err.Error(), "max_total_loss_pct") {
		t.Fatalf("expected safety bound error, got %v", err)
	}
}
