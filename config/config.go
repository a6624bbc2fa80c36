package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// TraderConfig configuration for a single trader
type TraderConfig struct {
	ID      string `json:"id" validate:"required"`
	Name    string `json:"name" validate:"required"`
	Enabled bool   `json:"enabled"`  // Whether this trader is enabled
	AIModel string `json:"ai_model"` // "groq", "qwen", "deepseek", or "custom"

	// Execution engine selection
	Engine string `json:"engine"` // "okx", "binance" or "paper"

	// OKX configuration (falls back to OKX_API_KEY / OKX_SECRET_KEY / OKX_PASSPHRASE env vars)
	OKXAPIKey     string `json:"okx_api_key,omitempty"`
	OKXSecretKey  string `json:"okx_secret_key,omitempty"`
	OKXPassphrase string `json:"okx_passphrase,omitempty"`
	OKXDemoMode   bool   `json:"okx_demo_mode,omitempty"` // Demo trading flag (x-simulated-trading header)

	// Binance configuration
	BinanceAPIKey    string `json:"binance_api_key,omitempty"`
	BinanceSecretKey string `json:"binance_secret_key,omitempty"`

	// AI configuration
	QwenKey     string `json:"qwen_key,omitempty"`
	DeepSeekKey string `json:"deepseek_key,omitempty"`
	GroqKey     string `json:"groq_key,omitempty"`
	GroqModel   string `json:"groq_model,omitempty"` // Groq model name, e.g., "openai/gpt-4o"

	// Custom AI API configuration (supports any OpenAI-format API)
	CustomAPIURL    string `json:"custom_api_url,omitempty"`
	CustomAPIKey    string `json:"custom_api_key,omitempty"`
	CustomModelName string `json:"custom_model_name,omitempty"`

	InitialBalance float64 `json:"initial_balance" validate:"gt=0"`
	CycleSeconds   int     `json:"cycle_seconds,omitempty"`
}

// ProfitRule is one rung of the take-profit ladder: when unrealized profit
// reaches ThresholdPct, CloseFraction of the remaining position is closed.
type ProfitRule struct {
	ThresholdPct  float64 `json:"threshold_pct" validate:"gt=0"`
	CloseFraction float64 `json:"close_fraction" validate:"gt=0,lte=1"`
}

// RiskConfig bounds every trade the system is allowed to place.
type RiskConfig struct {
	BaseRiskPerTrade        float64      `json:"base_risk_per_trade" validate:"gt=0,lte=1"`
	MinRiskPerTrade         float64      `json:"min_risk_per_trade"`
	MaxRiskPerTrade         float64      `json:"max_risk_per_trade"`
	MaxTradeValuePct        float64      `json:"max_trade_value_pct" validate:"gt=0,lte=1"`
	MinConfidence           float64      `json:"min_confidence" validate:"gte=0,lte=1"`
	MaxPositions            int          `json:"max_positions" validate:"gt=0"`
	MaxNewPositionsPerCycle int          `json:"max_new_positions_per_cycle" validate:"gt=0"`
	StopLossDefaultPct      float64      `json:"stop_loss_default_pct" validate:"gt=0,lt=1"`
	StopLossMaxPct          float64      `json:"stop_loss_max_pct" validate:"gt=0,lt=1"`
	MinLeverage             int          `json:"min_leverage" validate:"gte=1"`
	MaxLeverage             int          `json:"max_leverage" validate:"gte=1"`
	DefaultLeverage         int          `json:"default_leverage" validate:"gte=1"`
	QuickProfitPct          float64      `json:"quick_profit_pct"`
	ProfitLadder            []ProfitRule `json:"profit_ladder" validate:"dive"`
	TradeFeeRate            float64      `json:"trade_fee_rate" validate:"gte=0"`
	MaxSlippagePct          float64      `json:"max_slippage_pct" validate:"gte=0"`
	CashBufferRatio         float64      `json:"cash_buffer_ratio" validate:"gte=1"`
	CooldownSeconds         int          `json:"cooldown_seconds" validate:"gte=0"`
}

// SafetyConfig drives the account-level circuit breaker.
type SafetyConfig struct {
	MaxDailyLossPct float64 `json:"max_daily_loss_pct" validate:"gt=0,lte=1"`
	MaxTotalLossPct float64 `json:"max_total_loss_pct" validate:"gt=0,lte=1"`
	MaxDailyTrades  int     `json:"max_daily_trades" validate:"gt=0"`
}

// ExchangeConfig configures the signed REST adapter and its failover.
type ExchangeConfig struct {
	PrimaryURL              string `json:"primary_url" validate:"required,url"`
	BackupURL               string `json:"backup_url" validate:"required,url"`
	UseBackup               bool   `json:"use_backup"`     // Start on the backup URL
	AutoSwitch              bool   `json:"auto_switch"`    // Switch URL automatically on repeated failure
	PreferPrimary           bool   `json:"prefer_primary"` // Probe and switch back to primary when healthy
	FailoverThreshold       int    `json:"failover_threshold" validate:"gt=0"`
	MaxRetries              int    `json:"max_retries" validate:"gt=0"`
	RetryDelaySeconds       int    `json:"retry_delay_seconds" validate:"gt=0"`
	ConnectTimeoutSeconds   int    `json:"connect_timeout_seconds" validate:"gt=0"`
	ReadTimeoutSeconds      int    `json:"read_timeout_seconds" validate:"gt=0"`
	HealthCheckSeconds      int    `json:"health_check_seconds" validate:"gt=0"`
	BreakerFailureThreshold int    `json:"breaker_failure_threshold" validate:"gt=0"`
	BreakerTimeoutSeconds   int    `json:"breaker_timeout_seconds" validate:"gt=0"`
}

// Config main configuration
type Config struct {
	Traders         []TraderConfig `json:"traders" validate:"required,min=1,dive"`
	UseDefaultCoins bool           `json:"use_default_coins"` // Whether to use the default coin list
	DefaultCoins    []string       `json:"default_coins"`     // Default coin pool
	CoinPoolAPIURL  string         `json:"coin_pool_api_url"`
	APIServerPort   int            `json:"api_server_port"`

	Risk     RiskConfig     `json:"risk"`
	Safety   SafetyConfig   `json:"safety"`
	Exchange ExchangeConfig `json:"exchange"`
}

var validate = validator.New()

// LoadConfig loads configuration from file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills every unset field with the reference values so a
// minimal config file stays usable.
func (c *Config) applyDefaults() {
	if !c.UseDefaultCoins && c.CoinPoolAPIURL == "" {
		c.UseDefaultCoins = true
	}
	if len(c.DefaultCoins) == 0 {
		c.DefaultCoins = []string{"BTC", "ETH", "BNB", "XRP", "DOGE"}
	}
	if c.APIServerPort <= 0 {
		c.APIServerPort = 8080
	}

	r := &c.Risk
	if r.BaseRiskPerTrade <= 0 {
		r.BaseRiskPerTrade = 0.08
	}
	if r.MinRiskPerTrade <= 0 {
		r.MinRiskPerTrade = 0.05
	}
	if r.MaxRiskPerTrade <= 0 {
		r.MaxRiskPerTrade = 0.12
	}
	if r.MaxTradeValuePct <= 0 {
		r.MaxTradeValuePct = 0.40
	}
	if r.MinConfidence <= 0 {
		r.MinConfidence = 0.80
	}
	if r.MaxPositions <= 0 {
		r.MaxPositions = 2
	}
	if r.MaxNewPositionsPerCycle <= 0 {
		r.MaxNewPositionsPerCycle = 1
	}
	if r.StopLossDefaultPct <= 0 {
		r.StopLossDefaultPct = 0.08
	}
	if r.StopLossMaxPct <= 0 {
		r.StopLossMaxPct = 0.12
	}
	if r.MinLeverage <= 0 {
		r.MinLeverage = 1
	}
	if r.MaxLeverage <= 0 {
		r.MaxLeverage = 5
	}
	if r.DefaultLeverage <= 0 {
		r.DefaultLeverage = 3
	}
	if r.QuickProfitPct <= 0 {
		r.QuickProfitPct = 0.10
	}
	if len(r.ProfitLadder) == 0 {
		r.ProfitLadder = []ProfitRule{
			{ThresholdPct: 0.08, CloseFraction: 1.0},
			{ThresholdPct: 0.05, CloseFraction: 0.50},
			{ThresholdPct: 0.03, CloseFraction: 0.30},
		}
	}
	if r.TradeFeeRate <= 0 {
		r.TradeFeeRate = 0.0008
	}
	if r.MaxSlippagePct <= 0 {
		r.MaxSlippagePct = 0.003
	}
	if r.CashBufferRatio <= 0 {
		r.CashBufferRatio = 1.02
	}
	if r.CooldownSeconds <= 0 {
		r.CooldownSeconds = 2700
	}

	s := &c.Safety
	if s.MaxDailyLossPct <= 0 {
		s.MaxDailyLossPct = 0.10
	}
	if s.MaxTotalLossPct <= 0 {
		s.MaxTotalLossPct = 0.15
	}
	if s.MaxDailyTrades <= 0 {
		s.MaxDailyTrades = 50
	}

	e := &c.Exchange
	if e.PrimaryURL == "" {
		e.PrimaryURL = "https://www.okx.com"
	}
	if e.BackupURL == "" {
		e.BackupURL = "https://aws.okx.com"
	}
	if e.FailoverThreshold <= 0 {
		e.FailoverThreshold = 3
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = 5
	}
	if e.RetryDelaySeconds <= 0 {
		e.RetryDelaySeconds = 3
	}
	if e.ConnectTimeoutSeconds <= 0 {
		e.ConnectTimeoutSeconds = 10
	}
	if e.ReadTimeoutSeconds <= 0 {
		e.ReadTimeoutSeconds = 30
	}
	if e.HealthCheckSeconds <= 0 {
		e.HealthCheckSeconds = 300
	}
	if e.BreakerFailureThreshold <= 0 {
		e.BreakerFailureThreshold = 8
	}
	if e.BreakerTimeoutSeconds <= 0 {
		e.BreakerTimeoutSeconds = 30
	}

	for i := range c.Traders {
		t := &c.Traders[i]
		if t.Engine == "" {
			t.Engine = "paper"
		}
		if t.CycleSeconds <= 0 {
			t.CycleSeconds = 900
		}
		if t.Engine == "okx" && t.OKXAPIKey == "" {
			t.OKXAPIKey = os.Getenv("OKX_API_KEY")
			t.OKXSecretKey = os.Getenv("OKX_SECRET_KEY")
			t.OKXPassphrase = os.Getenv("OKX_PASSPHRASE")
		}
	}
}

// Validate validates configuration validity
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	traderIDs := make(map[string]bool)
	for i, trader := range c.Traders {
		if traderIDs[trader.ID] {
			return fmt.Errorf("trader[%d]: ID '%s' is duplicated", i, trader.ID)
		}
		traderIDs[trader.ID] = true

		if trader.AIModel != "groq" && trader.AIModel != "qwen" && trader.AIModel != "deepseek" && trader.AIModel != "custom" {
			return fmt.Errorf("trader[%d]: ai_model must be 'groq', 'qwen', 'deepseek' or 'custom'", i)
		}
		if trader.Engine != "okx" && trader.Engine != "binance" && trader.Engine != "paper" && trader.Engine != "simulate" && trader.Engine != "demo" {
			return fmt.Errorf("trader[%d]: engine must be 'okx', 'binance' or 'paper'/'simulate'/'demo'", i)
		}

		// Paper trading does not require exchange credentials
		if trader.Engine == "okx" {
			if trader.OKXAPIKey == "" || trader.OKXSecretKey == "" || trader.OKXPassphrase == "" {
				return fmt.Errorf("trader[%d]: okx_api_key, okx_secret_key and okx_passphrase must be configured when using OKX", i)
			}
		} else if trader.Engine == "binance" {
			if trader.BinanceAPIKey == "" || trader.BinanceSecretKey == "" {
				return fmt.Errorf("trader[%d]: binance_api_key and binance_secret_key must be configured when using Binance", i)
			}
		}

		if trader.AIModel == "qwen" && trader.QwenKey == "" {
			return fmt.Errorf("trader[%d]: qwen_key must be configured when using Qwen", i)
		}
		if trader.AIModel == "deepseek" && trader.DeepSeekKey == "" {
			return fmt.Errorf("trader[%d]: deepseek_key must be configured when using DeepSeek", i)
		}
		if trader.AIModel == "groq" && trader.GroqKey == "" {
			return fmt.Errorf("trader[%d]: groq_key must be configured when using Groq", i)
		}
		if trader.AIModel == "custom" {
			if trader.CustomAPIURL == "" || trader.CustomAPIKey == "" || trader.CustomModelName == "" {
				return fmt.Errorf("trader[%d]: custom_api_url, custom_api_key and custom_model_name must be configured when using custom API", i)
			}
		}
	}

	r := c.Risk
	if r.MaxRiskPerTrade < r.MinRiskPerTrade {
		return fmt.Errorf("risk: max_risk_per_trade (%.4f) must be >= min_risk_per_trade (%.4f)", r.MaxRiskPerTrade, r.MinRiskPerTrade)
	}
	if r.BaseRiskPerTrade < r.MinRiskPerTrade || r.BaseRiskPerTrade > r.MaxRiskPerTrade {
		return fmt.Errorf("risk: base_risk_per_trade (%.4f) must be within [%.4f, %.4f]", r.BaseRiskPerTrade, r.MinRiskPerTrade, r.MaxRiskPerTrade)
	}
	if r.MaxLeverage < r.MinLeverage {
		return fmt.Errorf("risk: max_leverage (%d) must be >= min_leverage (%d)", r.MaxLeverage, r.MinLeverage)
	}
	if r.DefaultLeverage < r.MinLeverage || r.DefaultLeverage > r.MaxLeverage {
		return fmt.Errorf("risk: default_leverage (%d) must be within [%d, %d]", r.DefaultLeverage, r.MinLeverage, r.MaxLeverage)
	}
	if r.StopLossMaxPct < r.StopLossDefaultPct {
		return fmt.Errorf("risk: stop_loss_max_pct (%.4f) must be >= stop_loss_default_pct (%.4f)", r.StopLossMaxPct, r.StopLossDefaultPct)
	}
	for i := 1; i < len(r.ProfitLadder); i++ {
		if r.ProfitLadder[i].ThresholdPct >= r.ProfitLadder[i-1].ThresholdPct {
			return fmt.Errorf("risk: profit_ladder thresholds must be strictly descending")
		}
	}

	if c.Safety.MaxTotalLossPct < c.Safety.MaxDailyLossPct {
		return fmt.Errorf("safety: max_total_loss_pct (%.4f) must be >= max_daily_loss_pct (%.4f)", c.Safety.MaxTotalLossPct, c.Safety.MaxDailyLossPct)
	}

	return nil
}

// GetCycleInterval gets the trading cycle interval
func (tc *TraderConfig) GetCycleInterval() time.Duration {
	return time.Duration(tc.CycleSeconds) * time.Second
}
