package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/leo20251128/aigame/api"
	"github.com/leo20251128/aigame/config"
	"github.com/leo20251128/aigame/manager"
	"github.com/leo20251128/aigame/pool"
)

func main() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║        🤖 AI-Driven Perpetual Futures Trading System       ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()

	// Load .env if present (silently ignore if missing)
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			log.Printf("ℹ️  No .env file found, continuing with OS environment variables")
		} else {
			log.Printf("⚠️  Failed to load .env file: %v", err)
		}
	}

	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	log.Printf("📋 Loading configuration file: %s", configFile)
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}

	// Hosting platforms inject PORT; it wins over config.json
	if envPort := os.Getenv("PORT"); envPort != "" {
		if portNum, err := strconv.Atoi(envPort); err == nil {
			cfg.APIServerPort = portNum
			log.Printf("✓ Using PORT from environment: %d", portNum)
		}
	}

	log.Printf("✓ Configuration loaded, %d traders configured", len(cfg.Traders))
	fmt.Println()

	pool.SetDefaultCoins(cfg.DefaultCoins)
	pool.SetUseDefaultCoins(cfg.UseDefaultCoins)
	if cfg.UseDefaultCoins {
		log.Printf("✓ Default coin list enabled (%d coins): %v", len(cfg.DefaultCoins), cfg.DefaultCoins)
	}
	if cfg.CoinPoolAPIURL != "" {
		pool.SetCoinPoolAPI(cfg.CoinPoolAPIURL)
		log.Printf("✓ Remote coin pool API configured")
	}

	traderManager := manager.NewTraderManager()

	enabledCount := 0
	for i, traderCfg := range cfg.Traders {
		if !traderCfg.Enabled {
			log.Printf("⏭️  [%d/%d] Skipping disabled trader: %s", i+1, len(cfg.Traders), traderCfg.Name)
			continue
		}

		enabledCount++
		log.Printf("📦 [%d/%d] Initializing %s (%s model, %s engine)...",
			i+1, len(cfg.Traders), traderCfg.Name, strings.ToUpper(traderCfg.AIModel), traderCfg.Engine)

		if err := traderManager.AddTrader(traderCfg, cfg); err != nil {
			log.Fatalf("❌ Failed to initialize trader: %v", err)
		}
	}

	if enabledCount == 0 {
		log.Fatalf("❌ No enabled traders found, please set at least one trader's enabled=true in %s", configFile)
	}

	fmt.Println()
	fmt.Println("🏁 Active Traders:")
	for _, traderCfg := range cfg.Traders {
		if !traderCfg.Enabled {
			continue
		}
		fmt.Printf("  • %s (%s, %s) - Initial Balance: %.0f USDT\n",
			traderCfg.Name, strings.ToUpper(traderCfg.AIModel), traderCfg.Engine, traderCfg.InitialBalance)
	}

	fmt.Println()
	fmt.Println("🛡  Safety Layers:")
	fmt.Printf("  • Risk manager sizes every entry (base risk %.1f%%, max %d concurrent positions)\n",
		cfg.Risk.BaseRiskPerTrade*100, cfg.Risk.MaxPositions)
	fmt.Printf("  • Circuit breaker halts entries at %.0f%% daily loss / %.0f%% total loss / %d trades per day\n",
		cfg.Safety.MaxDailyLossPct*100, cfg.Safety.MaxTotalLossPct*100, cfg.Safety.MaxDailyTrades)
	fmt.Println("  • Every model decision is validated before execution; invalid output becomes wait")
	fmt.Println()
	fmt.Println("⚠️  Risk Warning: automated trading has risks, test with small funds first!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	apiServer := api.NewServer(traderManager, cfg.APIServerPort)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("❌ API server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	traderManager.StartAll()

	<-sigChan
	fmt.Println()
	fmt.Println()
	log.Println("📛 Received shutdown signal, stopping all traders...")
	traderManager.StopAll()

	fmt.Println()
	fmt.Println("👋 Shutdown complete")
}
