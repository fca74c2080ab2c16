// scan runs a single detection pass through the full signal pipeline
// (detector, optional ML scoring, sizing and grid planning) without
// executing anything, then prints the tracked signals and portfolio stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"dcaGridBot/config"
	"dcaGridBot/internal/adapters/binanceclient"
	"dcaGridBot/internal/adapters/detector"
	"dcaGridBot/internal/adapters/logger"
	"dcaGridBot/internal/adapters/paperbroker"
	"dcaGridBot/internal/adapters/scorer"
	"dcaGridBot/internal/adapters/sqlite"
	"dcaGridBot/internal/app"
	"dcaGridBot/internal/executor"
	"dcaGridBot/internal/lifecycle"
	"dcaGridBot/internal/planner"
	"dcaGridBot/internal/ports"
	"dcaGridBot/internal/risk"
	"dcaGridBot/internal/sizing"
)

func main() {
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols to scan (defaults to SYMBOLS from env)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	symbols := cfg.Symbols
	if *symbolsFlag != "" {
		symbols = nil
		for _, s := range strings.Split(*symbolsFlag, ",") {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				symbols = append(symbols, strings.ToUpper(trimmed))
			}
		}
	}

	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer repo.Close()

	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	setupDetector, err := detector.New(binanceClient, appLogger, detector.Config{
		DropThreshold:   cfg.DropThreshold,
		KlineInterval:   cfg.KlineInterval,
		KlineLimit:      cfg.KlineLimit,
		BenchmarkSymbol: cfg.BenchmarkSymbol,
		MaxSupports:     5,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize setup detector: %v", err)
	}

	var mlScorer ports.MLScorer
	if cfg.MLEnabled {
		scorerClient, err := scorer.New(scorer.Config{
			BaseURL: cfg.ScorerURL,
			Timeout: cfg.ScorerTimeout,
			Logger:  appLogger,
		})
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize ML scorer client: %v", err)
		}
		mlScorer = scorerClient
	}

	broker, err := paperbroker.New(paperbroker.Config{
		StartingBalance: cfg.PaperStartingBalance,
		Logger:          appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize paper broker: %v", err)
	}

	riskMgr, err := risk.NewManager(cfg.RiskConfig())
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk manager: %v", err)
	}
	positionSizer, err := sizing.New(cfg.SizingConfig())
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize position sizer: %v", err)
	}
	gridPlanner, err := planner.New(cfg.PlannerConfig())
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize grid planner: %v", err)
	}

	gridExecutor, err := executor.New(cfg.ExecutorConfig(), appLogger, binanceClient, broker, repo, riskMgr)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize executor: %v", err)
	}

	// A one-shot scan never hands grids to the executor.
	lcCfg := cfg.LifecycleConfig()
	lcCfg.AutoExecute = false
	signals, err := lifecycle.NewManager(lcCfg, appLogger, setupDetector, mlScorer, repo, riskMgr, positionSizer, gridPlanner, gridExecutor)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize signal lifecycle: %v", err)
	}

	service, err := app.NewService(cfg, appLogger, signals, gridExecutor, riskMgr, repo)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}

	fmt.Printf("Scanning %d symbols (drop threshold %.1f%%, window %d x %s)...\n",
		len(symbols), cfg.DropThreshold*100, cfg.KlineLimit, cfg.KlineInterval)

	created := service.ScanOnce(ctx, symbols)
	if len(created) == 0 {
		fmt.Println("No setups found.")
	}
	for _, sig := range created {
		conf := "n/a"
		if sig.Confidence != nil {
			conf = fmt.Sprintf("%.2f", *sig.Confidence)
		}
		fmt.Printf("%-10s %-9s drop %.2f%% at %.4f  conf=%s regime=%s vol=%s tier=%s\n",
			sig.Setup.Symbol, sig.Status, sig.Setup.PercentDrop*100, sig.Setup.TriggerPrice,
			conf, sig.Setup.Market.Regime, sig.Setup.Market.Volatility, sig.Setup.Market.CapTier)
	}

	if active := service.ActiveSignals(); len(active) > 0 {
		fmt.Println("\nTracked signals:")
		for _, s := range active {
			fmt.Printf("  %-10s %-9s %s expires %s\n", s.Symbol, s.Status, s.ID, s.ExpiresAt.Format("15:04:05"))
		}
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		log.Fatalf("FATAL: Failed to load stats: %v", err)
	}
	fmt.Printf("\nPortfolio: value %.2f, exposure %.2f, open positions %d, realized PnL %.2f, win rate %.0f%%\n",
		stats.Portfolio.PortfolioValue, stats.Portfolio.CurrentExposure,
		stats.Portfolio.OpenPositions, stats.RealizedPnL, stats.WinRate*100)
}
