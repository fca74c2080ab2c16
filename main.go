package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

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
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	var appLogger ports.Logger
	switch cfg.LogFormat {
	case "json":
		appLogger = logger.NewLogrusLogger(cfg.LogLevel, true)
	case "text":
		appLogger = logger.NewLogrusLogger(cfg.LogLevel, false)
	default:
		appLogger = logger.NewStdLogger(cfg.LogLevel)
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "format": cfg.LogFormat})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Market Data Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 5. Initialize Setup Detector
	setupDetector, err := detector.New(binanceClient, appLogger, detector.Config{
		DropThreshold:   cfg.DropThreshold,
		KlineInterval:   cfg.KlineInterval,
		KlineLimit:      cfg.KlineLimit,
		BenchmarkSymbol: cfg.BenchmarkSymbol,
		MaxSupports:     5,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize setup detector")
		log.Fatalf("FATAL: Failed to initialize setup detector: %v", err)
	}

	// 6. Initialize ML Scorer (optional)
	var mlScorer ports.MLScorer
	if cfg.MLEnabled {
		scorerClient, err := scorer.New(scorer.Config{
			BaseURL: cfg.ScorerURL,
			Timeout: cfg.ScorerTimeout,
			Logger:  appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize ML scorer client")
			log.Fatalf("FATAL: Failed to initialize ML scorer client: %v", err)
		}
		mlScorer = scorerClient
		appLogger.Info(context.Background(), "ML scorer client initialized", map[string]interface{}{"url": cfg.ScorerURL})
	} else {
		appLogger.Info(context.Background(), "ML scoring disabled, signals approved with default confidence")
	}

	// 7. Initialize Paper Broker
	broker, err := paperbroker.New(paperbroker.Config{
		StartingBalance: cfg.PaperStartingBalance,
		Logger:          appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize paper broker")
		log.Fatalf("FATAL: Failed to initialize paper broker: %v", err)
	}

	// 8. Initialize Risk Manager, Sizer and Grid Planner
	riskMgr, err := risk.NewManager(cfg.RiskConfig())
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize risk manager")
		log.Fatalf("FATAL: Failed to initialize risk manager: %v", err)
	}
	positionSizer, err := sizing.New(cfg.SizingConfig())
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize position sizer")
		log.Fatalf("FATAL: Failed to initialize position sizer: %v", err)
	}
	gridPlanner, err := planner.New(cfg.PlannerConfig())
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize grid planner")
		log.Fatalf("FATAL: Failed to initialize grid planner: %v", err)
	}

	// 9. Initialize Executor
	gridExecutor, err := executor.New(cfg.ExecutorConfig(), appLogger, binanceClient, broker, repo, riskMgr)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize executor")
		log.Fatalf("FATAL: Failed to initialize executor: %v", err)
	}

	// 10. Initialize Signal Lifecycle
	signals, err := lifecycle.NewManager(cfg.LifecycleConfig(), appLogger, setupDetector, mlScorer, repo, riskMgr, positionSizer, gridPlanner, gridExecutor)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal lifecycle")
		log.Fatalf("FATAL: Failed to initialize signal lifecycle: %v", err)
	}

	// 11. Initialize Application Service
	service, err := app.NewService(cfg, appLogger, signals, gridExecutor, riskMgr, repo)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized")

	// 12. Start the Service
	// Use context.Background() as the base context for the application run
	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
