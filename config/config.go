package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"dcaGridBot/internal/adapters/logger" // Import the logger package for LogLevel
	"dcaGridBot/internal/executor"
	"dcaGridBot/internal/lifecycle"
	"dcaGridBot/internal/planner"
	"dcaGridBot/internal/risk"
	"dcaGridBot/internal/sizing"
)

// Config holds all application configuration.
type Config struct {
	// Universe
	Symbols         []string // Symbols scanned for setups
	BenchmarkSymbol string   // Benchmark for relative-performance context

	// Loop cadence. Monitoring must run more often than scanning since exits
	// are time-sensitive.
	ScanInterval    time.Duration
	ProcessInterval time.Duration
	MonitorInterval time.Duration

	// Portfolio / sizing
	PortfolioValue         float64
	BasePositionSize       float64
	MinOrderSize           float64
	MaxPositionPct         float64
	MaxPortfolioExposure   float64
	MaxConcurrentPositions int

	// ML gate
	MLEnabled         bool
	MinConfidence     float64
	MinExpectedValue  float64
	DefaultConfidence float64
	ScorerURL         string
	ScorerTimeout     time.Duration

	// Signal lifecycle
	SignalTTL      time.Duration
	CooldownPeriod time.Duration
	AutoExecute    bool

	// Grid planning
	GridBaseSpacing    float64
	GridEntryBuffer    float64
	GridSupportSnapTol float64
	GridMinLevelSize   float64
	GridTakeProfitPct  float64
	GridStopLossPct    float64
	GridMaxStopLossPct float64

	// Execution / monitoring
	SlippageTolerance float64
	MaxHoldDuration   time.Duration
	MonitorTimeout    time.Duration

	// Detection
	DropThreshold float64 // Minimum drop from lookback high to qualify as a setup
	KlineInterval string
	KlineLimit    int

	// Market data (Binance)
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Paper broker
	PaperStartingBalance float64

	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat string // "std", "text" or "json"
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Universe
	symbolsRaw := getEnv("SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT")
	for _, s := range strings.Split(symbolsRaw, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			cfg.Symbols = append(cfg.Symbols, strings.ToUpper(trimmed))
		}
	}
	if len(cfg.Symbols) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}
	cfg.BenchmarkSymbol = getEnv("BENCHMARK_SYMBOL", "BTCUSDT")

	// Loop cadence
	cfg.ScanInterval = secondsEnv("SCAN_INTERVAL_SECONDS", 300, &errs)
	cfg.ProcessInterval = secondsEnv("PROCESS_INTERVAL_SECONDS", 60, &errs)
	cfg.MonitorInterval = secondsEnv("MONITOR_INTERVAL_SECONDS", 15, &errs)
	if cfg.MonitorInterval >= cfg.ScanInterval {
		errs = append(errs, "MONITOR_INTERVAL_SECONDS must be smaller than SCAN_INTERVAL_SECONDS")
	}

	// Portfolio / sizing
	cfg.PortfolioValue, err = getEnvAsFloatRequired("PORTFOLIO_VALUE", 10000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PORTFOLIO_VALUE: %v", err))
	} else if cfg.PortfolioValue <= 0 {
		errs = append(errs, "PORTFOLIO_VALUE must be positive")
	}

	cfg.BasePositionSize, err = getEnvAsFloatRequired("BASE_POSITION_SIZE", 100.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BASE_POSITION_SIZE: %v", err))
	} else if cfg.BasePositionSize <= 0 {
		errs = append(errs, "BASE_POSITION_SIZE must be positive")
	}

	cfg.MinOrderSize = getEnvAsFloat("MIN_ORDER_SIZE", 10.0)
	if cfg.MinOrderSize <= 0 {
		errs = append(errs, "MIN_ORDER_SIZE must be positive")
	}

	cfg.MaxPositionPct = getEnvAsFloat("MAX_POSITION_PCT", 0.10)
	if cfg.MaxPositionPct <= 0 || cfg.MaxPositionPct > 1 {
		errs = append(errs, "MAX_POSITION_PCT must be between 0 and 1")
	}

	cfg.MaxPortfolioExposure = getEnvAsFloat("MAX_PORTFOLIO_EXPOSURE", 0.50)
	if cfg.MaxPortfolioExposure <= 0 || cfg.MaxPortfolioExposure > 1 {
		errs = append(errs, "MAX_PORTFOLIO_EXPOSURE must be between 0 and 1")
	}

	cfg.MaxConcurrentPositions, err = getEnvAsIntRequired("MAX_CONCURRENT_POSITIONS", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_CONCURRENT_POSITIONS: %v", err))
	} else if cfg.MaxConcurrentPositions <= 0 {
		errs = append(errs, "MAX_CONCURRENT_POSITIONS must be positive")
	}

	// ML gate
	cfg.MLEnabled = getEnvAsBool("ML_ENABLED", true)
	cfg.MinConfidence = getEnvAsFloat("ML_MIN_CONFIDENCE", 0.55)
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		errs = append(errs, "ML_MIN_CONFIDENCE must be between 0 and 1")
	}
	cfg.MinExpectedValue = getEnvAsFloat("MIN_EXPECTED_VALUE", 0.01)
	cfg.DefaultConfidence = getEnvAsFloat("DEFAULT_CONFIDENCE", 0.6)
	if cfg.DefaultConfidence < 0 || cfg.DefaultConfidence > 1 {
		errs = append(errs, "DEFAULT_CONFIDENCE must be between 0 and 1")
	}
	cfg.ScorerURL = getEnv("SCORER_URL", "")
	if cfg.MLEnabled && cfg.ScorerURL == "" {
		errs = append(errs, "SCORER_URL must be set when ML_ENABLED is true")
	}
	cfg.ScorerTimeout = secondsEnv("SCORER_TIMEOUT_SECONDS", 5, &errs)

	// Signal lifecycle
	cfg.SignalTTL = hoursEnv("SIGNAL_TTL_HOURS", 4, &errs)
	cfg.CooldownPeriod = hoursEnv("COOLDOWN_HOURS", 2, &errs)
	cfg.AutoExecute = getEnvAsBool("AUTO_EXECUTE", true)

	// Grid planning
	cfg.GridBaseSpacing = getEnvAsFloat("GRID_BASE_SPACING", 0.025)
	cfg.GridEntryBuffer = getEnvAsFloat("GRID_ENTRY_BUFFER", 0.005)
	cfg.GridSupportSnapTol = getEnvAsFloat("GRID_SUPPORT_SNAP_TOL", 0.005)
	cfg.GridMinLevelSize = getEnvAsFloat("GRID_MIN_LEVEL_SIZE", 10.0)
	cfg.GridTakeProfitPct = getEnvAsFloat("GRID_TAKE_PROFIT_PCT", 0.04)
	cfg.GridStopLossPct = getEnvAsFloat("GRID_STOP_LOSS_PCT", 0.10)
	cfg.GridMaxStopLossPct = getEnvAsFloat("GRID_MAX_STOP_LOSS_PCT", 0.15)
	if cfg.GridBaseSpacing <= 0 || cfg.GridBaseSpacing >= 1 {
		errs = append(errs, "GRID_BASE_SPACING must be between 0 and 1 (exclusive)")
	}
	if cfg.GridStopLossPct > cfg.GridMaxStopLossPct {
		errs = append(errs, "GRID_STOP_LOSS_PCT cannot exceed GRID_MAX_STOP_LOSS_PCT")
	}

	// Execution / monitoring
	cfg.SlippageTolerance = getEnvAsFloat("SLIPPAGE_TOLERANCE", 0.002)
	if cfg.SlippageTolerance < 0 {
		errs = append(errs, "SLIPPAGE_TOLERANCE cannot be negative")
	}
	cfg.MaxHoldDuration = hoursEnv("MAX_HOLD_HOURS", 72, &errs)
	cfg.MonitorTimeout = secondsEnv("MONITOR_TIMEOUT_SECONDS", 10, &errs)

	// Detection
	cfg.DropThreshold = getEnvAsFloat("DROP_THRESHOLD", 0.05)
	if cfg.DropThreshold <= 0 || cfg.DropThreshold >= 1 {
		errs = append(errs, "DROP_THRESHOLD must be between 0 and 1 (exclusive)")
	}
	cfg.KlineInterval = getEnv("KLINE_INTERVAL", "1h")
	cfg.KlineLimit = getEnvAsInt("KLINE_LIMIT", 168)
	if cfg.KlineLimit <= 0 {
		errs = append(errs, "KLINE_LIMIT must be positive")
	}

	// Market data
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Paper broker
	cfg.PaperStartingBalance, err = getEnvAsFloatRequired("PAPER_STARTING_BALANCE", 10000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PAPER_STARTING_BALANCE: %v", err))
	} else if cfg.PaperStartingBalance <= 0 {
		errs = append(errs, "PAPER_STARTING_BALANCE must be positive")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/grid_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "std"))
	switch cfg.LogFormat {
	case "std", "text", "json":
	default:
		errs = append(errs, "LOG_FORMAT must be one of: std, text, json")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Component config derivation ---

// SizingConfig builds the position sizer's policy from the loaded settings,
// keeping the empirical multiplier tables at their defaults.
func (c *Config) SizingConfig() sizing.Config {
	sc := sizing.DefaultConfig()
	sc.BaseSize = c.BasePositionSize
	sc.MinOrderSize = c.MinOrderSize
	sc.MaxPositionPct = c.MaxPositionPct
	sc.MaxPortfolioExposure = c.MaxPortfolioExposure
	sc.MaxConcurrentPositions = c.MaxConcurrentPositions
	return sc
}

// PlannerConfig builds the grid planner's policy.
func (c *Config) PlannerConfig() planner.Config {
	pc := planner.DefaultConfig()
	pc.BaseSpacing = c.GridBaseSpacing
	pc.EntryBuffer = c.GridEntryBuffer
	pc.SupportSnapTol = c.GridSupportSnapTol
	pc.MinLevelSize = c.GridMinLevelSize
	pc.TakeProfitPct = c.GridTakeProfitPct
	pc.StopLossPct = c.GridStopLossPct
	pc.MaxStopLossPct = c.GridMaxStopLossPct
	return pc
}

// RiskConfig builds the risk manager limits.
func (c *Config) RiskConfig() risk.Config {
	return risk.Config{
		PortfolioValue:         c.PortfolioValue,
		MaxConcurrentPositions: c.MaxConcurrentPositions,
		MaxPortfolioExposure:   c.MaxPortfolioExposure,
	}
}

// LifecycleConfig builds the signal lifecycle settings.
func (c *Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		SignalTTL:         c.SignalTTL,
		CooldownPeriod:    c.CooldownPeriod,
		MLEnabled:         c.MLEnabled,
		MinConfidence:     c.MinConfidence,
		MinExpectedValue:  c.MinExpectedValue,
		DefaultConfidence: c.DefaultConfidence,
		AutoExecute:       c.AutoExecute,
	}
}

// ExecutorConfig builds the execution/monitoring settings.
func (c *Config) ExecutorConfig() executor.Config {
	ec := executor.DefaultConfig()
	ec.SlippageTolerance = c.SlippageTolerance
	ec.MaxHoldDuration = c.MaxHoldDuration
	ec.MonitorTimeout = c.MonitorTimeout
	ec.MinLevelSize = c.GridMinLevelSize
	return ec
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func secondsEnv(key string, defaultSeconds int, errs *[]string) time.Duration {
	v := getEnvAsInt(key, defaultSeconds)
	if v <= 0 {
		*errs = append(*errs, key+" must be positive")
		v = defaultSeconds
	}
	return time.Duration(v) * time.Second
}

func hoursEnv(key string, defaultHours int, errs *[]string) time.Duration {
	v := getEnvAsInt(key, defaultHours)
	if v <= 0 {
		*errs = append(*errs, key+" must be positive")
		v = defaultHours
	}
	return time.Duration(v) * time.Hour
}
