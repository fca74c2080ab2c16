// fetch_klines downloads recent candles for the configured universe and writes
// one CSV per symbol, the input format of the scoring service's training
// pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"dcaGridBot/config"
	"dcaGridBot/internal/adapters/binanceclient"
	"dcaGridBot/internal/adapters/logger"
	"dcaGridBot/internal/utils"
)

func main() {
	symbolsFlag := flag.String("symbols", "", "comma-separated symbols (default: configured universe)")
	interval := flag.String("interval", "1h", "kline interval")
	limit := flag.Int("limit", 720, "number of candles per symbol")
	outDir := flag.String("out", "data", "output directory")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx := context.Background()

	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
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
	if len(symbols) == 0 {
		log.Fatal("FATAL: No symbols to fetch")
	}

	stamp := time.Now().UTC().Format("20060102")
	for _, symbol := range symbols {
		klines, err := binanceClient.GetKlines(ctx, symbol, *interval, *limit)
		if err != nil {
			appLogger.Error(ctx, err, "Failed to fetch klines", map[string]interface{}{"symbol": symbol})
			continue
		}

		filename := fmt.Sprintf("%s/%s_%s_%s.csv", *outDir, symbol, *interval, stamp)
		if err := utils.WriteKlinesToCSV(klines, filename); err != nil {
			appLogger.Error(ctx, err, "Failed to write CSV", map[string]interface{}{"symbol": symbol, "file": filename})
			continue
		}
		fmt.Printf("%s: %d candles -> %s\n", symbol, len(klines), filename)
	}
}
