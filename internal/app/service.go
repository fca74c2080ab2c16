package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dcaGridBot/config"
	"dcaGridBot/internal/domain"
	"dcaGridBot/internal/executor"
	"dcaGridBot/internal/lifecycle"
	"dcaGridBot/internal/ports"
	"dcaGridBot/internal/risk"
)

// Stats aggregates portfolio-level outcomes for dashboards and the CLI.
type Stats struct {
	Portfolio       domain.PortfolioState
	RealizedPnL     float64
	ClosedPositions map[domain.PositionStatus]int
	WinRate         float64 // take_profit closes / all closes
}

// Service orchestrates the three periodic activities of the trading core:
// scanning for setups, processing approved signals, and monitoring positions.
// The loops run on independent schedules against the lifecycle and executor
// stores, which synchronize internally; stopping the service stops all three
// and waits for any in-flight cycle to finish.
type Service struct {
	cfg      *config.Config
	logger   ports.Logger
	signals  *lifecycle.Manager
	executor *executor.Executor
	riskMgr  *risk.Manager
	store    ports.Store

	wg sync.WaitGroup
}

// NewService creates the application service.
func NewService(
	cfg *config.Config,
	logger ports.Logger,
	signals *lifecycle.Manager,
	exec *executor.Executor,
	riskMgr *risk.Manager,
	store ports.Store,
) (*Service, error) {
	if cfg == nil || logger == nil || signals == nil || exec == nil || riskMgr == nil || store == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	if cfg.MonitorInterval <= 0 || cfg.ScanInterval <= 0 || cfg.ProcessInterval <= 0 {
		return nil, fmt.Errorf("loop intervals must be positive")
	}
	return &Service{
		cfg:      cfg,
		logger:   logger,
		signals:  signals,
		executor: exec,
		riskMgr:  riskMgr,
		store:    store,
	}, nil
}

// Start recovers persisted state, launches the three loops, and blocks until
// the context is cancelled or a shutdown signal arrives. A store failure
// during recovery is fatal: monitoring loops never start on unknown state.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting trading core...", map[string]interface{}{
		"symbols":         s.cfg.Symbols,
		"scanInterval":    s.cfg.ScanInterval.String(),
		"monitorInterval": s.cfg.MonitorInterval.String(),
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Crash recovery before any loop starts.
	if err := s.executor.Restore(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to restore positions from store")
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if err := s.signals.Restore(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to restore signals from store")
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	s.runLoop(ctx, "scan", s.cfg.ScanInterval, func(ctx context.Context) {
		created := s.signals.ScanOnce(ctx, s.cfg.Symbols)
		if len(created) > 0 {
			s.logger.Info(ctx, "Scan cycle produced signals", map[string]interface{}{"count": len(created)})
		}
	})
	s.runLoop(ctx, "process", s.cfg.ProcessInterval, s.signals.ProcessPending)
	s.runLoop(ctx, "monitor", s.cfg.MonitorInterval, s.executor.MonitorOnce)

	<-ctx.Done()
	s.logger.Info(ctx, "Shutting down, waiting for loops to finish...")
	s.wg.Wait()
	s.logger.Info(ctx, "Trading core stopped.")
	return nil
}

// runLoop schedules fn on its own ticker. The loop exits only between cycles,
// so a cancellation never interrupts fn mid-mutation of shared state.
func (s *Service) runLoop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.logger.Debug(ctx, "Loop started", map[string]interface{}{"loop": name, "interval": interval.String()})
		for {
			select {
			case <-ctx.Done():
				s.logger.Debug(ctx, "Loop stopped", map[string]interface{}{"loop": name})
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// ScanOnce runs a single on-demand detection pass, for manual scanning.
func (s *Service) ScanOnce(ctx context.Context, symbols []string) []*domain.Signal {
	if len(symbols) == 0 {
		symbols = s.cfg.Symbols
	}
	return s.signals.ScanOnce(ctx, symbols)
}

// ProcessPendingOnce runs a single pass over approved signals, for manual
// execution when auto-execution is disabled.
func (s *Service) ProcessPendingOnce(ctx context.Context) {
	s.signals.ProcessPending(ctx)
}

// ActiveSignals returns summaries of all tracked, non-terminal signals.
func (s *Service) ActiveSignals() []lifecycle.Summary {
	return s.signals.ActiveSignals()
}

// ActivePositions returns summaries of all live positions.
func (s *Service) ActivePositions() []executor.Summary {
	return s.executor.ActivePositions()
}

// SignalDetails returns one signal by id, nil if unknown.
func (s *Service) SignalDetails(ctx context.Context, id string) (*domain.Signal, error) {
	return s.signals.SignalDetails(ctx, id)
}

// PositionDetails returns one position by id, nil if unknown.
func (s *Service) PositionDetails(ctx context.Context, id string) (*domain.Position, error) {
	return s.executor.PositionDetails(ctx, id)
}

// ClosePosition closes a live position at market, with a manual close reason.
func (s *Service) ClosePosition(ctx context.Context, id string) error {
	return s.executor.ClosePosition(ctx, id)
}

// Stats returns aggregate portfolio outcomes from the risk manager and store.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	realized, err := s.store.TotalRealizedPnL(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading realized pnl: %w", err)
	}
	outcomes, err := s.store.CountClosedByOutcome(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading close outcomes: %w", err)
	}
	total := 0
	for _, n := range outcomes {
		total += n
	}
	winRate := 0.0
	if total > 0 {
		winRate = float64(outcomes[domain.PositionTakeProfit]) / float64(total)
	}
	return &Stats{
		Portfolio:       s.riskMgr.Snapshot(),
		RealizedPnL:     realized,
		ClosedPositions: outcomes,
		WinRate:         winRate,
	}, nil
}
