package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
	"github.com/wyfcoding/stablecoin/pkg/metrics"
)

// LiquidationEngine 自动清算后台引擎：按固定间隔扫描所有在用稳定币，
// 对开启自动清算的可清算头寸执行整仓清算。
type LiquidationEngine struct {
	coinRepo     domain.StablecoinRepository
	positionRepo domain.PositionRepository
	liquidation  *LiquidationService
	metrics      *metrics.Metrics
	interval     time.Duration
	logger       *slog.Logger
}

// NewLiquidationEngine 创建自动清算引擎
func NewLiquidationEngine(
	coinRepo domain.StablecoinRepository,
	positionRepo domain.PositionRepository,
	liquidation *LiquidationService,
	m *metrics.Metrics,
	interval time.Duration,
	logger *slog.Logger,
) *LiquidationEngine {
	return &LiquidationEngine{
		coinRepo:     coinRepo,
		positionRepo: positionRepo,
		liquidation:  liquidation,
		metrics:      m,
		interval:     interval,
		logger:       logger.With("module", "liquidation_engine"),
	}
}

// Start 阻塞运行直到 ctx 取消
func (e *LiquidationEngine) Start(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.InfoContext(ctx, "liquidation engine started", "interval", e.interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "liquidation engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle 执行一轮自动清算扫描。单币种失败只记录日志，不影响其他币种。
func (e *LiquidationEngine) RunCycle(ctx context.Context) {
	coins, err := e.coinRepo.ListActive(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "list stablecoins failed", "error", err)
		return
	}
	for _, coin := range coins {
		results, err := e.liquidation.ProcessAutoLiquidations(ctx, coin.Symbol)
		if err != nil {
			e.logger.ErrorContext(ctx, "auto liquidation sweep failed",
				"symbol", coin.Symbol, "error", err)
			continue
		}
		if e.metrics != nil {
			for range results {
				e.metrics.LiquidationsTotal.Inc()
			}
			e.metrics.TotalSupply.WithLabelValues(coin.Symbol).Set(float64(coin.TotalSupply))
			if active, err := e.positionRepo.ListActiveBySymbol(ctx, coin.Symbol); err == nil {
				e.metrics.PositionsActive.WithLabelValues(coin.Symbol).Set(float64(len(active)))
			}
		}
		if len(results) > 0 {
			e.logger.InfoContext(ctx, "auto liquidations executed",
				"symbol", coin.Symbol, "count", len(results))
		}
	}
}

// StabilityMonitor 锚定监控后台引擎：巡检所有稳定币的锚定偏离，
// 应用稳定机制调整并在临界偏离时触发熔断。
type StabilityMonitor struct {
	stability *StabilityService
	metrics   *metrics.Metrics
	interval  time.Duration
	logger    *slog.Logger
}

// NewStabilityMonitor 创建锚定监控引擎
func NewStabilityMonitor(
	stability *StabilityService,
	m *metrics.Metrics,
	interval time.Duration,
	logger *slog.Logger,
) *StabilityMonitor {
	return &StabilityMonitor{
		stability: stability,
		metrics:   m,
		interval:  interval,
		logger:    logger.With("module", "stability_monitor"),
	}
}

// Start 阻塞运行直到 ctx 取消
func (m *StabilityMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.InfoContext(ctx, "stability monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "stability monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle 执行一轮锚定巡检：warning 级别应用稳定机制，critical 级别先熔断再调整，
// healthy 走一次 Apply 以便把此前调整过的费率与激励恢复基准。
func (m *StabilityMonitor) RunCycle(ctx context.Context) {
	statuses, err := m.stability.MonitorAllPegs(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "peg monitoring failed", "error", err)
		return
	}

	for _, status := range statuses {
		if m.metrics != nil && status.Status != "unknown" {
			pct, _ := status.Percentage.Float64()
			m.metrics.PegDeviation.WithLabelValues(status.Symbol).Set(pct)
		}
		switch status.Status {
		case "unknown":
			continue
		case "critical":
			if _, err := m.stability.ExecuteEmergencyActions(ctx, status.Symbol); err != nil {
				m.logger.ErrorContext(ctx, "emergency actions failed",
					"symbol", status.Symbol, "error", err)
			}
		}
		if _, err := m.stability.Apply(ctx, status.Symbol); err != nil {
			m.logger.ErrorContext(ctx, "stability adjustment failed",
				"symbol", status.Symbol, "error", err)
		}
	}
}
