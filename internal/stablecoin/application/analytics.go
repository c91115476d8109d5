package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
)

// CollateralAnalyticsService 抵押品分析服务：估值、评分与分布统计，只读。
type CollateralAnalyticsService struct {
	coinRepo     domain.StablecoinRepository
	positionRepo domain.PositionRepository
	oracle       domain.Oracle
	logger       *slog.Logger
}

// NewCollateralAnalyticsService 创建抵押品分析服务
func NewCollateralAnalyticsService(
	coinRepo domain.StablecoinRepository,
	positionRepo domain.PositionRepository,
	oracle domain.Oracle,
	logger *slog.Logger,
) *CollateralAnalyticsService {
	return &CollateralAnalyticsService{
		coinRepo:     coinRepo,
		positionRepo: positionRepo,
		oracle:       oracle,
		logger:       logger.With("module", "collateral_analytics"),
	}
}

// ConvertToPegAsset 将抵押资产金额折算为锚定资产金额，无汇率时硬失败。
func (s *CollateralAnalyticsService) ConvertToPegAsset(ctx context.Context, assetCode string, amount int64, pegAssetCode string) (int64, error) {
	if assetCode == pegAssetCode {
		return amount, nil
	}
	rate, err := s.oracle.GetRate(ctx, assetCode, pegAssetCode)
	if err != nil {
		return 0, fmt.Errorf("convert %s to %s: %w", assetCode, pegAssetCode, err)
	}
	return domain.ConvertToPegAsset(assetCode, amount, pegAssetCode, rate), nil
}

// TotalCollateralValue 全量重算某稳定币所有 active 头寸的锚定价值之和。
// 仅用于对账与报表；热路径读取聚合根上的运行累计值。
func (s *CollateralAnalyticsService) TotalCollateralValue(ctx context.Context, symbol string) (int64, error) {
	coin, err := s.coinRepo.FindBySymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}
	positions, err := s.positionRepo.ListActiveBySymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}

	rates := newRateCache(s.oracle, coin.PegAssetCode)
	var total int64
	for _, p := range positions {
		pegValue, err := rates.convert(ctx, p.CollateralAsset, p.CollateralAmount)
		if err != nil {
			return 0, err
		}
		total += pegValue
	}
	return total, nil
}

// PositionHealthReport 头寸健康报告
type PositionHealthReport struct {
	PositionID       string                  `json:"position_id"`
	Symbol           string                  `json:"symbol"`
	CollateralAsset  string                  `json:"collateral_asset"`
	CollateralAmount int64                   `json:"collateral_amount"`
	DebtAmount       int64                   `json:"debt_amount"`
	CollateralRatio  decimal.Decimal         `json:"collateral_ratio"`
	HealthScore      float64                 `json:"health_score"`
	Priority         float64                 `json:"liquidation_priority"`
	Recommendations  []domain.Recommendation `json:"recommendations"`
}

// PositionHealth 计算单个头寸的健康度、清算优先级与操作建议。
func (s *CollateralAnalyticsService) PositionHealth(ctx context.Context, positionID string) (*PositionHealthReport, error) {
	position, err := s.positionRepo.FindByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	coin, err := s.coinRepo.FindBySymbol(ctx, position.Symbol)
	if err != nil {
		return nil, err
	}

	ratio := position.CollateralRatio
	if position.DebtAmount > 0 {
		// 按当前市价重算，不依赖上次写入时的快照
		pegValue, err := s.ConvertToPegAsset(ctx, position.CollateralAsset, position.CollateralAmount, coin.PegAssetCode)
		if err != nil {
			return nil, err
		}
		ratio = domain.ComputeCollateralRatio(pegValue, position.DebtAmount)
	}

	health := domain.HealthScore(position.DebtAmount, ratio, coin.MinCollateralRatio)
	priority := domain.LiquidationPriority(health, position.DebtAmount, position.LastInteractionAt, time.Now())

	return &PositionHealthReport{
		PositionID:       position.PositionID,
		Symbol:           position.Symbol,
		CollateralAsset:  position.CollateralAsset,
		CollateralAmount: position.CollateralAmount,
		DebtAmount:       position.DebtAmount,
		CollateralRatio:  ratio,
		HealthScore:      health,
		Priority:         priority,
		Recommendations:  domain.PositionRecommendations(ratio, coin.CollateralRatio, coin.MinCollateralRatio),
	}, nil
}

// Distribution 按抵押资产统计分布。单个资产缺失汇率不拖垮整体，
// 跳过并记入 SkippedAssets。
func (s *CollateralAnalyticsService) Distribution(ctx context.Context, symbol string) (*domain.DistributionReport, error) {
	coin, err := s.coinRepo.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	positions, err := s.positionRepo.ListActiveBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	rates := newRateCache(s.oracle, coin.PegAssetCode)
	byAsset := make(map[string]*domain.AssetDistribution)
	skipped := make(map[string]bool)

	for _, p := range positions {
		if skipped[p.CollateralAsset] {
			continue
		}
		pegValue, err := rates.convert(ctx, p.CollateralAsset, p.CollateralAmount)
		if err != nil {
			if errors.Is(err, domain.ErrRateUnavailable) {
				skipped[p.CollateralAsset] = true
				delete(byAsset, p.CollateralAsset)
				s.logger.WarnContext(ctx, "skipping asset without exchange rate",
					"symbol", symbol, "asset", p.CollateralAsset)
				continue
			}
			return nil, err
		}
		entry, ok := byAsset[p.CollateralAsset]
		if !ok {
			entry = &domain.AssetDistribution{Asset: p.CollateralAsset}
			byAsset[p.CollateralAsset] = entry
		}
		entry.TotalAmount += p.CollateralAmount
		entry.PegValue += pegValue
		entry.PositionCount++
	}

	report := &domain.DistributionReport{}
	for _, entry := range byAsset {
		report.Distribution = append(report.Distribution, *entry)
		report.TotalPegValue += entry.PegValue
	}
	sort.Slice(report.Distribution, func(i, j int) bool {
		return report.Distribution[i].PegValue > report.Distribution[j].PegValue
	})
	for asset := range skipped {
		report.SkippedAssets = append(report.SkippedAssets, asset)
	}
	sort.Strings(report.SkippedAssets)
	report.Finalize()
	return report, nil
}

// rateCache 单次调用内的汇率缓存，每种资产至多查一次预言机。
type rateCache struct {
	oracle   domain.Oracle
	pegAsset string
	rates    map[string]decimal.Decimal
}

func newRateCache(oracle domain.Oracle, pegAsset string) *rateCache {
	return &rateCache{
		oracle:   oracle,
		pegAsset: pegAsset,
		rates:    make(map[string]decimal.Decimal),
	}
}

func (c *rateCache) convert(ctx context.Context, assetCode string, amount int64) (int64, error) {
	if assetCode == c.pegAsset {
		return amount, nil
	}
	rate, ok := c.rates[assetCode]
	if !ok {
		var err error
		rate, err = c.oracle.GetRate(ctx, assetCode, c.pegAsset)
		if err != nil {
			return 0, fmt.Errorf("convert %s to %s: %w", assetCode, c.pegAsset, err)
		}
		c.rates[assetCode] = rate
	}
	return domain.ConvertToPegAsset(assetCode, amount, c.pegAsset, rate), nil
}
