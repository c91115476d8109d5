package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
)

// 锚定偏离阈值（百分比）：阈值内不调整；预警/临界用于巡检分级；
// 超过紧急阈值触发熔断。
var (
	defaultDeviationThreshold = decimal.NewFromFloat(1.0)
	defaultWarningThreshold   = decimal.NewFromFloat(5.0)
	defaultEmergencyThreshold = decimal.NewFromFloat(10.0)

	// 费率调整的偏离归一化基准：偏离 10% 及以上按满幅调整
	feeAdjustmentScale = decimal.NewFromFloat(10.0)
	// 算法激励系数：每 1% 偏离给 1% 激励
	incentivePerPercent = decimal.NewFromFloat(0.01)
)

// StabilityConfig 稳定机制阈值配置，零值字段回落到默认值。
type StabilityConfig struct {
	DeviationThresholdPct decimal.Decimal
	WarningThresholdPct   decimal.Decimal
	EmergencyThresholdPct decimal.Decimal
}

func (c StabilityConfig) withDefaults() StabilityConfig {
	if c.DeviationThresholdPct.IsZero() {
		c.DeviationThresholdPct = defaultDeviationThreshold
	}
	if c.WarningThresholdPct.IsZero() {
		c.WarningThresholdPct = defaultWarningThreshold
	}
	if c.EmergencyThresholdPct.IsZero() {
		c.EmergencyThresholdPct = defaultEmergencyThreshold
	}
	return c
}

// StabilityService 稳定机制控制器：锚定偏离监控、费率/激励调整与紧急熔断。
type StabilityService struct {
	coinRepo  domain.StablecoinRepository
	oracle    domain.Oracle
	txManager domain.TransactionManager
	publisher domain.EventPublisher
	config    StabilityConfig
	logger    *slog.Logger
}

// NewStabilityService 创建稳定机制控制器
func NewStabilityService(
	coinRepo domain.StablecoinRepository,
	oracle domain.Oracle,
	txManager domain.TransactionManager,
	publisher domain.EventPublisher,
	config StabilityConfig,
	logger *slog.Logger,
) *StabilityService {
	return &StabilityService{
		coinRepo:  coinRepo,
		oracle:    oracle,
		txManager: txManager,
		publisher: publisher,
		config:    config.withDefaults(),
		logger:    logger.With("module", "stability"),
	}
}

// PegDeviation 锚定偏离检测结果
type PegDeviation struct {
	Symbol          string          `json:"symbol"`
	MarketPrice     decimal.Decimal `json:"market_price"`
	TargetPrice     decimal.Decimal `json:"target_price"`
	Deviation       decimal.Decimal `json:"deviation"`
	Percentage      decimal.Decimal `json:"percentage"`
	Direction       string          `json:"direction"`
	WithinThreshold bool            `json:"within_threshold"`
}

// CheckPegDeviation 查询市价并计算相对目标价的偏离。
func (s *StabilityService) CheckPegDeviation(ctx context.Context, symbol string) (*PegDeviation, error) {
	coin, err := s.coinRepo.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return s.deviationFor(ctx, coin)
}

func (s *StabilityService) deviationFor(ctx context.Context, coin *domain.Stablecoin) (*PegDeviation, error) {
	marketPrice, err := s.oracle.GetRate(ctx, coin.Symbol, coin.PegAssetCode)
	if err != nil {
		return nil, fmt.Errorf("market price for %s: %w", coin.Symbol, err)
	}

	domain.MustInvariant(coin.TargetPrice.IsPositive(),
		"target price must be positive for %s", coin.Symbol)
	deviation := marketPrice.Sub(coin.TargetPrice)
	percentage := deviation.DivRound(coin.TargetPrice, 8).Mul(decimal.NewFromInt(100))

	direction := "at"
	switch {
	case deviation.IsPositive():
		direction = "above"
	case deviation.IsNegative():
		direction = "below"
	}

	return &PegDeviation{
		Symbol:          coin.Symbol,
		MarketPrice:     marketPrice,
		TargetPrice:     coin.TargetPrice,
		Deviation:       deviation,
		Percentage:      percentage,
		Direction:       direction,
		WithinThreshold: percentage.Abs().LessThanOrEqual(s.config.DeviationThresholdPct),
	}, nil
}

// FeeAdjustment 费率调整建议
type FeeAdjustment struct {
	Symbol     string          `json:"symbol"`
	NewMintFee decimal.Decimal `json:"new_mint_fee"`
	NewBurnFee decimal.Decimal `json:"new_burn_fee"`
	Reason     string          `json:"reason"`
}

// CalculateFeeAdjustment 根据偏离方向计算费率：高于锚定抬高铸造费、压低销毁费
// 以收缩供给，低于锚定反向操作；阈值内维持基准费率。结果裁剪到 [0, 0.10]。
func (s *StabilityService) CalculateFeeAdjustment(ctx context.Context, symbol string) (*FeeAdjustment, error) {
	coin, err := s.coinRepo.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	deviation, err := s.deviationFor(ctx, coin)
	if err != nil {
		return nil, err
	}
	return s.feeAdjustmentFor(coin, deviation), nil
}

func (s *StabilityService) feeAdjustmentFor(coin *domain.Stablecoin, deviation *PegDeviation) *FeeAdjustment {
	adj := &FeeAdjustment{Symbol: coin.Symbol}

	if deviation.WithinThreshold {
		adj.NewMintFee = coin.BaseMintFee
		adj.NewBurnFee = coin.BaseBurnFee
		adj.Reason = "deviation within threshold, base fees retained"
		return adj
	}

	factor := deviation.Percentage.Abs().DivRound(feeAdjustmentScale, 8)
	if factor.GreaterThan(decimal.NewFromInt(1)) {
		factor = decimal.NewFromInt(1)
	}
	one := decimal.NewFromInt(1)
	raised := one.Add(factor)
	lowered := one.Sub(factor)

	if deviation.Direction == "above" {
		adj.NewMintFee = clampToBound(coin.BaseMintFee.Mul(raised))
		adj.NewBurnFee = clampToZero(coin.BaseBurnFee.Mul(lowered))
		adj.Reason = "price above peg, discourage minting and encourage burning"
	} else {
		adj.NewMintFee = clampToZero(coin.BaseMintFee.Mul(lowered))
		adj.NewBurnFee = clampToBound(coin.BaseBurnFee.Mul(raised))
		adj.Reason = "price below peg, encourage minting and discourage burning"
	}
	return adj
}

// IncentiveAdjustment 算法供给激励建议
type IncentiveAdjustment struct {
	Symbol            string          `json:"symbol"`
	RecommendedAction string          `json:"recommended_action"`
	MintReward        decimal.Decimal `json:"mint_reward"`
	BurnPenalty       decimal.Decimal `json:"burn_penalty"`
	Reason            string          `json:"reason"`
}

// CalculateSupplyIncentives 算法机制的供给激励：低于锚定奖励销毁以收缩供给，
// 高于锚定奖励铸造以扩张供给；激励随偏离放大，裁剪到 [0, 0.10]。
func (s *StabilityService) CalculateSupplyIncentives(ctx context.Context, symbol string) (*IncentiveAdjustment, error) {
	coin, err := s.coinRepo.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	deviation, err := s.deviationFor(ctx, coin)
	if err != nil {
		return nil, err
	}
	return s.incentivesFor(coin, deviation), nil
}

func (s *StabilityService) incentivesFor(coin *domain.Stablecoin, deviation *PegDeviation) *IncentiveAdjustment {
	adj := &IncentiveAdjustment{Symbol: coin.Symbol}

	if deviation.WithinThreshold {
		adj.RecommendedAction = "hold"
		adj.Reason = "deviation within threshold, no supply action needed"
		return adj
	}

	reward := clampToBound(deviation.Percentage.Abs().Mul(incentivePerPercent))
	if deviation.Direction == "below" {
		adj.RecommendedAction = "burn"
		adj.BurnPenalty = reward
		adj.Reason = "price below peg, reward supply contraction"
	} else {
		adj.RecommendedAction = "mint"
		adj.MintReward = reward
		adj.Reason = "price above peg, reward supply expansion"
	}
	return adj
}

// Apply 按稳定机制派发调整并持久化：collateralized 调费率，algorithmic 调激励，
// hybrid 两者皆调。回到阈值内时把此前调整过的费率与激励恢复到基准。
// 每个动作带调整前后快照，整体发布一条领域事件。
func (s *StabilityService) Apply(ctx context.Context, symbol string) ([]domain.StabilityAction, error) {
	var actions []domain.StabilityAction
	err := s.txManager.Transaction(ctx, func(ctx context.Context) error {
		coin, err := s.coinRepo.FindBySymbolForUpdate(ctx, symbol)
		if err != nil {
			return err
		}
		deviation, err := s.deviationFor(ctx, coin)
		if err != nil {
			return err
		}
		if deviation.WithinThreshold {
			actions = s.relaxAdjustments(coin)
			if len(actions) == 0 {
				s.logger.DebugContext(ctx, "peg within threshold, no adjustment",
					"symbol", symbol, "percentage", deviation.Percentage)
				return nil
			}
			return s.commitActions(ctx, coin, deviation, actions)
		}

		now := time.Now()
		if coin.Mechanism.AdjustsFees() {
			adj := s.feeAdjustmentFor(coin, deviation)
			actions = append(actions, domain.StabilityAction{
				Action: "fee_adjustment",
				Reason: adj.Reason,
				Before: map[string]string{
					"mint_fee": coin.MintFee.String(),
					"burn_fee": coin.BurnFee.String(),
				},
				After: map[string]string{
					"mint_fee": adj.NewMintFee.String(),
					"burn_fee": adj.NewBurnFee.String(),
				},
				Timestamp: now,
			})
			coin.SetFees(adj.NewMintFee, adj.NewBurnFee)
		}
		if coin.Mechanism.AdjustsIncentives() {
			adj := s.incentivesFor(coin, deviation)
			actions = append(actions, domain.StabilityAction{
				Action: "supply_incentive",
				Reason: adj.Reason,
				Before: map[string]string{
					"algo_mint_reward": coin.AlgoMintReward.String(),
					"algo_burn_penalty": coin.AlgoBurnPenalty.String(),
				},
				After: map[string]string{
					"algo_mint_reward": adj.MintReward.String(),
					"algo_burn_penalty": adj.BurnPenalty.String(),
				},
				Timestamp: now,
			})
			coin.SetIncentives(adj.MintReward, adj.BurnPenalty)
		}

		return s.commitActions(ctx, coin, deviation, actions)
	})
	if err != nil {
		return nil, err
	}

	if len(actions) > 0 {
		s.logger.InfoContext(ctx, "stability mechanism applied",
			"symbol", symbol, "actions", len(actions))
	}
	return actions, nil
}

// relaxAdjustments 锚定回到阈值内后，把仍然偏离基准的费率与激励恢复原状。
// 全部处于基准时返回空，调用方据此跳过持久化。
func (s *StabilityService) relaxAdjustments(coin *domain.Stablecoin) []domain.StabilityAction {
	var actions []domain.StabilityAction
	now := time.Now()

	feesDrifted := !coin.MintFee.Equal(coin.BaseMintFee) || !coin.BurnFee.Equal(coin.BaseBurnFee)
	if coin.Mechanism.AdjustsFees() && feesDrifted {
		actions = append(actions, domain.StabilityAction{
			Action: "fee_reset",
			Reason: "peg recovered within threshold, restore base fees",
			Before: map[string]string{
				"mint_fee": coin.MintFee.String(),
				"burn_fee": coin.BurnFee.String(),
			},
			After: map[string]string{
				"mint_fee": coin.BaseMintFee.String(),
				"burn_fee": coin.BaseBurnFee.String(),
			},
			Timestamp: now,
		})
		coin.ResetFeesToBase()
	}

	incentivesActive := !coin.AlgoMintReward.IsZero() || !coin.AlgoBurnPenalty.IsZero()
	if coin.Mechanism.AdjustsIncentives() && incentivesActive {
		actions = append(actions, domain.StabilityAction{
			Action: "incentive_reset",
			Reason: "peg recovered within threshold, withdraw supply incentives",
			Before: map[string]string{
				"algo_mint_reward":  coin.AlgoMintReward.String(),
				"algo_burn_penalty": coin.AlgoBurnPenalty.String(),
			},
			After: map[string]string{
				"algo_mint_reward":  "0",
				"algo_burn_penalty": "0",
			},
			Timestamp: now,
		})
		coin.SetIncentives(decimal.Zero, decimal.Zero)
	}
	return actions
}

func (s *StabilityService) commitActions(ctx context.Context, coin *domain.Stablecoin, deviation *PegDeviation, actions []domain.StabilityAction) error {
	coin.AddEvent(domain.StabilityMechanismAppliedEvent{
		Symbol:           coin.Symbol,
		Mechanism:        string(coin.Mechanism),
		DeviationPercent: deviation.Percentage,
		Actions:          actions,
		Timestamp:        time.Now(),
	})
	if err := s.coinRepo.Update(ctx, coin); err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, coin.DomainEvents()...); err != nil {
		return fmt.Errorf("publish domain events: %w", err)
	}
	coin.ClearDomainEvents()
	return nil
}

// PegStatus 单个稳定币的锚定巡检状态
type PegStatus struct {
	Symbol     string          `json:"symbol"`
	Percentage decimal.Decimal `json:"percentage"`
	Status     string          `json:"status"`
}

// MonitorAllPegs 巡检所有在用稳定币的锚定状态并分级：
// healthy ≤ 预警阈值内层，warning ≤ 临界阈值，critical 超出。
// 预言机不可用的币种标记为 unknown，不中断整轮巡检。
func (s *StabilityService) MonitorAllPegs(ctx context.Context) ([]PegStatus, error) {
	coins, err := s.coinRepo.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]PegStatus, 0, len(coins))
	for _, coin := range coins {
		deviation, err := s.deviationFor(ctx, coin)
		if err != nil {
			s.logger.WarnContext(ctx, "peg check failed", "symbol", coin.Symbol, "error", err)
			statuses = append(statuses, PegStatus{Symbol: coin.Symbol, Status: "unknown"})
			continue
		}
		abs := deviation.Percentage.Abs()
		status := "critical"
		switch {
		case abs.LessThanOrEqual(s.config.DeviationThresholdPct):
			status = "healthy"
		case abs.LessThanOrEqual(s.config.WarningThresholdPct):
			status = "warning"
		}
		statuses = append(statuses, PegStatus{
			Symbol:     coin.Symbol,
			Percentage: deviation.Percentage,
			Status:     status,
		})
	}
	return statuses, nil
}

// ExecuteEmergencyActions 紧急熔断：偏离超过紧急阈值时暂停铸造并将铸造费
// 推到上界。保护性措施，不属于常规稳定调整。未超阈值时不做任何事。
func (s *StabilityService) ExecuteEmergencyActions(ctx context.Context, symbol string) ([]domain.StabilityAction, error) {
	var actions []domain.StabilityAction
	err := s.txManager.Transaction(ctx, func(ctx context.Context) error {
		coin, err := s.coinRepo.FindBySymbolForUpdate(ctx, symbol)
		if err != nil {
			return err
		}
		deviation, err := s.deviationFor(ctx, coin)
		if err != nil {
			return err
		}
		if deviation.Percentage.Abs().LessThanOrEqual(s.config.EmergencyThresholdPct) {
			return nil
		}

		now := time.Now()
		if coin.MintingEnabled {
			actions = append(actions, domain.StabilityAction{
				Action:    "pause_minting",
				Reason:    fmt.Sprintf("peg deviation %s%% exceeds emergency threshold", deviation.Percentage),
				Before:    map[string]string{"minting_enabled": "true"},
				After:     map[string]string{"minting_enabled": "false"},
				Timestamp: now,
			})
			coin.PauseMinting()
		}
		if coin.MintFee.LessThan(domain.MaxFeeBound) {
			actions = append(actions, domain.StabilityAction{
				Action:    "max_fee_adjustment",
				Reason:    "push mint fee to upper bound under emergency",
				Before:    map[string]string{"mint_fee": coin.MintFee.String()},
				After:     map[string]string{"mint_fee": domain.MaxFeeBound.String()},
				Timestamp: now,
			})
			coin.SetFees(domain.MaxFeeBound, coin.BurnFee)
		}
		if len(actions) == 0 {
			return nil
		}

		coin.AddEvent(domain.CircuitBreakerTrippedEvent{
			Symbol:           coin.Symbol,
			DeviationPercent: deviation.Percentage,
			Actions:          actions,
			Timestamp:        now,
		})
		if err := s.coinRepo.Update(ctx, coin); err != nil {
			return err
		}
		if err := s.publisher.Publish(ctx, coin.DomainEvents()...); err != nil {
			return fmt.Errorf("publish domain events: %w", err)
		}
		coin.ClearDomainEvents()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(actions) > 0 {
		s.logger.WarnContext(ctx, "emergency circuit breaker tripped",
			"symbol", symbol, "actions", len(actions))
	}
	return actions, nil
}

// supplyUtilizationAlert 供给使用率告警线
var supplyUtilizationAlert = decimal.NewFromFloat(0.8)

// Recommendations 结构性调整建议（不自动执行）：
// 全局抵押率低于目标时建议提高抵押要求并激励存入抵押；
// 供给使用率过高时建议下调最大供给，算法类机制另建议加大销毁激励。
func (s *StabilityService) Recommendations(ctx context.Context, symbol string) ([]domain.Recommendation, error) {
	coin, err := s.coinRepo.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var recs []domain.Recommendation
	if coin.Mechanism.AdjustsFees() {
		if coin.GlobalCollateralRatio().LessThan(coin.CollateralRatio) {
			recs = append(recs,
				domain.Recommendation{
					Action: "increase_collateral_requirements",
					Reason: "global collateral ratio below target",
				},
				domain.Recommendation{
					Action: "incentivize_collateral_deposits",
					Reason: "global collateral ratio below target",
				},
			)
		}
	}
	if coin.SupplyUtilization().GreaterThan(supplyUtilizationAlert) {
		recs = append(recs, domain.Recommendation{
			Action: "reduce_max_supply",
			Reason: "supply utilization above 80%",
		})
		if coin.Mechanism.AdjustsIncentives() {
			recs = append(recs, domain.Recommendation{
				Action: "increase_burn_incentives",
				Reason: "supply utilization above 80%",
			})
		}
	}
	return recs, nil
}

func clampToBound(v decimal.Decimal) decimal.Decimal {
	if v.GreaterThan(domain.MaxFeeBound) {
		return domain.MaxFeeBound
	}
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

func clampToZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
