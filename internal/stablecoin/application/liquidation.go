package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
)

// LiquidationService 清算引擎：资格判定、第三方清算、机会发现、
// 自动清算扫描与价格冲击压测。
type LiquidationService struct {
	coinRepo         domain.StablecoinRepository
	positionRepo     domain.PositionRepository
	ledger           domain.Ledger
	oracle           domain.Oracle
	txManager        domain.TransactionManager
	publisher        domain.EventPublisher
	systemLiquidator string
	logger           *slog.Logger
}

// NewLiquidationService 创建清算服务。systemLiquidator 为自动清算使用的系统账户。
func NewLiquidationService(
	coinRepo domain.StablecoinRepository,
	positionRepo domain.PositionRepository,
	ledger domain.Ledger,
	oracle domain.Oracle,
	txManager domain.TransactionManager,
	publisher domain.EventPublisher,
	systemLiquidator string,
	logger *slog.Logger,
) *LiquidationService {
	return &LiquidationService{
		coinRepo:         coinRepo,
		positionRepo:     positionRepo,
		ledger:           ledger,
		oracle:           oracle,
		txManager:        txManager,
		publisher:        publisher,
		systemLiquidator: systemLiquidator,
		logger:           logger.With("module", "liquidation"),
	}
}

// EligibilityResult 清算资格判定结果
type EligibilityResult struct {
	PositionID       string          `json:"position_id"`
	Eligible         bool            `json:"eligible"`
	Reason           string          `json:"reason,omitempty"`
	CollateralRatio  decimal.Decimal `json:"collateral_ratio"`
	DebtRepaid       int64           `json:"debt_repaid"`
	CollateralSeized int64           `json:"collateral_seized"`
	Penalty          int64           `json:"penalty"`
}

// CheckEligibility 判定头寸是否可清算：active 且按当前市价的抵押率低于清算线。
// 可清算时给出整仓清算的偿付额、没收额与罚金。
func (s *LiquidationService) CheckEligibility(ctx context.Context, positionID string) (*EligibilityResult, error) {
	position, err := s.positionRepo.FindByID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	coin, err := s.coinRepo.FindBySymbol(ctx, position.Symbol)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, coin, position)
}

func (s *LiquidationService) evaluate(ctx context.Context, coin *domain.Stablecoin, position *domain.CollateralPosition) (*EligibilityResult, error) {
	result := &EligibilityResult{PositionID: position.PositionID}

	if !position.IsActive() {
		result.Reason = "position is not active"
		return result, nil
	}

	rate, err := s.collateralRate(ctx, position.CollateralAsset, coin.PegAssetCode)
	if err != nil {
		return nil, err
	}
	pegValue := domain.ConvertToPegAsset(position.CollateralAsset, position.CollateralAmount, coin.PegAssetCode, rate)
	ratio := domain.ComputeCollateralRatio(pegValue, position.DebtAmount)
	result.CollateralRatio = ratio

	if position.DebtAmount == 0 || ratio.GreaterThanOrEqual(coin.MinCollateralRatio) {
		result.Reason = "collateral ratio above liquidation threshold"
		return result, nil
	}

	result.Eligible = true
	result.DebtRepaid = position.DebtAmount
	result.CollateralSeized = position.CollateralAmount
	// 与 Liquidate 同口径：罚金不超过没收额
	result.Penalty = coin.PenaltyAmount(position.DebtAmount)
	if result.Penalty > result.CollateralSeized {
		result.Penalty = result.CollateralSeized
	}
	return result, nil
}

// LiquidateCommand 清算指令，RepayAmount 小于债务时为部分清算。
type LiquidateCommand struct {
	PositionID   string `json:"position_id"`
	LiquidatorID string `json:"liquidator_id"`
	RepayAmount  int64  `json:"repay_amount"`
}

// LiquidationResult 清算结果
type LiquidationResult struct {
	PositionID          string          `json:"position_id"`
	LiquidatorID        string          `json:"liquidator_id"`
	DebtRepaid          int64           `json:"debt_repaid"`
	CollateralSeized    int64           `json:"collateral_seized"`
	Penalty             int64           `json:"penalty"`
	LiquidatorReceived  int64           `json:"liquidator_received"`
	RemainingDebt       int64           `json:"remaining_debt"`
	RemainingCollateral int64           `json:"remaining_collateral"`
	CollateralRatio     decimal.Decimal `json:"collateral_ratio"`
	FullLiquidation     bool            `json:"full_liquidation"`
}

// Liquidate 第三方清算：清算人代偿 repayAmount 债务，按比例没收抵押品，
// 实收为没收额减罚金；罚金退出流通，归宿在本引擎职责之外。
// 对已 liquidated/closed 头寸重入恒以 ErrPositionNotActive 失败。
func (s *LiquidationService) Liquidate(ctx context.Context, cmd LiquidateCommand) (*LiquidationResult, error) {
	if cmd.RepayAmount <= 0 {
		return nil, fmt.Errorf("%w: repay amount must be positive", domain.ErrExceedsDebt)
	}

	var result *LiquidationResult
	err := s.txManager.Transaction(ctx, func(ctx context.Context) error {
		position, err := s.positionRepo.FindByIDForUpdate(ctx, cmd.PositionID)
		if err != nil {
			return err
		}
		if !position.IsActive() {
			return fmt.Errorf("%w: %s", domain.ErrPositionNotActive, position.PositionID)
		}
		if cmd.LiquidatorID == position.AccountID {
			return domain.ErrSelfLiquidation
		}
		if cmd.RepayAmount > position.DebtAmount {
			return fmt.Errorf("%w: debt %d, repay %d", domain.ErrExceedsDebt, position.DebtAmount, cmd.RepayAmount)
		}

		coin, err := s.coinRepo.FindBySymbolForUpdate(ctx, position.Symbol)
		if err != nil {
			return err
		}

		balance, err := s.ledger.GetBalance(ctx, cmd.LiquidatorID, position.Symbol)
		if err != nil {
			return err
		}
		if balance < cmd.RepayAmount {
			return fmt.Errorf("%w: %s balance %d below repay amount %d",
				domain.ErrInsufficientBalance, position.Symbol, balance, cmd.RepayAmount)
		}

		seized := decimal.NewFromInt(position.CollateralAmount).
			Mul(decimal.NewFromInt(cmd.RepayAmount)).
			DivRound(decimal.NewFromInt(position.DebtAmount), 0).IntPart()
		// 深度穿仓时罚金以没收额为上限，清算人实收不为负
		penalty := coin.PenaltyAmount(cmd.RepayAmount)
		if penalty > seized {
			penalty = seized
		}
		received := seized - penalty

		if err := s.ledger.Debit(ctx, cmd.LiquidatorID, position.Symbol, cmd.RepayAmount); err != nil {
			return err
		}
		if received > 0 {
			if err := s.ledger.Credit(ctx, cmd.LiquidatorID, position.CollateralAsset, received); err != nil {
				return err
			}
		}

		rate, err := s.collateralRate(ctx, position.CollateralAsset, coin.PegAssetCode)
		if err != nil {
			return err
		}
		remainingPegValue := domain.ConvertToPegAsset(position.CollateralAsset,
			position.CollateralAmount-seized, coin.PegAssetCode, rate)
		ratio := domain.ComputeCollateralRatio(remainingPegValue, position.DebtAmount-cmd.RepayAmount)

		full := position.ApplyLiquidation(cmd.RepayAmount, seized, ratio)
		now := time.Now()
		position.AddEvent(domain.LiquidationExecutedEvent{
			Symbol:              position.Symbol,
			PositionID:          position.PositionID,
			OwnerID:             position.AccountID,
			LiquidatorID:        cmd.LiquidatorID,
			DebtRepaid:          cmd.RepayAmount,
			CollateralSeized:    seized,
			Penalty:             penalty,
			RemainingDebt:       position.DebtAmount,
			RemainingCollateral: position.CollateralAmount,
			CollateralRatio:     position.CollateralRatio,
			FullLiquidation:     full,
			Timestamp:           now,
		})
		if full {
			position.AddEvent(domain.PositionLiquidatedEvent{
				Symbol:           position.Symbol,
				PositionID:       position.PositionID,
				OwnerID:          position.AccountID,
				LiquidatorID:     cmd.LiquidatorID,
				CollateralSeized: seized,
				Penalty:          penalty,
				Timestamp:        now,
			})
		}
		if err := s.positionRepo.Update(ctx, position); err != nil {
			return err
		}

		// 整笔没收额的锚定价值移出抵押池，而非清算人净收额
		seizedPegValue := domain.ConvertToPegAsset(position.CollateralAsset, seized, coin.PegAssetCode, rate)
		coin.ApplyLiquidation(cmd.RepayAmount, seizedPegValue)
		if err := s.coinRepo.Update(ctx, coin); err != nil {
			return err
		}

		if err := s.publishEvents(ctx, position, coin); err != nil {
			return err
		}

		result = &LiquidationResult{
			PositionID:          position.PositionID,
			LiquidatorID:        cmd.LiquidatorID,
			DebtRepaid:          cmd.RepayAmount,
			CollateralSeized:    seized,
			Penalty:             penalty,
			LiquidatorReceived:  received,
			RemainingDebt:       position.DebtAmount,
			RemainingCollateral: position.CollateralAmount,
			CollateralRatio:     position.CollateralRatio,
			FullLiquidation:     full,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "position liquidated",
		"position_id", result.PositionID,
		"liquidator_id", result.LiquidatorID,
		"debt_repaid", result.DebtRepaid,
		"collateral_seized", result.CollateralSeized,
		"penalty", result.Penalty,
		"full", result.FullLiquidation,
	)
	return result, nil
}

// Opportunity 清算机会
type Opportunity struct {
	PositionID      string          `json:"position_id"`
	AccountID       string          `json:"account_id"`
	CollateralAsset string          `json:"collateral_asset"`
	DebtAmount      int64           `json:"debt_amount"`
	CollateralRatio decimal.Decimal `json:"collateral_ratio"`
	HealthScore     float64         `json:"health_score"`
	Priority        float64         `json:"priority"`
	Penalty         int64           `json:"penalty"`
}

// Opportunities 发现可清算头寸并按优先级降序排列。
func (s *LiquidationService) Opportunities(ctx context.Context, symbol string) ([]Opportunity, error) {
	coin, err := s.coinRepo.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	positions, err := s.positionRepo.ListActiveBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	rates := newRateCache(s.oracle, coin.PegAssetCode)
	now := time.Now()
	var opportunities []Opportunity
	for _, p := range positions {
		if p.DebtAmount == 0 {
			continue
		}
		pegValue, err := rates.convert(ctx, p.CollateralAsset, p.CollateralAmount)
		if err != nil {
			return nil, err
		}
		ratio := domain.ComputeCollateralRatio(pegValue, p.DebtAmount)
		if ratio.GreaterThanOrEqual(coin.MinCollateralRatio) {
			continue
		}
		health := domain.HealthScore(p.DebtAmount, ratio, coin.MinCollateralRatio)
		opportunities = append(opportunities, Opportunity{
			PositionID:      p.PositionID,
			AccountID:       p.AccountID,
			CollateralAsset: p.CollateralAsset,
			DebtAmount:      p.DebtAmount,
			CollateralRatio: ratio,
			HealthScore:     health,
			Priority:        domain.LiquidationPriority(health, p.DebtAmount, p.LastInteractionAt, now),
			Penalty:         coin.PenaltyAmount(p.DebtAmount),
		})
	}
	sort.Slice(opportunities, func(i, j int) bool {
		return opportunities[i].Priority > opportunities[j].Priority
	})
	return opportunities, nil
}

// ProcessAutoLiquidations 自动清算扫描：对开启 auto_liquidation 的可清算头寸
// 由系统清算账户执行整仓清算；未开启的留给第三方清算人。
// 单个头寸失败只记录日志，不中断整轮扫描。
func (s *LiquidationService) ProcessAutoLiquidations(ctx context.Context, symbol string) ([]*LiquidationResult, error) {
	opportunities, err := s.Opportunities(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var results []*LiquidationResult
	for _, opp := range opportunities {
		position, err := s.positionRepo.FindByID(ctx, opp.PositionID)
		if err != nil {
			s.logger.ErrorContext(ctx, "auto liquidation lookup failed",
				"position_id", opp.PositionID, "error", err)
			continue
		}
		if !position.AutoLiquidationEnabled {
			continue
		}
		result, err := s.Liquidate(ctx, LiquidateCommand{
			PositionID:   opp.PositionID,
			LiquidatorID: s.systemLiquidator,
			RepayAmount:  opp.DebtAmount,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "auto liquidation failed",
				"position_id", opp.PositionID, "error", err)
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// CascadePosition 压测中跌破清算线的头寸
type CascadePosition struct {
	PositionID       string          `json:"position_id"`
	CollateralAsset  string          `json:"collateral_asset"`
	DebtAmount       int64           `json:"debt_amount"`
	CollateralAmount int64           `json:"collateral_amount"`
	CurrentRatio     decimal.Decimal `json:"current_ratio"`
	SimulatedRatio   decimal.Decimal `json:"simulated_ratio"`
}

// CascadeReport 清算级联压测报告
type CascadeReport struct {
	Symbol                string            `json:"symbol"`
	PriceShockFactor      decimal.Decimal   `json:"price_shock_factor"`
	AffectedPositions     []CascadePosition `json:"affected_positions"`
	AffectedCount         int               `json:"affected_count"`
	TotalDebtAtRisk       int64             `json:"total_debt_at_risk"`
	TotalCollateralAtRisk int64             `json:"total_collateral_at_risk"`
}

// EstimateCascade 价格冲击压测：按 shockFactor 缩放所有抵押估值，
// 报告将跌破清算线的头寸及风险敞口。只读快照，不提交任何状态。
func (s *LiquidationService) EstimateCascade(ctx context.Context, symbol string, shockFactor decimal.Decimal) (*CascadeReport, error) {
	if !shockFactor.IsPositive() {
		return nil, fmt.Errorf("%w: shock factor must be positive", domain.ErrInsufficientCollateral)
	}
	coin, err := s.coinRepo.FindBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	positions, err := s.positionRepo.ListActiveBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	rates := newRateCache(s.oracle, coin.PegAssetCode)
	report := &CascadeReport{Symbol: symbol, PriceShockFactor: shockFactor}
	for _, p := range positions {
		if p.DebtAmount == 0 {
			continue
		}
		pegValue, err := rates.convert(ctx, p.CollateralAsset, p.CollateralAmount)
		if err != nil {
			return nil, err
		}
		currentRatio := domain.ComputeCollateralRatio(pegValue, p.DebtAmount)
		shockedPegValue := decimal.NewFromInt(pegValue).Mul(shockFactor).Round(0).IntPart()
		simulatedRatio := domain.ComputeCollateralRatio(shockedPegValue, p.DebtAmount)
		if simulatedRatio.GreaterThanOrEqual(coin.MinCollateralRatio) {
			continue
		}
		report.AffectedPositions = append(report.AffectedPositions, CascadePosition{
			PositionID:       p.PositionID,
			CollateralAsset:  p.CollateralAsset,
			DebtAmount:       p.DebtAmount,
			CollateralAmount: p.CollateralAmount,
			CurrentRatio:     currentRatio,
			SimulatedRatio:   simulatedRatio,
		})
		report.TotalDebtAtRisk += p.DebtAmount
		report.TotalCollateralAtRisk += p.CollateralAmount
	}
	report.AffectedCount = len(report.AffectedPositions)
	return report, nil
}

func (s *LiquidationService) collateralRate(ctx context.Context, assetCode, pegAssetCode string) (decimal.Decimal, error) {
	if assetCode == pegAssetCode {
		return decimal.NewFromInt(1), nil
	}
	rate, err := s.oracle.GetRate(ctx, assetCode, pegAssetCode)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate %s to %s: %w", assetCode, pegAssetCode, err)
	}
	return rate, nil
}

func (s *LiquidationService) publishEvents(ctx context.Context, position *domain.CollateralPosition, coin *domain.Stablecoin) error {
	events := append(position.DomainEvents(), coin.DomainEvents()...)
	if len(events) == 0 {
		return nil
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		return fmt.Errorf("publish domain events: %w", err)
	}
	position.ClearDomainEvents()
	coin.ClearDomainEvents()
	return nil
}
