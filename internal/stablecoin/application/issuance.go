package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/idgen"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
	"github.com/wyfcoding/stablecoin/pkg/metrics"
)

// IssuanceService 发行服务：铸造、销毁与追加抵押。
// 每次调用内的账本划转、头寸变更与聚合计数更新在同一事务内提交，
// 任何一步失败则整体回滚。
type IssuanceService struct {
	coinRepo     domain.StablecoinRepository
	positionRepo domain.PositionRepository
	ledger       domain.Ledger
	oracle       domain.Oracle
	txManager    domain.TransactionManager
	publisher    domain.EventPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewIssuanceService 创建发行服务，m 可为 nil。
func NewIssuanceService(
	coinRepo domain.StablecoinRepository,
	positionRepo domain.PositionRepository,
	ledger domain.Ledger,
	oracle domain.Oracle,
	txManager domain.TransactionManager,
	publisher domain.EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *IssuanceService {
	return &IssuanceService{
		coinRepo:     coinRepo,
		positionRepo: positionRepo,
		ledger:       ledger,
		oracle:       oracle,
		txManager:    txManager,
		publisher:    publisher,
		metrics:      m,
		logger:       logger.With("module", "issuance"),
	}
}

// MintCommand 铸造指令，金额为最小单位整数。
type MintCommand struct {
	AccountID        string `json:"account_id"`
	Symbol           string `json:"symbol"`
	CollateralAsset  string `json:"collateral_asset"`
	CollateralAmount int64  `json:"collateral_amount"`
	MintAmount       int64  `json:"mint_amount"`
	AutoLiquidation  bool   `json:"auto_liquidation"`
}

// MintResult 铸造结果
type MintResult struct {
	PositionID       string          `json:"position_id"`
	MintAmount       int64           `json:"mint_amount"`
	FeeAmount        int64           `json:"fee_amount"`
	NetCredited      int64           `json:"net_credited"`
	CollateralLocked int64           `json:"collateral_locked"`
	CollateralRatio  decimal.Decimal `json:"collateral_ratio"`
}

// Mint 以抵押品铸造稳定币。账户已有 active 头寸时在原头寸上追加，
// 否则创建新头寸。
func (s *IssuanceService) Mint(ctx context.Context, cmd MintCommand) (*MintResult, error) {
	if cmd.CollateralAmount <= 0 || cmd.MintAmount <= 0 {
		return nil, fmt.Errorf("%w: collateral and mint amounts must be positive", domain.ErrInsufficientCollateral)
	}

	var result *MintResult
	err := s.txManager.Transaction(ctx, func(ctx context.Context) error {
		coin, err := s.coinRepo.FindBySymbolForUpdate(ctx, cmd.Symbol)
		if err != nil {
			return err
		}
		if err := coin.CanMint(cmd.MintAmount); err != nil {
			return err
		}

		balance, err := s.ledger.GetBalance(ctx, cmd.AccountID, cmd.CollateralAsset)
		if err != nil {
			return err
		}
		if balance < cmd.CollateralAmount {
			return fmt.Errorf("%w: %s balance %d below required collateral %d",
				domain.ErrInsufficientBalance, cmd.CollateralAsset, balance, cmd.CollateralAmount)
		}

		position, err := s.positionRepo.FindActiveByAccountForUpdate(ctx, cmd.AccountID, cmd.Symbol)
		created := false
		switch {
		case err == nil:
			if err := position.CheckAsset(cmd.CollateralAsset); err != nil {
				return err
			}
		case errors.Is(err, domain.ErrPositionNotFound):
			position = domain.NewCollateralPosition(
				fmt.Sprintf("POS%s", idgen.GenIDString()),
				cmd.AccountID, cmd.Symbol, cmd.CollateralAsset)
			position.AutoLiquidationEnabled = cmd.AutoLiquidation
			created = true
		default:
			return err
		}

		rate, err := s.collateralRate(ctx, cmd.CollateralAsset, coin.PegAssetCode)
		if err != nil {
			return err
		}

		// 目标抵押率按头寸合并后的总量校验，而非仅新增部分
		totalCollateral := position.CollateralAmount + cmd.CollateralAmount
		totalDebt := position.DebtAmount + cmd.MintAmount
		totalPegValue := domain.ConvertToPegAsset(cmd.CollateralAsset, totalCollateral, coin.PegAssetCode, rate)
		ratio := domain.ComputeCollateralRatio(totalPegValue, totalDebt)
		if ratio.LessThan(coin.CollateralRatio) {
			return fmt.Errorf("%w: required ratio %s, provided ratio %s",
				domain.ErrInsufficientCollateral, coin.CollateralRatio, ratio)
		}

		if err := s.ledger.Debit(ctx, cmd.AccountID, cmd.CollateralAsset, cmd.CollateralAmount); err != nil {
			return err
		}
		fee := coin.MintFeeAmount(cmd.MintAmount)
		netCredited := cmd.MintAmount - fee
		if err := s.ledger.Credit(ctx, cmd.AccountID, cmd.Symbol, netCredited); err != nil {
			return err
		}

		position.ApplyMint(cmd.CollateralAmount, cmd.MintAmount, ratio)
		position.AddEvent(domain.StablecoinMintedEvent{
			Symbol:           cmd.Symbol,
			AccountID:        cmd.AccountID,
			PositionID:       position.PositionID,
			CollateralAsset:  cmd.CollateralAsset,
			CollateralAmount: cmd.CollateralAmount,
			MintAmount:       cmd.MintAmount,
			FeeAmount:        fee,
			CollateralRatio:  ratio,
			Timestamp:        time.Now(),
		})
		if created {
			if err := s.positionRepo.Save(ctx, position); err != nil {
				return err
			}
		} else if err := s.positionRepo.Update(ctx, position); err != nil {
			return err
		}

		// 抵押池只计入本次新增抵押的锚定价值
		newPegValue := domain.ConvertToPegAsset(cmd.CollateralAsset, cmd.CollateralAmount, coin.PegAssetCode, rate)
		coin.ApplyMint(cmd.MintAmount, newPegValue)
		if err := s.coinRepo.Update(ctx, coin); err != nil {
			return err
		}

		if err := s.publishEvents(ctx, position, coin); err != nil {
			return err
		}

		result = &MintResult{
			PositionID:       position.PositionID,
			MintAmount:       cmd.MintAmount,
			FeeAmount:        fee,
			NetCredited:      netCredited,
			CollateralLocked: cmd.CollateralAmount,
			CollateralRatio:  ratio,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.MintsTotal.Inc()
	}
	s.logger.InfoContext(ctx, "mint executed",
		"symbol", cmd.Symbol,
		"account_id", cmd.AccountID,
		"position_id", result.PositionID,
		"mint_amount", cmd.MintAmount,
		"collateral_amount", cmd.CollateralAmount,
	)
	return result, nil
}

// BurnCommand 销毁指令。CollateralToRelease 为空时按债务比例自动释放。
type BurnCommand struct {
	AccountID           string `json:"account_id"`
	Symbol              string `json:"symbol"`
	BurnAmount          int64  `json:"burn_amount"`
	CollateralToRelease *int64 `json:"collateral_to_release,omitempty"`
}

// BurnResult 销毁结果
type BurnResult struct {
	PositionID         string          `json:"position_id"`
	BurnAmount         int64           `json:"burn_amount"`
	FeeAmount          int64           `json:"fee_amount"`
	CollateralReleased int64           `json:"collateral_released"`
	RemainingDebt      int64           `json:"remaining_debt"`
	CollateralRatio    decimal.Decimal `json:"collateral_ratio"`
	Closed             bool            `json:"closed"`
}

// Burn 销毁稳定币偿还债务并释放抵押品。债务清零时头寸关闭并退还全部剩余抵押。
func (s *IssuanceService) Burn(ctx context.Context, cmd BurnCommand) (*BurnResult, error) {
	if cmd.BurnAmount <= 0 {
		return nil, fmt.Errorf("%w: burn amount must be positive", domain.ErrExceedsDebt)
	}

	var result *BurnResult
	err := s.txManager.Transaction(ctx, func(ctx context.Context) error {
		coin, err := s.coinRepo.FindBySymbolForUpdate(ctx, cmd.Symbol)
		if err != nil {
			return err
		}
		if err := coin.CanBurn(); err != nil {
			return err
		}

		position, err := s.positionRepo.FindActiveByAccountForUpdate(ctx, cmd.AccountID, cmd.Symbol)
		if err != nil {
			return err
		}
		if cmd.BurnAmount > position.DebtAmount {
			return fmt.Errorf("%w: debt %d, burn %d", domain.ErrExceedsDebt, position.DebtAmount, cmd.BurnAmount)
		}

		fullBurn := cmd.BurnAmount == position.DebtAmount
		var release int64
		switch {
		case fullBurn:
			// 完全偿付退还全部剩余抵押，保证关闭时头寸两清
			release = position.CollateralAmount
		case cmd.CollateralToRelease != nil:
			release = *cmd.CollateralToRelease
			if release < 0 || release > position.CollateralAmount {
				return fmt.Errorf("%w: release %d out of range", domain.ErrUndercollateralized, release)
			}
		default:
			release = decimal.NewFromInt(position.CollateralAmount).
				Mul(decimal.NewFromInt(cmd.BurnAmount)).
				DivRound(decimal.NewFromInt(position.DebtAmount), 0).IntPart()
		}

		rate, err := s.collateralRate(ctx, position.CollateralAsset, coin.PegAssetCode)
		if err != nil {
			return err
		}

		ratio := decimal.Zero
		if !fullBurn {
			remainingPegValue := domain.ConvertToPegAsset(position.CollateralAsset,
				position.CollateralAmount-release, coin.PegAssetCode, rate)
			ratio = domain.ComputeCollateralRatio(remainingPegValue, position.DebtAmount-cmd.BurnAmount)
			if ratio.LessThan(coin.MinCollateralRatio) {
				return fmt.Errorf("%w: resulting ratio %s below minimum %s",
					domain.ErrUndercollateralized, ratio, coin.MinCollateralRatio)
			}
		}

		fee := coin.BurnFeeAmount(cmd.BurnAmount)
		if err := s.ledger.Debit(ctx, cmd.AccountID, cmd.Symbol, cmd.BurnAmount+fee); err != nil {
			return err
		}
		if release > 0 {
			if err := s.ledger.Credit(ctx, cmd.AccountID, position.CollateralAsset, release); err != nil {
				return err
			}
		}

		closed := position.ApplyBurn(cmd.BurnAmount, release, ratio)
		position.AddEvent(domain.StablecoinBurnedEvent{
			Symbol:             cmd.Symbol,
			AccountID:          cmd.AccountID,
			PositionID:         position.PositionID,
			BurnAmount:         cmd.BurnAmount,
			FeeAmount:          fee,
			CollateralReleased: release,
			RemainingDebt:      position.DebtAmount,
			CollateralRatio:    ratio,
			Timestamp:          time.Now(),
		})
		if closed {
			position.AddEvent(domain.PositionClosedEvent{
				Symbol:     cmd.Symbol,
				AccountID:  cmd.AccountID,
				PositionID: position.PositionID,
				Timestamp:  time.Now(),
			})
		}
		if err := s.positionRepo.Update(ctx, position); err != nil {
			return err
		}

		releasedPegValue := domain.ConvertToPegAsset(position.CollateralAsset, release, coin.PegAssetCode, rate)
		coin.ApplyBurn(cmd.BurnAmount, releasedPegValue)
		if err := s.coinRepo.Update(ctx, coin); err != nil {
			return err
		}

		if err := s.publishEvents(ctx, position, coin); err != nil {
			return err
		}

		result = &BurnResult{
			PositionID:         position.PositionID,
			BurnAmount:         cmd.BurnAmount,
			FeeAmount:          fee,
			CollateralReleased: release,
			RemainingDebt:      position.DebtAmount,
			CollateralRatio:    ratio,
			Closed:             closed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.BurnsTotal.Inc()
	}
	s.logger.InfoContext(ctx, "burn executed",
		"symbol", cmd.Symbol,
		"account_id", cmd.AccountID,
		"position_id", result.PositionID,
		"burn_amount", cmd.BurnAmount,
		"collateral_released", result.CollateralReleased,
		"closed", result.Closed,
	)
	return result, nil
}

// AddCollateralCommand 追加抵押指令
type AddCollateralCommand struct {
	AccountID       string `json:"account_id"`
	Symbol          string `json:"symbol"`
	CollateralAsset string `json:"collateral_asset"`
	Amount          int64  `json:"amount"`
}

// AddCollateralResult 追加抵押结果
type AddCollateralResult struct {
	PositionID       string          `json:"position_id"`
	CollateralAmount int64           `json:"collateral_amount"`
	CollateralRatio  decimal.Decimal `json:"collateral_ratio"`
}

// AddCollateral 向已有头寸追加抵押品，抵押资产必须与头寸一致。
func (s *IssuanceService) AddCollateral(ctx context.Context, cmd AddCollateralCommand) (*AddCollateralResult, error) {
	if cmd.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInsufficientBalance)
	}

	var result *AddCollateralResult
	err := s.txManager.Transaction(ctx, func(ctx context.Context) error {
		coin, err := s.coinRepo.FindBySymbolForUpdate(ctx, cmd.Symbol)
		if err != nil {
			return err
		}
		position, err := s.positionRepo.FindActiveByAccountForUpdate(ctx, cmd.AccountID, cmd.Symbol)
		if err != nil {
			return err
		}
		if err := position.CheckAsset(cmd.CollateralAsset); err != nil {
			return err
		}

		rate, err := s.collateralRate(ctx, cmd.CollateralAsset, coin.PegAssetCode)
		if err != nil {
			return err
		}

		if err := s.ledger.Debit(ctx, cmd.AccountID, cmd.CollateralAsset, cmd.Amount); err != nil {
			return err
		}

		totalPegValue := domain.ConvertToPegAsset(cmd.CollateralAsset,
			position.CollateralAmount+cmd.Amount, coin.PegAssetCode, rate)
		ratio := domain.ComputeCollateralRatio(totalPegValue, position.DebtAmount)
		position.ApplyCollateral(cmd.Amount, ratio)
		position.AddEvent(domain.CollateralAddedEvent{
			Symbol:          cmd.Symbol,
			AccountID:       cmd.AccountID,
			PositionID:      position.PositionID,
			CollateralAsset: cmd.CollateralAsset,
			Amount:          cmd.Amount,
			CollateralRatio: ratio,
			Timestamp:       time.Now(),
		})
		if err := s.positionRepo.Update(ctx, position); err != nil {
			return err
		}

		addedPegValue := domain.ConvertToPegAsset(cmd.CollateralAsset, cmd.Amount, coin.PegAssetCode, rate)
		coin.ApplyCollateralTopUp(addedPegValue)
		if err := s.coinRepo.Update(ctx, coin); err != nil {
			return err
		}

		if err := s.publishEvents(ctx, position, coin); err != nil {
			return err
		}

		result = &AddCollateralResult{
			PositionID:       position.PositionID,
			CollateralAmount: position.CollateralAmount,
			CollateralRatio:  ratio,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "collateral added",
		"symbol", cmd.Symbol,
		"account_id", cmd.AccountID,
		"position_id", result.PositionID,
		"amount", cmd.Amount,
	)
	return result, nil
}

func (s *IssuanceService) collateralRate(ctx context.Context, assetCode, pegAssetCode string) (decimal.Decimal, error) {
	if assetCode == pegAssetCode {
		return decimal.NewFromInt(1), nil
	}
	rate, err := s.oracle.GetRate(ctx, assetCode, pegAssetCode)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate %s to %s: %w", assetCode, pegAssetCode, err)
	}
	return rate, nil
}

func (s *IssuanceService) publishEvents(ctx context.Context, position *domain.CollateralPosition, coin *domain.Stablecoin) error {
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
