package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PositionStatus 抵押头寸状态
type PositionStatus string

const (
	PositionActive     PositionStatus = "active"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
	PositionFrozen     PositionStatus = "frozen"
)

// CollateralPosition 抵押头寸聚合根。
// 每个账户对每种稳定币至多一个 active 头寸；一个头寸同一时刻只持有一种抵押资产。
// CollateralRatio 在任何 collateral_amount/debt_amount 变更后立即重算，不允许滞留旧值。
type CollateralPosition struct {
	gorm.Model
	PositionID       string `gorm:"type:varchar(64);uniqueIndex;not null"`
	AccountID        string `gorm:"type:varchar(64);index:idx_account_symbol;not null"`
	Symbol           string `gorm:"type:varchar(16);index:idx_account_symbol;not null"`
	CollateralAsset  string `gorm:"type:varchar(8);not null"`
	CollateralAmount int64  `gorm:"not null;default:0"`
	DebtAmount       int64  `gorm:"not null;default:0"`
	// CollateralRatio = convertToPeg(collateral) / debt，随每次变更重算
	CollateralRatio        decimal.Decimal `gorm:"type:decimal(20,8);not null;default:0"`
	Status                 PositionStatus  `gorm:"type:varchar(16);index;not null"`
	AutoLiquidationEnabled bool            `gorm:"not null;default:false"`
	LastInteractionAt      time.Time       `gorm:"not null"`
	LiquidatedAt           *time.Time
	Version                int64 `gorm:"not null;default:0"`

	domainEvents []DomainEvent `gorm:"-"`
}

// TableName 指定表名
func (CollateralPosition) TableName() string {
	return "collateral_positions"
}

// NewCollateralPosition 首次铸造时创建头寸
func NewCollateralPosition(positionID, accountID, symbol, collateralAsset string) *CollateralPosition {
	return &CollateralPosition{
		PositionID:        positionID,
		AccountID:         accountID,
		Symbol:            symbol,
		CollateralAsset:   collateralAsset,
		Status:            PositionActive,
		CollateralRatio:   decimal.Zero,
		LastInteractionAt: nowFunc(),
	}
}

// IsActive 头寸是否处于可操作状态
func (p *CollateralPosition) IsActive() bool {
	return p.Status == PositionActive
}

// CheckAsset 头寸同一时刻只持有一种抵押资产
func (p *CollateralPosition) CheckAsset(assetCode string) error {
	if p.CollateralAsset != assetCode {
		return fmt.Errorf("%w: position holds %s, got %s", ErrAssetMismatch, p.CollateralAsset, assetCode)
	}
	return nil
}

// ApplyMint 铸造入账：追加抵押与债务并重算抵押率
func (p *CollateralPosition) ApplyMint(collateralAdd, debtAdd int64, ratio decimal.Decimal) {
	MustInvariant(p.IsActive(), "mint on non-active position %s", p.PositionID)
	MustInvariant(collateralAdd >= 0 && debtAdd > 0,
		"mint deltas must be positive, collateral %d debt %d", collateralAdd, debtAdd)
	p.CollateralAmount += collateralAdd
	p.DebtAmount += debtAdd
	p.CollateralRatio = ratio
	p.touch()
}

// ApplyBurn 销毁入账：偿还债务并释放抵押；债务归零时头寸关闭。
// 返回头寸是否因此关闭。
func (p *CollateralPosition) ApplyBurn(burnAmount, release int64, ratio decimal.Decimal) bool {
	MustInvariant(p.IsActive(), "burn on non-active position %s", p.PositionID)
	MustInvariant(burnAmount > 0 && burnAmount <= p.DebtAmount,
		"burn %d out of range for debt %d on %s", burnAmount, p.DebtAmount, p.PositionID)
	MustInvariant(release >= 0 && release <= p.CollateralAmount,
		"release %d out of range for collateral %d on %s", release, p.CollateralAmount, p.PositionID)
	p.DebtAmount -= burnAmount
	p.CollateralAmount -= release
	p.CollateralRatio = ratio
	p.touch()
	if p.DebtAmount == 0 {
		MustInvariant(p.CollateralAmount == 0,
			"closing position %s with residual collateral %d", p.PositionID, p.CollateralAmount)
		p.Status = PositionClosed
		return true
	}
	return false
}

// ApplyCollateral 追加抵押并重算抵押率
func (p *CollateralPosition) ApplyCollateral(amount int64, ratio decimal.Decimal) {
	MustInvariant(p.IsActive(), "add collateral on non-active position %s", p.PositionID)
	MustInvariant(amount > 0, "collateral amount must be positive, got %d", amount)
	p.CollateralAmount += amount
	p.CollateralRatio = ratio
	p.touch()
}

// ApplyLiquidation 清算入账：偿付 repay、没收 seized。
// 债务归零时进入 liquidated 终态，否则保持 active 并带上重算后的抵押率。
// 返回是否为整仓清算。
func (p *CollateralPosition) ApplyLiquidation(repay, seized int64, ratio decimal.Decimal) bool {
	MustInvariant(p.IsActive(), "liquidate on non-active position %s", p.PositionID)
	MustInvariant(repay > 0 && repay <= p.DebtAmount,
		"repay %d out of range for debt %d on %s", repay, p.DebtAmount, p.PositionID)
	MustInvariant(seized >= 0 && seized <= p.CollateralAmount,
		"seized %d out of range for collateral %d on %s", seized, p.CollateralAmount, p.PositionID)
	p.DebtAmount -= repay
	p.CollateralAmount -= seized
	p.touch()
	if p.DebtAmount == 0 {
		now := nowFunc()
		p.Status = PositionLiquidated
		p.LiquidatedAt = &now
		p.CollateralRatio = decimal.Zero
		return true
	}
	p.CollateralRatio = ratio
	return false
}

// HoursSinceInteraction 距最近一次操作的小时数，用于清算优先级
func (p *CollateralPosition) HoursSinceInteraction(now time.Time) float64 {
	return now.Sub(p.LastInteractionAt).Hours()
}

func (p *CollateralPosition) touch() {
	p.LastInteractionAt = nowFunc()
}

// AddEvent 收集领域事件
func (p *CollateralPosition) AddEvent(event DomainEvent) {
	p.domainEvents = append(p.domainEvents, event)
}

// DomainEvents 获取未发布的领域事件
func (p *CollateralPosition) DomainEvents() []DomainEvent {
	return p.domainEvents
}

// ClearDomainEvents 清空领域事件
func (p *CollateralPosition) ClearDomainEvents() {
	p.domainEvents = nil
}
