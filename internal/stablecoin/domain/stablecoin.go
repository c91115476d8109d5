package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StabilityMechanism 稳定机制类型，封闭枚举，行为通过方法派发。
type StabilityMechanism string

const (
	MechanismCollateralized StabilityMechanism = "collateralized"
	MechanismAlgorithmic    StabilityMechanism = "algorithmic"
	MechanismHybrid         StabilityMechanism = "hybrid"
)

// AdjustsFees 该机制是否通过铸造/销毁费率调节供给
func (m StabilityMechanism) AdjustsFees() bool {
	return m == MechanismCollateralized || m == MechanismHybrid
}

// AdjustsIncentives 该机制是否通过算法奖励/惩罚调节供给
func (m StabilityMechanism) AdjustsIncentives() bool {
	return m == MechanismAlgorithmic || m == MechanismHybrid
}

// Valid 校验机制取值
func (m StabilityMechanism) Valid() bool {
	switch m {
	case MechanismCollateralized, MechanismAlgorithmic, MechanismHybrid:
		return true
	}
	return false
}

// StablecoinStatus 稳定币状态
type StablecoinStatus string

const (
	StablecoinActive    StablecoinStatus = "active"
	StablecoinSuspended StablecoinStatus = "suspended"
)

// MaxFeeBound 费率与激励的统一上界
var MaxFeeBound = decimal.NewFromFloat(0.10)

// Stablecoin 稳定币聚合根，每个币种一行。
// TotalSupply/TotalCollateralValue 为运行累计值，只由发行与清算流程增减，
// 热路径上不允许全量重算。金额均为锚定资产最小单位整数。
type Stablecoin struct {
	gorm.Model
	Symbol             string             `gorm:"type:varchar(16);uniqueIndex;not null"`
	Name               string             `gorm:"type:varchar(64)"`
	PegAssetCode       string             `gorm:"type:varchar(8);not null"`
	TargetPrice        decimal.Decimal    `gorm:"type:decimal(20,8);not null"`
	Mechanism          StabilityMechanism `gorm:"type:varchar(16);not null"`
	CollateralRatio    decimal.Decimal    `gorm:"type:decimal(20,8);not null"`
	MinCollateralRatio decimal.Decimal    `gorm:"type:decimal(20,8);not null"`
	LiquidationPenalty decimal.Decimal    `gorm:"type:decimal(20,8);not null"`
	MintFee            decimal.Decimal    `gorm:"type:decimal(20,8);not null"`
	BurnFee            decimal.Decimal    `gorm:"type:decimal(20,8);not null"`
	BaseMintFee        decimal.Decimal    `gorm:"type:decimal(20,8);not null"`
	BaseBurnFee        decimal.Decimal    `gorm:"type:decimal(20,8);not null"`
	AlgoMintReward     decimal.Decimal    `gorm:"type:decimal(20,8);not null;default:0"`
	AlgoBurnPenalty    decimal.Decimal    `gorm:"type:decimal(20,8);not null;default:0"`
	TotalSupply        int64              `gorm:"not null;default:0"`
	MaxSupply          int64              `gorm:"not null"`
	// TotalCollateralValue 以锚定资产计价的抵押品总值
	TotalCollateralValue int64            `gorm:"not null;default:0"`
	MintingEnabled       bool             `gorm:"not null;default:true"`
	BurningEnabled       bool             `gorm:"not null;default:true"`
	Status               StablecoinStatus `gorm:"type:varchar(16);not null;default:'active'"`
	Version              int64            `gorm:"not null;default:0"`

	domainEvents []DomainEvent `gorm:"-"`
}

// TableName 指定表名
func (Stablecoin) TableName() string {
	return "stablecoins"
}

// CanMint 铸造前置校验
func (s *Stablecoin) CanMint(amount int64) error {
	if !s.MintingEnabled {
		return fmt.Errorf("%w for %s", ErrMintingDisabled, s.Symbol)
	}
	if s.TotalSupply+amount > s.MaxSupply {
		return fmt.Errorf("%w for %s", ErrMaxSupplyExceeded, s.Symbol)
	}
	return nil
}

// CanBurn 销毁前置校验
func (s *Stablecoin) CanBurn() error {
	if !s.BurningEnabled {
		return fmt.Errorf("%w for %s", ErrBurningDisabled, s.Symbol)
	}
	return nil
}

// ApplyMint 记账铸造结果：供给增加 mintAmount，抵押池增加新增抵押的锚定价值。
func (s *Stablecoin) ApplyMint(mintAmount, newCollateralPegValue int64) {
	MustInvariant(mintAmount > 0, "mint amount must be positive, got %d", mintAmount)
	s.TotalSupply += mintAmount
	s.TotalCollateralValue += newCollateralPegValue
	MustInvariant(s.TotalSupply <= s.MaxSupply,
		"total supply %d exceeds max supply %d for %s", s.TotalSupply, s.MaxSupply, s.Symbol)
}

// ApplyBurn 记账销毁结果
func (s *Stablecoin) ApplyBurn(burnAmount, releasedPegValue int64) {
	MustInvariant(burnAmount > 0, "burn amount must be positive, got %d", burnAmount)
	s.TotalSupply -= burnAmount
	s.TotalCollateralValue -= releasedPegValue
	MustInvariant(s.TotalSupply >= 0, "total supply went negative for %s", s.Symbol)
}

// ApplyLiquidation 记账清算结果。整笔被没收抵押的锚定价值移出抵押池，
// 清算人实收为没收额减罚金，罚金部分退出流通（归宿由协议金库另行处理）。
func (s *Stablecoin) ApplyLiquidation(repayAmount, seizedPegValue int64) {
	MustInvariant(repayAmount > 0, "repay amount must be positive, got %d", repayAmount)
	s.TotalSupply -= repayAmount
	s.TotalCollateralValue -= seizedPegValue
	MustInvariant(s.TotalSupply >= 0, "total supply went negative for %s", s.Symbol)
}

// ApplyCollateralTopUp 记账追加抵押
func (s *Stablecoin) ApplyCollateralTopUp(pegValue int64) {
	MustInvariant(pegValue >= 0, "collateral peg value must not be negative, got %d", pegValue)
	s.TotalCollateralValue += pegValue
}

// SetFees 设置当前费率并裁剪到 [0, MaxFeeBound]
func (s *Stablecoin) SetFees(mintFee, burnFee decimal.Decimal) {
	s.MintFee = clampFee(mintFee)
	s.BurnFee = clampFee(burnFee)
}

// ResetFeesToBase 恢复基准费率
func (s *Stablecoin) ResetFeesToBase() {
	s.MintFee = s.BaseMintFee
	s.BurnFee = s.BaseBurnFee
}

// SetIncentives 设置算法激励并裁剪到 [0, MaxFeeBound]
func (s *Stablecoin) SetIncentives(mintReward, burnPenalty decimal.Decimal) {
	s.AlgoMintReward = clampFee(mintReward)
	s.AlgoBurnPenalty = clampFee(burnPenalty)
}

// PauseMinting 紧急暂停铸造
func (s *Stablecoin) PauseMinting() {
	s.MintingEnabled = false
}

// GlobalCollateralRatio 全局抵押率 = 抵押池价值 / max(1, 流通供给)
func (s *Stablecoin) GlobalCollateralRatio() decimal.Decimal {
	supply := s.TotalSupply
	if supply < 1 {
		supply = 1
	}
	return decimal.NewFromInt(s.TotalCollateralValue).
		DivRound(decimal.NewFromInt(supply), 8)
}

// SupplyUtilization 供给使用率 = 流通供给 / 最大供给
func (s *Stablecoin) SupplyUtilization() decimal.Decimal {
	if s.MaxSupply <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(s.TotalSupply).
		DivRound(decimal.NewFromInt(s.MaxSupply), 8)
}

// MintFeeAmount 按当前铸造费率计算费用（最小单位取整）
func (s *Stablecoin) MintFeeAmount(mintAmount int64) int64 {
	return decimal.NewFromInt(mintAmount).Mul(s.MintFee).Round(0).IntPart()
}

// BurnFeeAmount 按当前销毁费率计算费用（最小单位取整）
func (s *Stablecoin) BurnFeeAmount(burnAmount int64) int64 {
	return decimal.NewFromInt(burnAmount).Mul(s.BurnFee).Round(0).IntPart()
}

// PenaltyAmount 按清算罚金率计算罚金（最小单位取整）
func (s *Stablecoin) PenaltyAmount(repayAmount int64) int64 {
	return decimal.NewFromInt(repayAmount).Mul(s.LiquidationPenalty).Round(0).IntPart()
}

// AddEvent 收集领域事件，提交成功后由应用层发布。
func (s *Stablecoin) AddEvent(event DomainEvent) {
	s.domainEvents = append(s.domainEvents, event)
}

// DomainEvents 获取未发布的领域事件
func (s *Stablecoin) DomainEvents() []DomainEvent {
	return s.domainEvents
}

// ClearDomainEvents 清空领域事件
func (s *Stablecoin) ClearDomainEvents() {
	s.domainEvents = nil
}

func clampFee(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(MaxFeeBound) {
		return MaxFeeBound
	}
	return v
}

// nowFunc 便于测试注入时间
var nowFunc = time.Now
