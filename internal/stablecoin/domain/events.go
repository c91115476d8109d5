package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DomainEvent 领域事件接口
type DomainEvent interface {
	EventName() string
	EventKey() string
	OccurredAt() time.Time
}

// StablecoinMintedEvent 铸造完成事件
type StablecoinMintedEvent struct {
	Symbol           string          `json:"symbol"`
	AccountID        string          `json:"account_id"`
	PositionID       string          `json:"position_id"`
	CollateralAsset  string          `json:"collateral_asset"`
	CollateralAmount int64           `json:"collateral_amount"`
	MintAmount       int64           `json:"mint_amount"`
	FeeAmount        int64           `json:"fee_amount"`
	CollateralRatio  decimal.Decimal `json:"collateral_ratio"`
	Timestamp        time.Time       `json:"timestamp"`
}

func (e StablecoinMintedEvent) EventName() string     { return "stablecoin.minted" }
func (e StablecoinMintedEvent) EventKey() string      { return e.PositionID }
func (e StablecoinMintedEvent) OccurredAt() time.Time { return e.Timestamp }

// StablecoinBurnedEvent 销毁完成事件
type StablecoinBurnedEvent struct {
	Symbol             string          `json:"symbol"`
	AccountID          string          `json:"account_id"`
	PositionID         string          `json:"position_id"`
	BurnAmount         int64           `json:"burn_amount"`
	FeeAmount          int64           `json:"fee_amount"`
	CollateralReleased int64           `json:"collateral_released"`
	RemainingDebt      int64           `json:"remaining_debt"`
	CollateralRatio    decimal.Decimal `json:"collateral_ratio"`
	Timestamp          time.Time       `json:"timestamp"`
}

func (e StablecoinBurnedEvent) EventName() string     { return "stablecoin.burned" }
func (e StablecoinBurnedEvent) EventKey() string      { return e.PositionID }
func (e StablecoinBurnedEvent) OccurredAt() time.Time { return e.Timestamp }

// CollateralAddedEvent 追加抵押事件
type CollateralAddedEvent struct {
	Symbol          string          `json:"symbol"`
	AccountID       string          `json:"account_id"`
	PositionID      string          `json:"position_id"`
	CollateralAsset string          `json:"collateral_asset"`
	Amount          int64           `json:"amount"`
	CollateralRatio decimal.Decimal `json:"collateral_ratio"`
	Timestamp       time.Time       `json:"timestamp"`
}

func (e CollateralAddedEvent) EventName() string     { return "position.collateral_added" }
func (e CollateralAddedEvent) EventKey() string      { return e.PositionID }
func (e CollateralAddedEvent) OccurredAt() time.Time { return e.Timestamp }

// PositionClosedEvent 头寸完全偿付关闭事件
type PositionClosedEvent struct {
	Symbol     string    `json:"symbol"`
	AccountID  string    `json:"account_id"`
	PositionID string    `json:"position_id"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e PositionClosedEvent) EventName() string     { return "position.closed" }
func (e PositionClosedEvent) EventKey() string      { return e.PositionID }
func (e PositionClosedEvent) OccurredAt() time.Time { return e.Timestamp }

// LiquidationExecutedEvent 单次清算执行事件，部分清算与整仓清算都发，
// 携带审计所需的前后状态。
type LiquidationExecutedEvent struct {
	Symbol              string          `json:"symbol"`
	PositionID          string          `json:"position_id"`
	OwnerID             string          `json:"owner_id"`
	LiquidatorID        string          `json:"liquidator_id"`
	DebtRepaid          int64           `json:"debt_repaid"`
	CollateralSeized    int64           `json:"collateral_seized"`
	Penalty             int64           `json:"penalty"`
	RemainingDebt       int64           `json:"remaining_debt"`
	RemainingCollateral int64           `json:"remaining_collateral"`
	CollateralRatio     decimal.Decimal `json:"collateral_ratio"`
	FullLiquidation     bool            `json:"full_liquidation"`
	Timestamp           time.Time       `json:"timestamp"`
}

func (e LiquidationExecutedEvent) EventName() string     { return "liquidation.executed" }
func (e LiquidationExecutedEvent) EventKey() string      { return e.PositionID }
func (e LiquidationExecutedEvent) OccurredAt() time.Time { return e.Timestamp }

// PositionLiquidatedEvent 头寸整仓清算终态事件，仅在债务清零时发一次。
type PositionLiquidatedEvent struct {
	Symbol           string    `json:"symbol"`
	PositionID       string    `json:"position_id"`
	OwnerID          string    `json:"owner_id"`
	LiquidatorID     string    `json:"liquidator_id"`
	CollateralSeized int64     `json:"collateral_seized"`
	Penalty          int64     `json:"penalty"`
	Timestamp        time.Time `json:"timestamp"`
}

func (e PositionLiquidatedEvent) EventName() string     { return "position.liquidated" }
func (e PositionLiquidatedEvent) EventKey() string      { return e.PositionID }
func (e PositionLiquidatedEvent) OccurredAt() time.Time { return e.Timestamp }

// StabilityMechanismAppliedEvent 稳定机制调整事件
type StabilityMechanismAppliedEvent struct {
	Symbol           string            `json:"symbol"`
	Mechanism        string            `json:"mechanism"`
	DeviationPercent decimal.Decimal   `json:"deviation_percent"`
	Actions          []StabilityAction `json:"actions"`
	Timestamp        time.Time         `json:"timestamp"`
}

func (e StabilityMechanismAppliedEvent) EventName() string     { return "stability.mechanism.applied" }
func (e StabilityMechanismAppliedEvent) EventKey() string      { return e.Symbol }
func (e StabilityMechanismAppliedEvent) OccurredAt() time.Time { return e.Timestamp }

// CircuitBreakerTrippedEvent 紧急熔断事件
type CircuitBreakerTrippedEvent struct {
	Symbol           string            `json:"symbol"`
	DeviationPercent decimal.Decimal   `json:"deviation_percent"`
	Actions          []StabilityAction `json:"actions"`
	Timestamp        time.Time         `json:"timestamp"`
}

func (e CircuitBreakerTrippedEvent) EventName() string     { return "stability.circuit_breaker" }
func (e CircuitBreakerTrippedEvent) EventKey() string      { return e.Symbol }
func (e CircuitBreakerTrippedEvent) OccurredAt() time.Time { return e.Timestamp }

// StabilityAction 稳定机制单次动作记录，before/after 供审计回放。
type StabilityAction struct {
	Action    string            `json:"action"`
	Reason    string            `json:"reason"`
	Before    map[string]string `json:"before"`
	After     map[string]string `json:"after"`
	Timestamp time.Time         `json:"timestamp"`
}
