package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// StablecoinRepository 稳定币聚合仓储。
// FindBySymbolForUpdate 取行级写锁，同一稳定币的聚合计数更新由此串行化。
type StablecoinRepository interface {
	Save(ctx context.Context, coin *Stablecoin) error
	// Update 带乐观版本校验，版本不匹配返回 ErrVersionConflict
	Update(ctx context.Context, coin *Stablecoin) error
	FindBySymbol(ctx context.Context, symbol string) (*Stablecoin, error)
	FindBySymbolForUpdate(ctx context.Context, symbol string) (*Stablecoin, error)
	ListActive(ctx context.Context) ([]*Stablecoin, error)
}

// PositionRepository 抵押头寸仓储。
// 对同一头寸的变更（铸造/销毁/追加抵押/清算）通过 ForUpdate 行锁串行化。
type PositionRepository interface {
	Save(ctx context.Context, position *CollateralPosition) error
	// Update 带乐观版本校验，版本不匹配返回 ErrVersionConflict
	Update(ctx context.Context, position *CollateralPosition) error
	FindByID(ctx context.Context, positionID string) (*CollateralPosition, error)
	FindByIDForUpdate(ctx context.Context, positionID string) (*CollateralPosition, error)
	// FindActiveByAccount 查账户在某稳定币下的 active 头寸，不存在返回 ErrPositionNotFound
	FindActiveByAccount(ctx context.Context, accountID, symbol string) (*CollateralPosition, error)
	FindActiveByAccountForUpdate(ctx context.Context, accountID, symbol string) (*CollateralPosition, error)
	ListActiveBySymbol(ctx context.Context, symbol string) ([]*CollateralPosition, error)
}

// Ledger 外部账本，金额为最小单位整数。
// Debit 余额不足时返回 ErrInsufficientBalance。
type Ledger interface {
	GetBalance(ctx context.Context, accountID, assetCode string) (int64, error)
	Debit(ctx context.Context, accountID, assetCode string, amount int64) error
	Credit(ctx context.Context, accountID, assetCode string, amount int64) error
}

// Oracle 汇率预言机。无可用汇率时返回 ErrRateUnavailable。
type Oracle interface {
	GetRate(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error)
}

// EventPublisher 领域事件出站接口。在事务内调用时实现方须保证
// 事件与业务变更同事务提交（如 outbox）。
type EventPublisher interface {
	Publish(ctx context.Context, events ...DomainEvent) error
}

// TransactionManager 将 fn 中的所有仓储与账本操作绑定到同一个数据库事务，
// fn 返回错误则整体回滚。
type TransactionManager interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
