// Package mysql 基于 GORM 的仓储实现。事务通过 contextx 绑定到 context，
// 同一事务内的仓储调用自动复用事务连接。
package mysql

import (
	"context"

	"github.com/wyfcoding/pkg/contextx"
	"gorm.io/gorm"
)

// TransactionManager GORM 事务管理器
type TransactionManager struct {
	db *gorm.DB
}

// NewTransactionManager 创建事务管理器
func NewTransactionManager(db *gorm.DB) *TransactionManager {
	return &TransactionManager{db: db}
}

// Transaction 在单个数据库事务中执行 fn，fn 返回错误则整体回滚。
func (m *TransactionManager) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(contextx.WithTx(ctx, tx))
	})
}

// getDB 优先取 context 中的事务连接
func getDB(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := contextx.GetTx(ctx).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return db.WithContext(ctx)
}
