package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StablecoinRepository 稳定币聚合仓储的 GORM 实现
type StablecoinRepository struct {
	db *gorm.DB
}

// NewStablecoinRepository 创建稳定币仓储
func NewStablecoinRepository(db *gorm.DB) *StablecoinRepository {
	return &StablecoinRepository{db: db}
}

// Save 新增稳定币
func (r *StablecoinRepository) Save(ctx context.Context, coin *domain.Stablecoin) error {
	if err := getDB(ctx, r.db).Create(coin).Error; err != nil {
		return fmt.Errorf("save stablecoin %s: %w", coin.Symbol, err)
	}
	return nil
}

// Update 带乐观版本校验的全量更新。行锁已串行化常规路径，
// 版本列兜底防止锁外写入造成的静默覆盖。
func (r *StablecoinRepository) Update(ctx context.Context, coin *domain.Stablecoin) error {
	currentVersion := coin.Version
	coin.Version++

	result := getDB(ctx, r.db).
		Model(&domain.Stablecoin{}).
		Where("id = ? AND version = ?", coin.ID, currentVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(coin)
	if result.Error != nil {
		coin.Version = currentVersion
		return fmt.Errorf("update stablecoin %s: %w", coin.Symbol, result.Error)
	}
	if result.RowsAffected == 0 {
		coin.Version = currentVersion
		return fmt.Errorf("update stablecoin %s: %w", coin.Symbol, domain.ErrVersionConflict)
	}
	return nil
}

// FindBySymbol 按代码查询
func (r *StablecoinRepository) FindBySymbol(ctx context.Context, symbol string) (*domain.Stablecoin, error) {
	var coin domain.Stablecoin
	err := getDB(ctx, r.db).Where("symbol = ?", symbol).First(&coin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrStablecoinNotFound, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("find stablecoin %s: %w", symbol, err)
	}
	return &coin, nil
}

// FindBySymbolForUpdate 按代码查询并取行级写锁，须在事务内调用。
func (r *StablecoinRepository) FindBySymbolForUpdate(ctx context.Context, symbol string) (*domain.Stablecoin, error) {
	var coin domain.Stablecoin
	err := getDB(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("symbol = ?", symbol).
		First(&coin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrStablecoinNotFound, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("find stablecoin %s for update: %w", symbol, err)
	}
	return &coin, nil
}

// ListActive 列出所有在用稳定币
func (r *StablecoinRepository) ListActive(ctx context.Context) ([]*domain.Stablecoin, error) {
	var coins []*domain.Stablecoin
	err := getDB(ctx, r.db).
		Where("status = ?", domain.StablecoinActive).
		Order("symbol").
		Find(&coins).Error
	if err != nil {
		return nil, fmt.Errorf("list active stablecoins: %w", err)
	}
	return coins, nil
}
