package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PositionRepository 抵押头寸仓储的 GORM 实现
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository 创建头寸仓储
func NewPositionRepository(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Save 新增头寸
func (r *PositionRepository) Save(ctx context.Context, position *domain.CollateralPosition) error {
	if err := getDB(ctx, r.db).Create(position).Error; err != nil {
		return fmt.Errorf("save position %s: %w", position.PositionID, err)
	}
	return nil
}

// Update 带乐观版本校验的全量更新
func (r *PositionRepository) Update(ctx context.Context, position *domain.CollateralPosition) error {
	currentVersion := position.Version
	position.Version++

	result := getDB(ctx, r.db).
		Model(&domain.CollateralPosition{}).
		Where("id = ? AND version = ?", position.ID, currentVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(position)
	if result.Error != nil {
		position.Version = currentVersion
		return fmt.Errorf("update position %s: %w", position.PositionID, result.Error)
	}
	if result.RowsAffected == 0 {
		position.Version = currentVersion
		return fmt.Errorf("update position %s: %w", position.PositionID, domain.ErrVersionConflict)
	}
	return nil
}

// FindByID 按头寸编号查询
func (r *PositionRepository) FindByID(ctx context.Context, positionID string) (*domain.CollateralPosition, error) {
	var position domain.CollateralPosition
	err := getDB(ctx, r.db).Where("position_id = ?", positionID).First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("find position %s: %w", positionID, err)
	}
	return &position, nil
}

// FindByIDForUpdate 按头寸编号查询并取行级写锁，须在事务内调用。
func (r *PositionRepository) FindByIDForUpdate(ctx context.Context, positionID string) (*domain.CollateralPosition, error) {
	var position domain.CollateralPosition
	err := getDB(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("position_id = ?", positionID).
		First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPositionNotFound, positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("find position %s for update: %w", positionID, err)
	}
	return &position, nil
}

// FindActiveByAccount 查询账户在某稳定币下的 active 头寸
func (r *PositionRepository) FindActiveByAccount(ctx context.Context, accountID, symbol string) (*domain.CollateralPosition, error) {
	return r.findActive(ctx, getDB(ctx, r.db), accountID, symbol)
}

// FindActiveByAccountForUpdate 查询账户 active 头寸并取行级写锁
func (r *PositionRepository) FindActiveByAccountForUpdate(ctx context.Context, accountID, symbol string) (*domain.CollateralPosition, error) {
	db := getDB(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"})
	return r.findActive(ctx, db, accountID, symbol)
}

func (r *PositionRepository) findActive(_ context.Context, db *gorm.DB, accountID, symbol string) (*domain.CollateralPosition, error) {
	var position domain.CollateralPosition
	err := db.
		Where("account_id = ? AND symbol = ? AND status = ?", accountID, symbol, domain.PositionActive).
		First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: account %s symbol %s", domain.ErrPositionNotFound, accountID, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("find active position for %s/%s: %w", accountID, symbol, err)
	}
	return &position, nil
}

// ListActiveBySymbol 列出某稳定币的所有 active 头寸
func (r *PositionRepository) ListActiveBySymbol(ctx context.Context, symbol string) ([]*domain.CollateralPosition, error) {
	var positions []*domain.CollateralPosition
	err := getDB(ctx, r.db).
		Where("symbol = ? AND status = ?", symbol, domain.PositionActive).
		Order("id").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("list active positions for %s: %w", symbol, err)
	}
	return positions, nil
}
