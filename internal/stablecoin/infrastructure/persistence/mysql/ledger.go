package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/pkg/idgen"
	"github.com/wyfcoding/stablecoin/internal/stablecoin/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerAccount 账本余额行，account+asset 唯一。金额为最小单位整数。
type LedgerAccount struct {
	gorm.Model
	AccountID string `gorm:"type:varchar(64);uniqueIndex:idx_account_asset;not null"`
	AssetCode string `gorm:"type:varchar(16);uniqueIndex:idx_account_asset;not null"`
	Balance   int64  `gorm:"not null;default:0"`
}

// TableName 指定表名
func (LedgerAccount) TableName() string {
	return "ledger_accounts"
}

// LedgerEntry 流水，每次借记/贷记一条，审计用。
type LedgerEntry struct {
	gorm.Model
	EntryID   string `gorm:"type:varchar(64);uniqueIndex;not null"`
	AccountID string `gorm:"type:varchar(64);index;not null"`
	AssetCode string `gorm:"type:varchar(16);not null"`
	// Direction debit/credit
	Direction string `gorm:"type:varchar(8);not null"`
	Amount    int64  `gorm:"not null"`
}

// TableName 指定表名
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// Ledger 外部账本接口的 GORM 适配。借记用余额前置条件的原子更新，
// 不足时返回 ErrInsufficientBalance；贷记对不存在的账户行自动建行。
type Ledger struct {
	db *gorm.DB
}

// NewLedger 创建账本适配器
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// GetBalance 查询余额，无记录视为零余额。
func (l *Ledger) GetBalance(ctx context.Context, accountID, assetCode string) (int64, error) {
	var account LedgerAccount
	err := getDB(ctx, l.db).
		Where("account_id = ? AND asset_code = ?", accountID, assetCode).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s/%s: %w", accountID, assetCode, err)
	}
	return account.Balance, nil
}

// Debit 借记。`balance >= amount` 作为更新条件，命中零行即余额不足。
func (l *Ledger) Debit(ctx context.Context, accountID, assetCode string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	db := getDB(ctx, l.db)

	result := db.Model(&LedgerAccount{}).
		Where("account_id = ? AND asset_code = ? AND balance >= ?", accountID, assetCode, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if result.Error != nil {
		return fmt.Errorf("debit %s/%s: %w", accountID, assetCode, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: account %s asset %s amount %d",
			domain.ErrInsufficientBalance, accountID, assetCode, amount)
	}

	return l.journal(db, accountID, assetCode, "debit", amount)
}

// Credit 贷记，账户行不存在时先建行。
func (l *Ledger) Credit(ctx context.Context, accountID, assetCode string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	db := getDB(ctx, l.db)

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "asset_code"}},
		DoUpdates: clause.Assignments(map[string]any{"balance": gorm.Expr("balance + ?", amount)}),
	}).Create(&LedgerAccount{
		AccountID: accountID,
		AssetCode: assetCode,
		Balance:   amount,
	}).Error
	if err != nil {
		return fmt.Errorf("credit %s/%s: %w", accountID, assetCode, err)
	}

	return l.journal(db, accountID, assetCode, "credit", amount)
}

func (l *Ledger) journal(db *gorm.DB, accountID, assetCode, direction string, amount int64) error {
	entry := &LedgerEntry{
		EntryID:   fmt.Sprintf("LED%s", idgen.GenIDString()),
		AccountID: accountID,
		AssetCode: assetCode,
		Direction: direction,
		Amount:    amount,
	}
	if err := db.Create(entry).Error; err != nil {
		return fmt.Errorf("journal %s %s/%s: %w", direction, accountID, assetCode, err)
	}
	return nil
}
