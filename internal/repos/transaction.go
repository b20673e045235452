package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/types"
)

type TransactionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, txn *types.Transaction) (*types.Transaction, error)
	GetByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*types.Transaction, error)
	ListByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.Transaction, error)
	ListByTestID(ctx context.Context, tx *gorm.DB, testID string) ([]*types.Transaction, error)
	ListAll(ctx context.Context, tx *gorm.DB) ([]*types.Transaction, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, orderID string, fields map[string]any) error
	ReassignUser(ctx context.Context, tx *gorm.DB, fromUserID, toUserID string) (int64, error)
}

type transactionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTransactionRepo(db *gorm.DB, baseLog *logger.Logger) TransactionRepo {
	repoLog := baseLog.With("repo", "TransactionRepo")
	return &transactionRepo{db: db, log: repoLog}
}

func (tr *transactionRepo) Create(ctx context.Context, tx *gorm.DB, txn *types.Transaction) (*types.Transaction, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	if err := transaction.WithContext(ctx).Create(txn).Error; err != nil {
		return nil, err
	}
	return txn, nil
}

func (tr *transactionRepo) GetByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*types.Transaction, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	var result types.Transaction
	if err := transaction.WithContext(ctx).
		Where("order_id = ?", orderID).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (tr *transactionRepo) ListByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.Transaction, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	var results []*types.Transaction
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (tr *transactionRepo) ListByTestID(ctx context.Context, tx *gorm.DB, testID string) ([]*types.Transaction, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	var results []*types.Transaction
	if err := transaction.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (tr *transactionRepo) ListAll(ctx context.Context, tx *gorm.DB) ([]*types.Transaction, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	var results []*types.Transaction
	if err := transaction.WithContext(ctx).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (tr *transactionRepo) UpdateFields(ctx context.Context, tx *gorm.DB, orderID string, fields map[string]any) error {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	if len(fields) == 0 {
		return nil
	}

	return transaction.WithContext(ctx).
		Model(&types.Transaction{}).
		Where("order_id = ?", orderID).
		Updates(fields).Error
}

func (tr *transactionRepo) ReassignUser(ctx context.Context, tx *gorm.DB, fromUserID, toUserID string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = tr.db
	}

	res := transaction.WithContext(ctx).
		Model(&types.Transaction{}).
		Where("user_id = ?", fromUserID).
		Update("user_id", toUserID)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
