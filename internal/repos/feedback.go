package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/types"
)

type FeedbackRepo interface {
	Create(ctx context.Context, tx *gorm.DB, fb *types.Feedback) (*types.Feedback, error)
	ListByTestID(ctx context.Context, tx *gorm.DB, testID string) ([]*types.Feedback, error)
	ReassignUser(ctx context.Context, tx *gorm.DB, fromUserID, toUserID string) (int64, error)
}

type feedbackRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFeedbackRepo(db *gorm.DB, baseLog *logger.Logger) FeedbackRepo {
	repoLog := baseLog.With("repo", "FeedbackRepo")
	return &feedbackRepo{db: db, log: repoLog}
}

func (fr *feedbackRepo) Create(ctx context.Context, tx *gorm.DB, fb *types.Feedback) (*types.Feedback, error) {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
	}

	if err := transaction.WithContext(ctx).Create(fb).Error; err != nil {
		return nil, err
	}
	return fb, nil
}

func (fr *feedbackRepo) ListByTestID(ctx context.Context, tx *gorm.DB, testID string) ([]*types.Feedback, error) {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
	}

	var results []*types.Feedback
	if err := transaction.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (fr *feedbackRepo) ReassignUser(ctx context.Context, tx *gorm.DB, fromUserID, toUserID string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = fr.db
	}

	res := transaction.WithContext(ctx).
		Model(&types.Feedback{}).
		Where("user_id = ?", fromUserID).
		Update("user_id", toUserID)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
