package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/types"
)

type SubmissionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, sub *types.Submission) (*types.Submission, error)
	GetByTestID(ctx context.Context, tx *gorm.DB, testID string) (*types.Submission, error)
	ListByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.Submission, error)
	ListRecoverable(ctx context.Context, tx *gorm.DB, ipAddress, fingerprint, userID string, since time.Time, limit int) ([]*types.Submission, error)
	ListRecoverableByFingerprint(ctx context.Context, tx *gorm.DB, fingerprint string, since time.Time, limit int) ([]*types.Submission, error)
	ListAll(ctx context.Context, tx *gorm.DB) ([]*types.Submission, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, testID string, fields map[string]any) error
	ReassignUser(ctx context.Context, tx *gorm.DB, fromUserID, toUserID string) (int64, error)
}

type submissionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSubmissionRepo(db *gorm.DB, baseLog *logger.Logger) SubmissionRepo {
	repoLog := baseLog.With("repo", "SubmissionRepo")
	return &submissionRepo{db: db, log: repoLog}
}

func (sr *submissionRepo) Create(ctx context.Context, tx *gorm.DB, sub *types.Submission) (*types.Submission, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	if err := transaction.WithContext(ctx).Create(sub).Error; err != nil {
		return nil, err
	}
	return sub, nil
}

func (sr *submissionRepo) GetByTestID(ctx context.Context, tx *gorm.DB, testID string) (*types.Submission, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	var result types.Submission
	if err := transaction.WithContext(ctx).
		Where("test_id = ?", testID).
		First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func (sr *submissionRepo) ListByUserID(ctx context.Context, tx *gorm.DB, userID string) ([]*types.Submission, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	var results []*types.Submission
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// recoverableStatuses are the only lifecycle states a lost session can
// be restored into. Failed and not-yet-dispatched rows stay hidden.
var recoverableStatuses = []types.SubmissionStatus{
	types.SubmissionAnalysisComplete,
	types.SubmissionAgentStarted,
}

func (sr *submissionRepo) ListRecoverable(ctx context.Context, tx *gorm.DB, ipAddress, fingerprint, userID string, since time.Time, limit int) ([]*types.Submission, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	query := transaction.WithContext(ctx).
		Where("ip_address = ? AND device_fingerprint = ?", ipAddress, fingerprint).
		Where("status IN ?", recoverableStatuses).
		Where("agent_start_time >= ?", since)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var results []*types.Submission
	if err := query.
		Order("agent_start_time DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (sr *submissionRepo) ListRecoverableByFingerprint(ctx context.Context, tx *gorm.DB, fingerprint string, since time.Time, limit int) ([]*types.Submission, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	var results []*types.Submission
	if err := transaction.WithContext(ctx).
		Where("device_fingerprint = ?", fingerprint).
		Where("status IN ?", recoverableStatuses).
		Where("agent_start_time >= ?", since).
		Order("agent_start_time DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (sr *submissionRepo) ListAll(ctx context.Context, tx *gorm.DB) ([]*types.Submission, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	var results []*types.Submission
	if err := transaction.WithContext(ctx).
		Order("created_at ASC").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (sr *submissionRepo) UpdateFields(ctx context.Context, tx *gorm.DB, testID string, fields map[string]any) error {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	if len(fields) == 0 {
		return nil
	}

	return transaction.WithContext(ctx).
		Model(&types.Submission{}).
		Where("test_id = ?", testID).
		Updates(fields).Error
}

func (sr *submissionRepo) ReassignUser(ctx context.Context, tx *gorm.DB, fromUserID, toUserID string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = sr.db
	}

	res := transaction.WithContext(ctx).
		Model(&types.Submission{}).
		Where("user_id = ?", fromUserID).
		Update("user_id", toUserID)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
