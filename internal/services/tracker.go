package services

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fraterny/quest-backend/internal/platform/apierr"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/repos"
	"github.com/fraterny/quest-backend/internal/types"
)

// TxRunner runs fn inside one database transaction. Tests substitute a
// runner that hands fn a nil tx so fakes can intercept the repo calls.
type TxRunner func(ctx context.Context, fn func(tx *gorm.DB) error) error

func GormTxRunner(db *gorm.DB) TxRunner {
	return func(ctx context.Context, fn func(tx *gorm.DB) error) error {
		return db.WithContext(ctx).Transaction(fn)
	}
}

// StatusTracker owns every status write in the system. Nothing else
// updates the status columns, so the transition tables in types are the
// single gate against regressions.
type StatusTracker interface {
	Advance(ctx context.Context, testID string, target types.SubmissionStatus, patch map[string]any) error
	MarkFailed(ctx context.Context, testID string, reason string) error
	AdvancePayment(ctx context.Context, testID string, target types.PaymentStatus, patch map[string]any) error
	AdvanceArtifact(ctx context.Context, testID string, target types.ArtifactStatus, patch map[string]any) error
	RebindUser(ctx context.Context, oldUserID, newUserID string, profile RebindProfile) (*RebindResult, error)
}

// RebindProfile carries the signed-in identity that replaces an
// anonymous one.
type RebindProfile struct {
	Name         string
	Email        string
	City         string
	DateOfBirth  string
	Gender       string
	MobileNumber string
}

type RebindResult struct {
	Submissions  int64 `json:"submissions"`
	Feedback     int64 `json:"feedback"`
	Transactions int64 `json:"transactions"`
	UserMerged   bool  `json:"user_merged"`
}

type statusTracker struct {
	log             *logger.Logger
	runTx           TxRunner
	submissionRepo  repos.SubmissionRepo
	userRepo        repos.UserRepo
	transactionRepo repos.TransactionRepo
	feedbackRepo    repos.FeedbackRepo
	now             func() time.Time
}

func NewStatusTracker(
	baseLog *logger.Logger,
	runTx TxRunner,
	submissionRepo repos.SubmissionRepo,
	userRepo repos.UserRepo,
	transactionRepo repos.TransactionRepo,
	feedbackRepo repos.FeedbackRepo,
) StatusTracker {
	return &statusTracker{
		log:             baseLog.With("service", "StatusTracker"),
		runTx:           runTx,
		submissionRepo:  submissionRepo,
		userRepo:        userRepo,
		transactionRepo: transactionRepo,
		feedbackRepo:    feedbackRepo,
		now:             time.Now,
	}
}

func (st *statusTracker) Advance(ctx context.Context, testID string, target types.SubmissionStatus, patch map[string]any) error {
	if st == nil {
		return fmt.Errorf("status tracker unavailable")
	}

	sub, err := st.submissionRepo.GetByTestID(ctx, nil, testID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("submission_not_found", fmt.Errorf("submission %s not found", testID))
		}
		return err
	}

	// Re-applying the current status is a no-op, so retried background
	// steps never conflict with themselves.
	if sub.Status == target {
		return nil
	}
	if !sub.Status.CanTransition(target) {
		st.log.Warn("Rejected status transition", "test_id", testID, "from", string(sub.Status), "to", string(target))
		return apierr.Conflict("invalid_transition", fmt.Errorf("%w: %s -> %s", types.ErrInvalidTransition, sub.Status, target))
	}

	fields := map[string]any{"status": target}
	for k, v := range patch {
		fields[k] = v
	}
	if err := st.submissionRepo.UpdateFields(ctx, nil, testID, fields); err != nil {
		return err
	}

	st.log.Info("Submission status advanced", "test_id", testID, "from", string(sub.Status), "to", string(target))
	return nil
}

func (st *statusTracker) MarkFailed(ctx context.Context, testID string, reason string) error {
	return st.Advance(ctx, testID, types.SubmissionFailed, map[string]any{
		"analysis_error": reason,
	})
}

func (st *statusTracker) AdvancePayment(ctx context.Context, testID string, target types.PaymentStatus, patch map[string]any) error {
	if st == nil {
		return fmt.Errorf("status tracker unavailable")
	}

	sub, err := st.submissionRepo.GetByTestID(ctx, nil, testID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("submission_not_found", fmt.Errorf("submission %s not found", testID))
		}
		return err
	}

	if sub.PaymentStatus == target {
		return nil
	}
	if !sub.PaymentStatus.CanTransition(target) {
		st.log.Warn("Rejected payment transition", "test_id", testID, "from", string(sub.PaymentStatus), "to", string(target))
		return apierr.Conflict("invalid_transition", fmt.Errorf("%w: payment %s -> %s", types.ErrInvalidTransition, sub.PaymentStatus, target))
	}

	fields := map[string]any{"payment_status": target}
	if target == types.PaymentSuccess {
		fields["payment_completed_at"] = st.now().UTC()
	}
	for k, v := range patch {
		fields[k] = v
	}
	if err := st.submissionRepo.UpdateFields(ctx, nil, testID, fields); err != nil {
		return err
	}

	st.log.Info("Payment status advanced", "test_id", testID, "from", string(sub.PaymentStatus), "to", string(target))
	return nil
}

func (st *statusTracker) AdvanceArtifact(ctx context.Context, testID string, target types.ArtifactStatus, patch map[string]any) error {
	if st == nil {
		return fmt.Errorf("status tracker unavailable")
	}

	sub, err := st.submissionRepo.GetByTestID(ctx, nil, testID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("submission_not_found", fmt.Errorf("submission %s not found", testID))
		}
		return err
	}

	if sub.ArtifactStatus == target && target != types.ArtifactExtracting {
		return nil
	}
	if sub.ArtifactStatus != target && !sub.ArtifactStatus.CanTransition(target) {
		st.log.Warn("Rejected artifact transition", "test_id", testID, "from", string(sub.ArtifactStatus), "to", string(target))
		return apierr.Conflict("invalid_transition", fmt.Errorf("%w: artifact %s -> %s", types.ErrInvalidTransition, sub.ArtifactStatus, target))
	}

	fields := map[string]any{"artifact_status": target}
	for k, v := range patch {
		fields[k] = v
	}
	if err := st.submissionRepo.UpdateFields(ctx, nil, testID, fields); err != nil {
		return err
	}

	st.log.Info("Artifact status advanced", "test_id", testID, "from", string(sub.ArtifactStatus), "to", string(target))
	return nil
}

// RebindUser migrates everything an anonymous identity owns onto the
// signed-in one. Ordering matters for replay: submissions first, the
// user row last, so a retry after a partial failure finds the remaining
// rows still keyed by oldUserID and finishes the job.
func (st *statusTracker) RebindUser(ctx context.Context, oldUserID, newUserID string, profile RebindProfile) (*RebindResult, error) {
	if st == nil {
		return nil, fmt.Errorf("status tracker unavailable")
	}
	if oldUserID == "" || newUserID == "" {
		return nil, apierr.BadRequest("missing_user_id", fmt.Errorf("both old and new user ids required"))
	}
	if oldUserID == newUserID {
		return &RebindResult{}, nil
	}

	result := &RebindResult{}
	err := st.runTx(ctx, func(tx *gorm.DB) error {
		n, err := st.submissionRepo.ReassignUser(ctx, tx, oldUserID, newUserID)
		if err != nil {
			return fmt.Errorf("rebind submissions: %w", err)
		}
		result.Submissions = n

		n, err = st.feedbackRepo.ReassignUser(ctx, tx, oldUserID, newUserID)
		if err != nil {
			return fmt.Errorf("rebind feedback: %w", err)
		}
		result.Feedback = n

		n, err = st.transactionRepo.ReassignUser(ctx, tx, oldUserID, newUserID)
		if err != nil {
			return fmt.Errorf("rebind transactions: %w", err)
		}
		result.Transactions = n

		oldUser, err := st.userRepo.GetByUserID(ctx, tx, oldUserID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				// Already merged by a previous attempt.
				return st.upsertRebindTarget(ctx, tx, newUserID, profile)
			}
			return fmt.Errorf("rebind load old user: %w", err)
		}

		if err := st.upsertRebindTarget(ctx, tx, newUserID, profile); err != nil {
			return err
		}
		if oldUser.IsAnonymous {
			if err := st.userRepo.Delete(ctx, tx, oldUserID); err != nil {
				return fmt.Errorf("rebind delete anonymous user: %w", err)
			}
			result.UserMerged = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	st.log.Info("Rebound user identity",
		"submissions", result.Submissions,
		"feedback", result.Feedback,
		"transactions", result.Transactions,
		"user_merged", result.UserMerged,
	)
	return result, nil
}

func (st *statusTracker) upsertRebindTarget(ctx context.Context, tx *gorm.DB, newUserID string, profile RebindProfile) error {
	fields := map[string]any{"is_anonymous": false}
	if profile.Name != "" {
		fields["name"] = profile.Name
	}
	if profile.Email != "" {
		fields["email"] = profile.Email
	}
	if profile.City != "" {
		fields["city"] = profile.City
	}
	if profile.DateOfBirth != "" {
		fields["date_of_birth"] = profile.DateOfBirth
	}
	if profile.Gender != "" {
		fields["gender"] = profile.Gender
	}
	if profile.MobileNumber != "" {
		fields["mobile_number"] = profile.MobileNumber
	}

	_, err := st.userRepo.GetByUserID(ctx, tx, newUserID)
	if err == gorm.ErrRecordNotFound {
		_, err := st.userRepo.Create(ctx, tx, &types.User{
			UserID:       newUserID,
			Name:         profile.Name,
			Email:        profile.Email,
			City:         profile.City,
			DateOfBirth:  profile.DateOfBirth,
			Gender:       profile.Gender,
			MobileNumber: profile.MobileNumber,
			IsAnonymous:  false,
		})
		if err != nil {
			return fmt.Errorf("rebind create target user: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("rebind load target user: %w", err)
	}

	if err := st.userRepo.UpdateFields(ctx, tx, newUserID, fields); err != nil {
		return fmt.Errorf("rebind update target user: %w", err)
	}
	return nil
}
