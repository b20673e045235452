package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/fraterny/quest-backend/internal/jobs"
	"github.com/fraterny/quest-backend/internal/platform/apierr"
	"github.com/fraterny/quest-backend/internal/platform/envutil"
	"github.com/fraterny/quest-backend/internal/platform/gateway"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/repos"
	"github.com/fraterny/quest-backend/internal/types"
)

// PaymentService opens charges against submissions and settles them.
// Gateway-specific behavior lives behind the gateway.Registry; this
// service only owns the bookkeeping and the fulfillment hand-off.
type PaymentService interface {
	CreateCharge(ctx context.Context, req CreateChargeRequest) (*CreateChargeResult, error)
	Complete(ctx context.Context, req CompletePaymentRequest) (*CompletePaymentResult, error)
	History(ctx context.Context, userID string) ([]TransactionSummary, error)
}

type CreateChargeRequest struct {
	TestID      string `json:"test_id"`
	UserID      string `json:"user_id"`
	SessionID   string `json:"session_id"`
	Gateway     string `json:"gateway"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Email       string `json:"email,omitempty"`
	ReturnURL   string `json:"return_url,omitempty"`
	CancelURL   string `json:"cancel_url,omitempty"`
}

type CreateChargeResult struct {
	OrderID          string `json:"order_id"`
	Gateway          string `json:"gateway"`
	AmountMinor      int64  `json:"amount"`
	Currency         string `json:"currency"`
	ApprovalURL      string `json:"approval_url,omitempty"`
	PaymentSessionID string `json:"payment_session_id"`
	Receipt          string `json:"receipt"`
}

type CompletePaymentRequest struct {
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type CompletePaymentResult struct {
	OrderID   string `json:"order_id"`
	TestID    string `json:"test_id"`
	PaymentID string `json:"payment_id,omitempty"`
	Status    string `json:"status"`
}

type TransactionSummary struct {
	OrderID     string     `json:"order_id"`
	TestID      string     `json:"test_id"`
	Gateway     string     `json:"gateway"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type paymentService struct {
	log             *logger.Logger
	registry        *gateway.Registry
	submissionRepo  repos.SubmissionRepo
	transactionRepo repos.TransactionRepo
	userRepo        repos.UserRepo
	tracker         StatusTracker
	fulfillment     FulfillmentPipeline
	runner          *jobs.Runner
	failOpen        bool
	now             func() time.Time
}

func NewPaymentService(
	baseLog *logger.Logger,
	registry *gateway.Registry,
	submissionRepo repos.SubmissionRepo,
	transactionRepo repos.TransactionRepo,
	userRepo repos.UserRepo,
	tracker StatusTracker,
	fulfillment FulfillmentPipeline,
	runner *jobs.Runner,
) PaymentService {
	return &paymentService{
		log:             baseLog.With("service", "PaymentService"),
		registry:        registry,
		submissionRepo:  submissionRepo,
		transactionRepo: transactionRepo,
		userRepo:        userRepo,
		tracker:         tracker,
		fulfillment:     fulfillment,
		runner:          runner,
		failOpen:        envutil.Bool("PAYMENTS_FAIL_OPEN", true),
		now:             time.Now,
	}
}

func (ps *paymentService) CreateCharge(ctx context.Context, req CreateChargeRequest) (*CreateChargeResult, error) {
	if ps == nil {
		return nil, fmt.Errorf("payment service unavailable")
	}

	req.TestID = strings.TrimSpace(req.TestID)
	if req.TestID == "" {
		return nil, apierr.BadRequest("missing_test_id", fmt.Errorf("test_id required"))
	}
	if req.AmountMinor <= 0 {
		return nil, apierr.BadRequest("invalid_amount", fmt.Errorf("amount must be positive"))
	}

	sub, err := ps.submissionRepo.GetByTestID(ctx, nil, req.TestID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("submission_not_found", fmt.Errorf("submission %s not found", req.TestID))
		}
		return nil, err
	}
	if sub.Status != types.SubmissionAnalysisComplete {
		return nil, apierr.Conflict("analysis_not_ready", fmt.Errorf("submission %s is %s, payment requires completed analysis", req.TestID, sub.Status))
	}
	if sub.PaymentStatus == types.PaymentSuccess {
		return nil, apierr.Conflict("already_paid", fmt.Errorf("submission %s already paid", req.TestID))
	}

	gw, err := ps.registry.Get(req.Gateway)
	if err != nil {
		return nil, apierr.BadRequest("unknown_gateway", err)
	}

	receipt := buildReceipt(sub.SessionID, sub.TestID)
	paymentSessionID := fmt.Sprintf("ps_%s%d", sub.SessionID, ps.now().Unix())

	charge, err := gw.CreateCharge(ctx, gateway.ChargeRequest{
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Receipt:     receipt,
		Notes:       map[string]string{"test_id": sub.TestID},
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create charge on %s: %w", gw.Name(), err)
	}

	if _, err := ps.transactionRepo.Create(ctx, nil, &types.Transaction{
		OrderID:          charge.OrderID,
		Gateway:          gw.Name(),
		TestID:           sub.TestID,
		UserID:           sub.UserID,
		SessionID:        sub.SessionID,
		PaymentSessionID: paymentSessionID,
		Amount:           charge.AmountMinor,
		Currency:         charge.Currency,
		Status:           types.PaymentStart,
		SessionStartTime: sub.StartedAt,
	}); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	if err := ps.tracker.AdvancePayment(ctx, sub.TestID, types.PaymentStart, nil); err != nil {
		return nil, err
	}

	// First-write email fix-up: checkout is often the first place an
	// anonymous respondent types a real address.
	if email := strings.TrimSpace(req.Email); email != "" {
		if user, uerr := ps.userRepo.GetByUserID(ctx, nil, sub.UserID); uerr == nil && strings.TrimSpace(user.Email) == "" {
			if uerr := ps.userRepo.UpdateFields(ctx, nil, sub.UserID, map[string]any{"email": email}); uerr != nil {
				ps.log.Warn("Failed to backfill user email", "error", uerr.Error())
			}
		}
	}

	return &CreateChargeResult{
		OrderID:          charge.OrderID,
		Gateway:          gw.Name(),
		AmountMinor:      charge.AmountMinor,
		Currency:         charge.Currency,
		ApprovalURL:      charge.ApprovalURL,
		PaymentSessionID: paymentSessionID,
		Receipt:          receipt,
	}, nil
}

func (ps *paymentService) Complete(ctx context.Context, req CompletePaymentRequest) (*CompletePaymentResult, error) {
	if ps == nil {
		return nil, fmt.Errorf("payment service unavailable")
	}

	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		return nil, apierr.BadRequest("missing_order_id", fmt.Errorf("order_id required"))
	}

	txn, err := ps.transactionRepo.GetByOrderID(ctx, nil, req.OrderID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("order_not_found", fmt.Errorf("order %s not found", req.OrderID))
		}
		return nil, err
	}
	if txn.Status == types.PaymentSuccess {
		return &CompletePaymentResult{OrderID: txn.OrderID, TestID: txn.TestID, PaymentID: txn.PaymentID, Status: string(types.PaymentSuccess)}, nil
	}

	gw, err := ps.registry.Get(txn.Gateway)
	if err != nil {
		return nil, apierr.BadRequest("unknown_gateway", err)
	}

	paymentID := strings.TrimSpace(req.PaymentID)
	verifyErr := gw.VerifySignature(gateway.VerifyInput{
		OrderID:   req.OrderID,
		PaymentID: paymentID,
		Signature: req.Signature,
	})
	switch {
	case verifyErr == nil:
		// Signature settles the payment; nothing further to capture.
	case errors.Is(verifyErr, gateway.ErrNotSupported):
		capture, err := gw.Capture(ctx, gateway.CaptureInput{OrderID: req.OrderID})
		if err != nil {
			ps.recordFailure(ctx, txn, fmt.Sprintf("capture failed: %v", err))
			return nil, fmt.Errorf("capture on %s: %w", gw.Name(), err)
		}
		if capture.PaymentID != "" {
			paymentID = capture.PaymentID
		}
	case errors.Is(verifyErr, gateway.ErrSignatureMismatch):
		ps.log.Warn("Payment signature verification failed", "order_id", req.OrderID, "gateway", gw.Name())
		ps.recordFailure(ctx, txn, "signature verification failed")
		return nil, apierr.BadRequest("signature_mismatch", verifyErr)
	default:
		return nil, verifyErr
	}

	completedAt := ps.now().UTC()
	bookkeepingErr := ps.transactionRepo.UpdateFields(ctx, nil, txn.OrderID, map[string]any{
		"status":       types.PaymentSuccess,
		"payment_id":   paymentID,
		"completed_at": completedAt,
	})
	if bookkeepingErr == nil {
		bookkeepingErr = ps.tracker.AdvancePayment(ctx, txn.TestID, types.PaymentSuccess, nil)
	}

	if bookkeepingErr != nil {
		// The gateway already took the money. Record what we can and,
		// unless configured otherwise, still deliver what was paid for.
		ps.log.Error("Payment bookkeeping failed after gateway success", "order_id", txn.OrderID, "error", bookkeepingErr.Error())
		ps.recordFailure(ctx, txn, fmt.Sprintf("bookkeeping after gateway success: %v", bookkeepingErr))
		if !ps.failOpen {
			return nil, bookkeepingErr
		}
	}

	testID := txn.TestID
	ps.runner.Go("fulfillment:"+testID, func(jobCtx context.Context) {
		ps.fulfillment.Run(jobCtx, testID)
	})

	return &CompletePaymentResult{
		OrderID:   txn.OrderID,
		TestID:    txn.TestID,
		PaymentID: paymentID,
		Status:    string(types.PaymentSuccess),
	}, nil
}

func (ps *paymentService) History(ctx context.Context, userID string) ([]TransactionSummary, error) {
	if ps == nil {
		return nil, fmt.Errorf("payment service unavailable")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apierr.BadRequest("missing_user_id", fmt.Errorf("user_id required"))
	}

	txns, err := ps.transactionRepo.ListByUserID(ctx, nil, userID)
	if err != nil {
		return nil, err
	}

	out := make([]TransactionSummary, 0, len(txns))
	for _, t := range txns {
		out = append(out, TransactionSummary{
			OrderID:     t.OrderID,
			TestID:      t.TestID,
			Gateway:     t.Gateway,
			Amount:      t.Amount,
			Currency:    t.Currency,
			Status:      string(t.Status),
			CompletedAt: t.CompletedAt,
			CreatedAt:   t.CreatedAt,
		})
	}
	return out, nil
}

func (ps *paymentService) recordFailure(ctx context.Context, txn *types.Transaction, reason string) {
	if err := ps.transactionRepo.UpdateFields(ctx, nil, txn.OrderID, map[string]any{
		"status":         types.PaymentFailed,
		"failure_reason": reason,
	}); err != nil {
		ps.log.Error("Failed to record transaction failure", "order_id", txn.OrderID, "error", err.Error())
	}
	if err := ps.tracker.AdvancePayment(ctx, txn.TestID, types.PaymentFailed, nil); err != nil {
		ps.log.Error("Failed to record payment failure", "test_id", txn.TestID, "error", err.Error())
	}
}

func buildReceipt(sessionID, testID string) string {
	return fmt.Sprintf("receipt_%s_%s", head(sessionID, 8), head(testID, 8))
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
