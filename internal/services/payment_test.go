package services

import (
	"context"
	"strings"
	"testing"

	"github.com/fraterny/quest-backend/internal/jobs"
	"github.com/fraterny/quest-backend/internal/platform/apierr"
	"github.com/fraterny/quest-backend/internal/platform/gateway"
	"github.com/fraterny/quest-backend/internal/types"
)

type paymentFixture struct {
	subRepo  *fakeSubmissionRepo
	userRepo *fakeUserRepo
	txnRepo  *fakeTransactionRepo
	gw       *fakeGateway
	spy      *spyFulfillment
	runner   *jobs.Runner
	svc      PaymentService
}

func newPaymentFixture(gw *fakeGateway, subs ...*types.Submission) *paymentFixture {
	f := &paymentFixture{
		subRepo:  newFakeSubmissionRepo(subs...),
		userRepo: newFakeUserRepo(),
		txnRepo:  newFakeTransactionRepo(),
		gw:       gw,
		spy:      &spyFulfillment{},
		runner:   jobs.NewRunner(testLogger()),
	}
	registry := gateway.NewRegistry()
	registry.Register(gw)

	tracker := newTestTracker(f.subRepo, f.userRepo, f.txnRepo, newFakeFeedbackRepo())
	f.svc = NewPaymentService(testLogger(), registry, f.subRepo, f.txnRepo, f.userRepo, tracker, f.spy, f.runner)
	return f
}

func paidReadySubmission() *types.Submission {
	return &types.Submission{
		TestID:    "test-abcdefgh",
		UserID:    "u1",
		SessionID: "sess-12345678",
		Status:    types.SubmissionAnalysisComplete,
	}
}

func TestCreateChargeHappyPath(t *testing.T) {
	f := newPaymentFixture(&fakeGateway{name: "razorpay"}, paidReadySubmission())

	result, err := f.svc.CreateCharge(context.Background(), CreateChargeRequest{
		TestID:      "test-abcdefgh",
		Gateway:     "razorpay",
		AmountMinor: 95000,
		Currency:    "INR",
	})
	if err != nil {
		t.Fatalf("CreateCharge: unexpected error %v", err)
	}
	if result.Receipt != "receipt_sess-123_test-abc" {
		t.Fatalf("receipt format: got %q", result.Receipt)
	}
	if !strings.HasPrefix(result.PaymentSessionID, "ps_sess-12345678") {
		t.Fatalf("payment session id format: got %q", result.PaymentSessionID)
	}

	txn, err := f.txnRepo.GetByOrderID(context.Background(), nil, result.OrderID)
	if err != nil {
		t.Fatalf("transaction missing: %v", err)
	}
	if txn.Status != types.PaymentStart || txn.Amount != 95000 {
		t.Fatalf("transaction: %+v", txn)
	}

	sub, _ := f.subRepo.GetByTestID(context.Background(), nil, "test-abcdefgh")
	if sub.PaymentStatus != types.PaymentStart {
		t.Fatalf("payment status: want=start got=%s", sub.PaymentStatus)
	}
}

func TestCreateChargeRequiresCompletedAnalysis(t *testing.T) {
	sub := paidReadySubmission()
	sub.Status = types.SubmissionAgentStarted
	f := newPaymentFixture(&fakeGateway{name: "razorpay"}, sub)

	_, err := f.svc.CreateCharge(context.Background(), CreateChargeRequest{
		TestID:      sub.TestID,
		AmountMinor: 95000,
	})
	status, code := apierr.StatusAndCode(err)
	if status != 409 || code != "analysis_not_ready" {
		t.Fatalf("want 409/analysis_not_ready, got %d/%s", status, code)
	}
}

func TestCreateChargeRejectsDoublePurchase(t *testing.T) {
	sub := paidReadySubmission()
	sub.PaymentStatus = types.PaymentSuccess
	f := newPaymentFixture(&fakeGateway{name: "razorpay"}, sub)

	_, err := f.svc.CreateCharge(context.Background(), CreateChargeRequest{
		TestID:      sub.TestID,
		AmountMinor: 95000,
	})
	status, code := apierr.StatusAndCode(err)
	if status != 409 || code != "already_paid" {
		t.Fatalf("want 409/already_paid, got %d/%s", status, code)
	}
}

func TestCompleteVerifiedSignature(t *testing.T) {
	sub := paidReadySubmission()
	sub.PaymentStatus = types.PaymentStart
	f := newPaymentFixture(&fakeGateway{name: "razorpay"}, sub)
	f.txnRepo.Create(context.Background(), nil, &types.Transaction{
		OrderID: "order_1", Gateway: "razorpay", TestID: sub.TestID, UserID: "u1", Status: types.PaymentStart,
	})

	result, err := f.svc.Complete(context.Background(), CompletePaymentRequest{
		OrderID:   "order_1",
		PaymentID: "pay_1",
		Signature: "sig",
	})
	if err != nil {
		t.Fatalf("Complete: unexpected error %v", err)
	}
	if result.Status != string(types.PaymentSuccess) {
		t.Fatalf("result status: %s", result.Status)
	}
	f.runner.Wait()

	txn, _ := f.txnRepo.GetByOrderID(context.Background(), nil, "order_1")
	if txn.Status != types.PaymentSuccess || txn.PaymentID != "pay_1" || txn.CompletedAt == nil {
		t.Fatalf("transaction not settled: %+v", txn)
	}
	got, _ := f.subRepo.GetByTestID(context.Background(), nil, sub.TestID)
	if got.PaymentStatus != types.PaymentSuccess {
		t.Fatalf("payment status: want=success got=%s", got.PaymentStatus)
	}
	if f.spy.count() != 1 {
		t.Fatalf("fulfillment dispatches: want=1 got=%d", f.spy.count())
	}
}

func TestCompleteTamperedSignature(t *testing.T) {
	sub := paidReadySubmission()
	sub.PaymentStatus = types.PaymentStart
	f := newPaymentFixture(&fakeGateway{name: "razorpay", verifyErr: gateway.ErrSignatureMismatch}, sub)
	f.txnRepo.Create(context.Background(), nil, &types.Transaction{
		OrderID: "order_1", Gateway: "razorpay", TestID: sub.TestID, Status: types.PaymentStart,
	})

	_, err := f.svc.Complete(context.Background(), CompletePaymentRequest{
		OrderID:   "order_1",
		PaymentID: "pay_1",
		Signature: "forged",
	})
	status, code := apierr.StatusAndCode(err)
	if status != 400 || code != "signature_mismatch" {
		t.Fatalf("want 400/signature_mismatch, got %d/%s", status, code)
	}
	f.runner.Wait()

	txn, _ := f.txnRepo.GetByOrderID(context.Background(), nil, "order_1")
	if txn.Status != types.PaymentFailed {
		t.Fatalf("tampered payment must be recorded failed, got %s", txn.Status)
	}
	if f.spy.count() != 0 {
		t.Fatalf("tampered payment must never dispatch fulfillment, got %d", f.spy.count())
	}
}

func TestCompleteCapturesWhenSignatureUnsupported(t *testing.T) {
	sub := paidReadySubmission()
	sub.PaymentStatus = types.PaymentStart
	gw := &fakeGateway{
		name:      "paypal",
		verifyErr: gateway.ErrNotSupported,
		capture:   &gateway.CaptureResult{PaymentID: "cap_9", Status: "COMPLETED"},
	}
	f := newPaymentFixture(gw, sub)
	f.txnRepo.Create(context.Background(), nil, &types.Transaction{
		OrderID: "order_pp", Gateway: "paypal", TestID: sub.TestID, Status: types.PaymentStart,
	})

	result, err := f.svc.Complete(context.Background(), CompletePaymentRequest{
		OrderID: "order_pp",
	})
	if err != nil {
		t.Fatalf("Complete: unexpected error %v", err)
	}
	if result.PaymentID != "cap_9" {
		t.Fatalf("payment id from capture: want=cap_9 got=%s", result.PaymentID)
	}
	if gw.captureCalls != 1 {
		t.Fatalf("capture calls: want=1 got=%d", gw.captureCalls)
	}
	f.runner.Wait()
}

func TestCompleteIdempotentReplay(t *testing.T) {
	sub := paidReadySubmission()
	sub.PaymentStatus = types.PaymentSuccess
	f := newPaymentFixture(&fakeGateway{name: "razorpay"}, sub)
	f.txnRepo.Create(context.Background(), nil, &types.Transaction{
		OrderID: "order_1", Gateway: "razorpay", TestID: sub.TestID, Status: types.PaymentSuccess, PaymentID: "pay_1",
	})

	result, err := f.svc.Complete(context.Background(), CompletePaymentRequest{OrderID: "order_1"})
	if err != nil {
		t.Fatalf("replayed completion must succeed, got %v", err)
	}
	if result.PaymentID != "pay_1" {
		t.Fatalf("replay should echo settled payment, got %+v", result)
	}
	f.runner.Wait()
	if f.spy.count() != 0 {
		t.Fatalf("replay must not redispatch fulfillment, got %d", f.spy.count())
	}
}

func TestCompleteFailOpenOnBookkeepingError(t *testing.T) {
	// Payment status never went through start, so the success advance is
	// rejected. The gateway has the money: delivery still happens.
	sub := paidReadySubmission()
	f := newPaymentFixture(&fakeGateway{name: "razorpay"}, sub)
	f.txnRepo.Create(context.Background(), nil, &types.Transaction{
		OrderID: "order_1", Gateway: "razorpay", TestID: sub.TestID, Status: types.PaymentStart,
	})

	result, err := f.svc.Complete(context.Background(), CompletePaymentRequest{
		OrderID:   "order_1",
		PaymentID: "pay_1",
		Signature: "sig",
	})
	if err != nil {
		t.Fatalf("fail-open completion must not error, got %v", err)
	}
	if result.Status != string(types.PaymentSuccess) {
		t.Fatalf("result status: %s", result.Status)
	}
	f.runner.Wait()
	if f.spy.count() != 1 {
		t.Fatalf("fail-open must still dispatch fulfillment, got %d", f.spy.count())
	}
}
