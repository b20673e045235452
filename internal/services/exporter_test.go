package services

import (
	"context"
	"testing"
	"time"

	"github.com/fraterny/quest-backend/internal/types"
)

func TestExportOnceWritesHeaderAndRows(t *testing.T) {
	now := time.Now()
	subRepo := newFakeSubmissionRepo(&types.Submission{
		TestID:        "t1",
		UserID:        "u1",
		Status:        types.SubmissionAnalysisComplete,
		PaymentStatus: types.PaymentSuccess,
		QualityScore:  "91",
		CreatedAt:     now,
	})
	userRepo := newFakeUserRepo(&types.User{UserID: "u1", Name: "Asha", Email: "a@b.c", City: "Pune"})
	completed := now.Add(-time.Minute)
	txnRepo := newFakeTransactionRepo(&types.Transaction{
		OrderID: "o1", TestID: "t1", UserID: "u1", Amount: 95000, Currency: "INR",
		Status: types.PaymentSuccess, CompletedAt: &completed,
	})
	fbRepo := newFakeFeedbackRepo(
		&types.Feedback{TestID: "t1", UserID: "u1", Liked: true},
		&types.Feedback{TestID: "t1", UserID: "u1", Disliked: true, Comment: "too long"},
	)
	sink := &fakeSink{}

	exporter := NewReportingExporter(testLogger(), subRepo, userRepo, txnRepo, fbRepo, sink)
	if err := exporter.ExportOnce(context.Background()); err != nil {
		t.Fatalf("ExportOnce: unexpected error %v", err)
	}

	if len(sink.rows) != 2 {
		t.Fatalf("rows: want=2 (header+1) got=%d", len(sink.rows))
	}
	header := sink.rows[0]
	if len(header) != len(exportColumnsV1) {
		t.Fatalf("header width: want=%d got=%d", len(exportColumnsV1), len(header))
	}
	for i := range header {
		if header[i] != exportColumnsV1[i] {
			t.Fatalf("header[%d]: want=%v got=%v", i, exportColumnsV1[i], header[i])
		}
	}

	row := sink.rows[1]
	if row[0] != "t1" || row[2] != "Asha" || row[9] != "o1" {
		t.Fatalf("row content: %+v", row)
	}
	if row[17] != 1 || row[18] != 1 || row[19] != "too long" {
		t.Fatalf("feedback columns: %+v", row[17:20])
	}
}

func TestLatestTransactionPerTest(t *testing.T) {
	early := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	completedLate := &types.Transaction{OrderID: "done-late", TestID: "t1", CompletedAt: &late, CreatedAt: early}
	completedEarly := &types.Transaction{OrderID: "done-early", TestID: "t1", CompletedAt: &early, CreatedAt: late}
	pending := &types.Transaction{OrderID: "pending", TestID: "t1", CreatedAt: late.Add(time.Hour)}

	picked := latestTransactionPerTest([]*types.Transaction{pending, completedEarly, completedLate})
	if got := picked["t1"].OrderID; got != "done-late" {
		t.Fatalf("latest txn: want=done-late got=%s", got)
	}

	// Without any completion, creation time decides.
	a := &types.Transaction{OrderID: "a", TestID: "t2", CreatedAt: early}
	b := &types.Transaction{OrderID: "b", TestID: "t2", CreatedAt: late}
	picked = latestTransactionPerTest([]*types.Transaction{a, b})
	if got := picked["t2"].OrderID; got != "b" {
		t.Fatalf("created tie-break: want=b got=%s", got)
	}
}

func TestTransactionNewerMissingCompletionSortsLast(t *testing.T) {
	now := time.Now()
	done := &types.Transaction{CompletedAt: &now, CreatedAt: now.Add(-time.Hour)}
	pending := &types.Transaction{CreatedAt: now}

	if !transactionNewer(done, pending) {
		t.Fatalf("completed transaction must beat pending one")
	}
	if transactionNewer(pending, done) {
		t.Fatalf("pending transaction must not beat completed one")
	}
}

func TestExportRowHandlesMissingJoins(t *testing.T) {
	sub := &types.Submission{TestID: "t1", UserID: "ghost", Status: types.SubmissionSubmitted, CreatedAt: time.Now()}
	row := exportRow(sub, nil, nil, nil)
	if len(row) != len(exportColumnsV1) {
		t.Fatalf("row width: want=%d got=%d", len(exportColumnsV1), len(row))
	}
	if row[2] != "" || row[9] != "" {
		t.Fatalf("missing joins must render empty cells: %+v", row)
	}
}
