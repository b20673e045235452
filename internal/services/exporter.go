package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fraterny/quest-backend/internal/platform/envutil"
	"github.com/fraterny/quest-backend/internal/platform/gsheets"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/repos"
	"github.com/fraterny/quest-backend/internal/types"
)

// exportColumnsV1 is the versioned sheet header. Readers of the sheet
// key on column names, so the order here never changes within a version.
var exportColumnsV1 = []any{
	"test_id",
	"user_id",
	"name",
	"email",
	"city",
	"status",
	"payment_status",
	"artifact_status",
	"quality_score",
	"order_id",
	"amount",
	"currency",
	"payment_completed_at",
	"started_at",
	"completed_at",
	"agent_duration_seconds",
	"artifact_url",
	"feedback_liked",
	"feedback_disliked",
	"feedback_comment",
	"created_at",
}

// ReportingExporter periodically rewrites the operations spreadsheet
// from the database. The sheet is a derived view; the database stays the
// source of truth and every export replaces the tab wholesale.
type ReportingExporter interface {
	Start(ctx context.Context)
	ExportOnce(ctx context.Context) error
}

type reportingExporter struct {
	log             *logger.Logger
	submissionRepo  repos.SubmissionRepo
	userRepo        repos.UserRepo
	transactionRepo repos.TransactionRepo
	feedbackRepo    repos.FeedbackRepo
	sink            gsheets.Sink
	tab             string
	interval        time.Duration
}

func NewReportingExporter(
	baseLog *logger.Logger,
	submissionRepo repos.SubmissionRepo,
	userRepo repos.UserRepo,
	transactionRepo repos.TransactionRepo,
	feedbackRepo repos.FeedbackRepo,
	sink gsheets.Sink,
) ReportingExporter {
	return &reportingExporter{
		log:             baseLog.With("service", "ReportingExporter"),
		submissionRepo:  submissionRepo,
		userRepo:        userRepo,
		transactionRepo: transactionRepo,
		feedbackRepo:    feedbackRepo,
		sink:            sink,
		tab:             envutil.String("SHEETS_EXPORT_TAB", "Submissions"),
		interval:        envutil.DurationSeconds("EXPORT_INTERVAL_SECONDS", 900*time.Second),
	}
}

func (re *reportingExporter) Start(ctx context.Context) {
	if re == nil || re.sink == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(re.interval)
		defer ticker.Stop()

		re.runExport(ctx)
		for {
			select {
			case <-ctx.Done():
				re.log.Info("Reporting exporter stopped")
				return
			case <-ticker.C:
				re.runExport(ctx)
			}
		}
	}()
}

func (re *reportingExporter) runExport(ctx context.Context) {
	started := time.Now()
	if err := re.ExportOnce(ctx); err != nil {
		re.log.Error("Export failed", "error", err.Error())
		return
	}
	re.log.Info("Export complete", "duration", time.Since(started).String())
}

func (re *reportingExporter) ExportOnce(ctx context.Context) error {
	if re == nil || re.sink == nil {
		return fmt.Errorf("reporting exporter unavailable")
	}

	var (
		submissions  []*types.Submission
		transactions []*types.Transaction
	)
	userByID := map[string]*types.User{}
	feedbackByTest := map[string][]*types.Feedback{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		submissions, err = re.submissionRepo.ListAll(gctx, nil)
		return err
	})
	g.Go(func() error {
		var err error
		transactions, err = re.transactionRepo.ListAll(gctx, nil)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("export fetch: %w", err)
	}

	// Secondary fetches depend on the submission set.
	var mu sync.Mutex
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sub := range submissions {
		sub := sub
		if _, seen := userByID[sub.UserID]; !seen {
			userByID[sub.UserID] = nil
		}
		g.Go(func() error {
			fbs, err := re.feedbackRepo.ListByTestID(gctx, nil, sub.TestID)
			if err != nil {
				return err
			}
			mu.Lock()
			feedbackByTest[sub.TestID] = fbs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("export fetch feedback: %w", err)
	}

	for userID := range userByID {
		user, err := re.userRepo.GetByUserID(ctx, nil, userID)
		if err != nil {
			continue
		}
		userByID[userID] = user
	}

	latestTxn := latestTransactionPerTest(transactions)

	rows := make([][]any, 0, len(submissions)+1)
	rows = append(rows, exportColumnsV1)
	for _, sub := range submissions {
		rows = append(rows, exportRow(sub, userByID[sub.UserID], latestTxn[sub.TestID], feedbackByTest[sub.TestID]))
	}

	return re.sink.Replace(ctx, re.tab, rows)
}

// latestTransactionPerTest picks one transaction per test_id: a
// completed one beats an incomplete one, later completion beats
// earlier, and creation time breaks remaining ties.
func latestTransactionPerTest(txns []*types.Transaction) map[string]*types.Transaction {
	out := make(map[string]*types.Transaction, len(txns))
	for _, txn := range txns {
		cur, ok := out[txn.TestID]
		if !ok || transactionNewer(txn, cur) {
			out[txn.TestID] = txn
		}
	}
	return out
}

func transactionNewer(a, b *types.Transaction) bool {
	switch {
	case a.CompletedAt != nil && b.CompletedAt == nil:
		return true
	case a.CompletedAt == nil && b.CompletedAt != nil:
		return false
	case a.CompletedAt != nil && b.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt):
		return a.CompletedAt.After(*b.CompletedAt)
	default:
		return !a.CreatedAt.Before(b.CreatedAt)
	}
}

func exportRow(sub *types.Submission, user *types.User, txn *types.Transaction, feedback []*types.Feedback) []any {
	name, email, city := "", "", ""
	if user != nil {
		name, email, city = user.Name, user.Email, user.City
	}

	orderID, currency := "", ""
	var amount int64
	paymentCompleted := ""
	if txn != nil {
		orderID, currency, amount = txn.OrderID, txn.Currency, txn.Amount
		if txn.CompletedAt != nil {
			paymentCompleted = txn.CompletedAt.UTC().Format(time.RFC3339)
		}
	}

	liked, disliked := 0, 0
	comment := ""
	for _, fb := range feedback {
		if fb.Liked {
			liked++
		}
		if fb.Disliked {
			disliked++
		}
		if fb.Comment != "" {
			comment = fb.Comment
		}
	}

	return []any{
		sub.TestID,
		sub.UserID,
		name,
		email,
		city,
		string(sub.Status),
		string(sub.PaymentStatus),
		string(sub.ArtifactStatus),
		sub.QualityScore,
		orderID,
		amount,
		currency,
		paymentCompleted,
		sub.StartedAt,
		sub.CompletedAt,
		sub.AgentDurationSecs,
		sub.ArtifactURL,
		liked,
		disliked,
		comment,
		sub.CreatedAt.UTC().Format(time.RFC3339),
	}
}
