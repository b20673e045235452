package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fraterny/quest-backend/internal/platform/analysisengine"
	"github.com/fraterny/quest-backend/internal/platform/doctools"
	"github.com/fraterny/quest-backend/internal/platform/gcp"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/platform/sendgrid"
	"github.com/fraterny/quest-backend/internal/repos"
	"github.com/fraterny/quest-backend/internal/types"
)

// FulfillmentPipeline turns a paid submission into a delivered PDF
// artifact. Run is safe to call repeatedly: it exits immediately once
// the artifact exists, and every retry is bounded by the persisted
// attempt counter.
type FulfillmentPipeline interface {
	Run(ctx context.Context, testID string)
}

type fulfillmentPipeline struct {
	log             *logger.Logger
	submissionRepo  repos.SubmissionRepo
	userRepo        repos.UserRepo
	transactionRepo repos.TransactionRepo
	tracker         StatusTracker
	engine          analysisengine.Client
	docs            doctools.Service
	bucket          gcp.BucketService
	mailer          sendgrid.Client
	now             func() time.Time
}

func NewFulfillmentPipeline(
	baseLog *logger.Logger,
	submissionRepo repos.SubmissionRepo,
	userRepo repos.UserRepo,
	transactionRepo repos.TransactionRepo,
	tracker StatusTracker,
	engine analysisengine.Client,
	docs doctools.Service,
	bucket gcp.BucketService,
	mailer sendgrid.Client,
) FulfillmentPipeline {
	return &fulfillmentPipeline{
		log:             baseLog.With("service", "FulfillmentPipeline"),
		submissionRepo:  submissionRepo,
		userRepo:        userRepo,
		transactionRepo: transactionRepo,
		tracker:         tracker,
		engine:          engine,
		docs:            docs,
		bucket:          bucket,
		mailer:          mailer,
		now:             time.Now,
	}
}

func (fp *fulfillmentPipeline) Run(ctx context.Context, testID string) {
	if fp == nil {
		return
	}
	log := fp.log.With("test_id", testID)

	sub, err := fp.submissionRepo.GetByTestID(ctx, nil, testID)
	if err != nil {
		log.Error("Failed to load submission for fulfillment", "error", err.Error())
		return
	}

	if sub.ArtifactStatus == types.ArtifactGenerated {
		log.Info("Artifact already generated, nothing to do")
		return
	}
	if sub.ArtifactStatus == types.ArtifactFailed {
		log.Warn("Artifact previously failed terminally, not retrying")
		return
	}
	if sub.PaymentStatus != types.PaymentSuccess {
		log.Warn("Fulfillment requested without successful payment", "payment_status", string(sub.PaymentStatus))
		return
	}

	fp.reconcileIdentity(ctx, sub, log)

	user, err := fp.userRepo.GetByUserID(ctx, nil, sub.UserID)
	if err != nil {
		log.Error("Failed to load user for fulfillment", "error", err.Error())
		return
	}

	var lastErr error
	for sub.ArtifactAttempts < types.MaxArtifactAttempts {
		attempt := sub.ArtifactAttempts + 1
		sub.ArtifactAttempts = attempt

		patch := map[string]any{"artifact_generation_attempts": attempt}
		if sub.ArtifactStartTime == nil {
			started := fp.now().UTC()
			sub.ArtifactStartTime = &started
			patch["artifact_start_time"] = started
		}
		if err := fp.tracker.AdvanceArtifact(ctx, testID, types.ArtifactExtracting, patch); err != nil {
			log.Error("Failed to start artifact attempt", "attempt", attempt, "error", err.Error())
			return
		}

		url, err := fp.attempt(ctx, sub, user, log.With("attempt", attempt))
		if err == nil {
			fp.finish(ctx, sub, user, url, log)
			return
		}

		lastErr = err
		log.Warn("Artifact attempt failed", "attempt", attempt, "error", err.Error())
		if err := fp.submissionRepo.UpdateFields(ctx, nil, testID, map[string]any{
			"artifact_error": err.Error(),
		}); err != nil {
			log.Error("Failed to record artifact error", "error", err.Error())
		}
	}

	log.Error("Artifact generation exhausted all attempts", "attempts", types.MaxArtifactAttempts)
	reason := "artifact generation exhausted retries"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	if err := fp.tracker.AdvanceArtifact(ctx, testID, types.ArtifactFailed, map[string]any{
		"artifact_error": reason,
	}); err != nil {
		log.Error("Failed to mark artifact failed", "error", err.Error())
	}
}

// attempt runs one full generation pass: premium engine call, render,
// compress, upload. It returns the public artifact URL.
func (fp *fulfillmentPipeline) attempt(ctx context.Context, sub *types.Submission, user *types.User, log *logger.Logger) (string, error) {
	if fp.docs == nil || fp.bucket == nil {
		return "", fmt.Errorf("artifact tooling not configured")
	}

	premium, err := fp.engine.RunPremium(ctx, analysisengine.RunRequest{
		Transcript: sub.QuestionAnswerText + "\n\nPrior analysis:\n" + sub.AnalysisResult,
	})
	if err != nil {
		return "", fmt.Errorf("premium analysis: %w", err)
	}

	premiumBody := StripFences(premium.Raw)
	var premiumParsed map[string]any
	if err := json.Unmarshal([]byte(premiumBody), &premiumParsed); err != nil {
		return "", fmt.Errorf("premium analysis returned malformed body")
	}

	// Per-run scratch dir for image assets the renderer materializes;
	// removed whole once the attempt is over.
	assetDir, err := os.MkdirTemp("", "quest-assets-*")
	if err != nil {
		return "", fmt.Errorf("create asset dir: %w", err)
	}
	defer os.RemoveAll(assetDir)

	renderContext, err := json.Marshal(map[string]any{
		"test_id":   sub.TestID,
		"user_name": user.Name,
		"analysis":  json.RawMessage(StripFences(sub.AnalysisResult)),
		"premium":   json.RawMessage(premiumBody),
		"asset_dir": assetDir,
	})
	if err != nil {
		return "", fmt.Errorf("marshal render context: %w", err)
	}

	if err := fp.tracker.AdvanceArtifact(ctx, sub.TestID, types.ArtifactRendering, nil); err != nil {
		return "", err
	}
	pdfPath, err := fp.docs.RenderPDF(ctx, renderContext)
	if err != nil {
		return "", err
	}
	defer fp.docs.Cleanup(pdfPath)

	finalPath, err := fp.docs.CompressPDF(ctx, pdfPath)
	if err != nil {
		return "", err
	}
	if finalPath != pdfPath {
		defer fp.docs.Cleanup(finalPath)
	}
	if err := fp.tracker.AdvanceArtifact(ctx, sub.TestID, types.ArtifactCompressed, nil); err != nil {
		return "", err
	}

	objectKey := artifactObjectKey(user.Name, fp.now())
	url, err := fp.bucket.UploadFile(ctx, objectKey, "application/pdf", finalPath)
	if err != nil {
		log.Warn("Artifact upload failed, retrying once", "error", err.Error())
		url, err = fp.bucket.UploadFile(ctx, objectKey, "application/pdf", finalPath)
		if err != nil {
			return "", fmt.Errorf("upload artifact: %w", err)
		}
	}
	return url, nil
}

func (fp *fulfillmentPipeline) finish(ctx context.Context, sub *types.Submission, user *types.User, url string, log *logger.Logger) {
	completed := fp.now().UTC()
	if err := fp.tracker.AdvanceArtifact(ctx, sub.TestID, types.ArtifactGenerated, map[string]any{
		"artifact_url":           url,
		"artifact_complete_time": completed,
		"artifact_error":         "",
	}); err != nil {
		log.Error("Failed to mark artifact generated", "error", err.Error())
		return
	}

	if err := fp.userRepo.UpdateFields(ctx, nil, user.UserID, map[string]any{
		"total_paid_generations": user.TotalPaidGenerations + 1,
	}); err != nil {
		log.Error("Failed to bump paid generation count", "error", err.Error())
	}

	fp.sendArtifactEmail(ctx, user, url, log)
	log.Info("Artifact generated", "url", url)
}

// sendArtifactEmail is best effort. The artifact exists and is linked on
// the submission row whether or not the mail goes out.
func (fp *fulfillmentPipeline) sendArtifactEmail(ctx context.Context, user *types.User, url string, log *logger.Logger) {
	if fp.mailer == nil {
		return
	}
	email := strings.TrimSpace(user.Email)
	if email == "" || email == AnonymousName {
		log.Info("No deliverable email on file, skipping artifact mail")
		return
	}

	name := user.Name
	if name == "" || name == AnonymousName {
		name = "there"
	}
	_, err := fp.mailer.Send(ctx, sendgrid.SendEmailRequest{
		To:      []sendgrid.EmailAddress{{Email: email, Name: user.Name}},
		Subject: "Your Quest report is ready",
		Text:    fmt.Sprintf("Hi %s,\n\nYour full report is ready. Download it here:\n%s\n", name, url),
	})
	if err != nil {
		log.Warn("Failed to send artifact email", "error", err.Error())
	}
}

// reconcileIdentity catches a sign-in that happened mid-checkout: the
// transaction then carries a newer user id than the submission row.
func (fp *fulfillmentPipeline) reconcileIdentity(ctx context.Context, sub *types.Submission, log *logger.Logger) {
	txns, err := fp.transactionRepo.ListByTestID(ctx, nil, sub.TestID)
	if err != nil || len(txns) == 0 {
		return
	}
	latest := txns[0]
	if latest.UserID == "" || latest.UserID == sub.UserID {
		return
	}

	if err := fp.submissionRepo.UpdateFields(ctx, nil, sub.TestID, map[string]any{
		"user_id": latest.UserID,
	}); err != nil {
		log.Error("Failed to reconcile submission owner", "error", err.Error())
		return
	}
	log.Info("Reconciled submission owner with paying user")
	sub.UserID = latest.UserID
}

func artifactObjectKey(userName string, ts time.Time) string {
	name := strings.TrimSpace(userName)
	if name == "" {
		name = AnonymousName
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return fmt.Sprintf("Quest_%s_%d.pdf", name, ts.Unix())
}
