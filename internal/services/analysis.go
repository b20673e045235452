package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	redisclient "github.com/fraterny/quest-backend/internal/clients/redis"
	"github.com/fraterny/quest-backend/internal/jobs"
	"github.com/fraterny/quest-backend/internal/platform/analysisengine"
	"github.com/fraterny/quest-backend/internal/platform/apierr"
	"github.com/fraterny/quest-backend/internal/platform/envutil"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/repos"
	"github.com/fraterny/quest-backend/internal/types"
)

const (
	// AnonymousName is stored and sent to the engine in place of a real
	// name whenever the respondent chose anonymity.
	AnonymousName = "Anonymous"

	// defaultAnswerSeconds substitutes for missing or non-numeric
	// per-question timings so duration aggregates stay defined.
	defaultAnswerSeconds = 4.0

	submitDedupTTL = 10 * time.Minute
)

// Identity question keys. Answers under these keys update the User row
// instead of only feeding the transcript.
const (
	questionKeyName   = "name"
	questionKeyEmail  = "email"
	questionKeyCity   = "city"
	questionKeyDOB    = "date_of_birth"
	questionKeyGender = "gender"
	questionKeyMobile = "mobile_number"
)

// AnalysisDispatcher accepts questionnaire submissions and runs the
// AI analysis off the request path.
type AnalysisDispatcher interface {
	Accept(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	Process(ctx context.Context, testID string)
	Status(ctx context.Context, testID string) (*StatusResult, error)
	Report(ctx context.Context, sessionID, userID, testID string) (*ReportResult, error)
	Dashboard(ctx context.Context, userID string) ([]DashboardItem, error)
}

type DashboardItem struct {
	TestID         string    `json:"test_id"`
	Status         string    `json:"status"`
	PaymentStatus  string    `json:"payment_status"`
	ArtifactStatus string    `json:"artifact_status"`
	ArtifactURL    string    `json:"artifact_url,omitempty"`
	QualityScore   string    `json:"quality_score,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type SubmittedAnswer struct {
	QuestionKey  string   `json:"question_key"`
	QuestionText string   `json:"question_text"`
	Value        string   `json:"value"`
	Details      string   `json:"details,omitempty"`
	IsAnonymous  bool     `json:"is_anonymous,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	ElapsedRaw   string   `json:"elapsed,omitempty"`
}

type SubmitRequest struct {
	TestID            string            `json:"test_id"`
	UserID            string            `json:"user_id"`
	SessionID         string            `json:"session_id"`
	DeviceFingerprint string            `json:"device_fingerprint"`
	IPAddress         string            `json:"-"`
	DeviceType        string            `json:"device_type"`
	DeviceBrowser     string            `json:"device_browser"`
	OperatingSystem   string            `json:"operating_system"`
	StartedAt         string            `json:"started_at"`
	CompletedAt       string            `json:"completed_at"`
	Answers           []SubmittedAnswer `json:"answers"`
}

type SubmitResult struct {
	TestID string `json:"test_id"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type StatusResult struct {
	TestID string `json:"test_id"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

type ReportResult struct {
	TestID        string          `json:"test_id"`
	Analysis      json.RawMessage `json:"analysis"`
	QualityScore  string          `json:"quality_score,omitempty"`
	PaymentStatus string          `json:"payment_status"`
}

type analysisDispatcher struct {
	log            *logger.Logger
	submissionRepo repos.SubmissionRepo
	userRepo       repos.UserRepo
	tracker        StatusTracker
	engine         analysisengine.Client
	deduper        redisclient.Deduper
	runner         *jobs.Runner
	systemPrompt   string
	now            func() time.Time
}

func NewAnalysisDispatcher(
	baseLog *logger.Logger,
	submissionRepo repos.SubmissionRepo,
	userRepo repos.UserRepo,
	tracker StatusTracker,
	engine analysisengine.Client,
	deduper redisclient.Deduper,
	runner *jobs.Runner,
) AnalysisDispatcher {
	return &analysisDispatcher{
		log:            baseLog.With("service", "AnalysisDispatcher"),
		submissionRepo: submissionRepo,
		userRepo:       userRepo,
		tracker:        tracker,
		engine:         engine,
		deduper:        deduper,
		runner:         runner,
		systemPrompt:   envutil.String("ANALYSIS_SYSTEM_PROMPT", ""),
		now:            time.Now,
	}
}

func (ad *analysisDispatcher) Accept(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if ad == nil {
		return nil, fmt.Errorf("analysis dispatcher unavailable")
	}

	req.TestID = strings.TrimSpace(req.TestID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.TestID == "" {
		return nil, apierr.BadRequest("missing_test_id", fmt.Errorf("test_id required"))
	}
	if req.SessionID == "" {
		return nil, apierr.BadRequest("missing_session_id", fmt.Errorf("session_id required"))
	}
	if len(req.Answers) == 0 {
		return nil, apierr.BadRequest("missing_answers", fmt.Errorf("answers required"))
	}

	if ad.deduper != nil {
		acquired, err := ad.deduper.Acquire(ctx, "submit:"+req.SessionID, submitDedupTTL)
		if err != nil {
			// Dedup is a guard, not a dependency. A redis outage must not
			// block intake.
			ad.log.Warn("Dedup check unavailable, accepting submission", "error", err.Error())
		} else if !acquired {
			return nil, apierr.Conflict("duplicate_submission", fmt.Errorf("session %s already submitted", req.SessionID))
		}
	}

	user, err := ad.resolveUser(ctx, req)
	if err != nil {
		return nil, err
	}

	transcript, timings, totalSecs := buildTranscript(req.Answers, user)
	timingsJSON, err := json.Marshal(timings)
	if err != nil {
		return nil, fmt.Errorf("marshal question timings: %w", err)
	}

	sub := &types.Submission{
		TestID:             req.TestID,
		UserID:             user.UserID,
		Status:             types.SubmissionSubmitted,
		SessionID:          req.SessionID,
		IPAddress:          req.IPAddress,
		DeviceFingerprint:  req.DeviceFingerprint,
		DeviceType:         req.DeviceType,
		DeviceBrowser:      req.DeviceBrowser,
		OperatingSystem:    req.OperatingSystem,
		QuestionAnswerText: transcript,
		QuestionTimes:      datatypes.JSON(timingsJSON),
		StartedAt:          req.StartedAt,
		CompletedAt:        req.CompletedAt,
		AnswerSecs:         totalSecs,
	}
	if _, err := ad.submissionRepo.Create(ctx, nil, sub); err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}

	testID := req.TestID
	ad.runner.Go("analysis:"+testID, func(jobCtx context.Context) {
		ad.Process(jobCtx, testID)
	})

	return &SubmitResult{TestID: req.TestID, UserID: user.UserID, Status: "Submitted"}, nil
}

// Process drives one submission from Submitted to AnalysisComplete.
// Failures park the row at Failed with a reason; there is no automatic
// retry at this stage.
func (ad *analysisDispatcher) Process(ctx context.Context, testID string) {
	if ad == nil {
		return
	}
	log := ad.log.With("test_id", testID)

	started := ad.now().UTC()
	if err := ad.tracker.Advance(ctx, testID, types.SubmissionAgentStarted, map[string]any{
		"agent_start_time": started,
	}); err != nil {
		log.Error("Failed to start analysis", "error", err.Error())
		return
	}

	sub, err := ad.submissionRepo.GetByTestID(ctx, nil, testID)
	if err != nil {
		log.Error("Failed to load submission for analysis", "error", err.Error())
		ad.fail(ctx, testID, "failed to load submission")
		return
	}

	if err := ad.tracker.Advance(ctx, testID, types.SubmissionDataExtracted, nil); err != nil {
		log.Error("Failed to advance to data_extracted", "error", err.Error())
		return
	}

	result, err := ad.engine.Run(ctx, analysisengine.RunRequest{
		SystemPrompt: ad.systemPrompt,
		Transcript:   sub.QuestionAnswerText,
	})
	if err != nil {
		log.Error("Analysis engine failed", "error", err.Error())
		ad.fail(ctx, testID, err.Error())
		return
	}

	body := StripFences(result.Raw)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		log.Error("Analysis engine returned non-JSON body")
		ad.fail(ctx, testID, "analysis returned malformed body")
		return
	}

	completed := ad.now().UTC()
	patch := map[string]any{
		"analysis_result":        body,
		"agent_completion_time":  completed,
		"agent_duration_seconds": completed.Sub(started).Seconds(),
	}
	if qs, ok := parsed["quality_score"]; ok {
		// Opaque passthrough: the score's shape belongs to the engine.
		patch["quality_score"] = fmt.Sprint(qs)
	}

	if err := ad.tracker.Advance(ctx, testID, types.SubmissionAnalysisComplete, patch); err != nil {
		log.Error("Failed to record analysis completion", "error", err.Error())
		return
	}
	log.Info("Analysis complete", "duration", completed.Sub(started).String())
}

func (ad *analysisDispatcher) Status(ctx context.Context, testID string) (*StatusResult, error) {
	sub, err := ad.submissionRepo.GetByTestID(ctx, nil, testID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("submission_not_found", fmt.Errorf("submission %s not found", testID))
		}
		return nil, err
	}

	out := &StatusResult{TestID: testID}
	switch sub.Status {
	case types.SubmissionAnalysisComplete:
		out.State = "ready"
	case types.SubmissionFailed:
		out.State = "error"
		out.Error = sub.AnalysisError
	default:
		out.State = "processing"
	}
	return out, nil
}

func (ad *analysisDispatcher) Report(ctx context.Context, sessionID, userID, testID string) (*ReportResult, error) {
	sub, err := ad.submissionRepo.GetByTestID(ctx, nil, testID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apierr.NotFound("submission_not_found", fmt.Errorf("submission %s not found", testID))
		}
		return nil, err
	}
	if sub.SessionID != sessionID || sub.UserID != userID {
		return nil, apierr.NotFound("submission_not_found", fmt.Errorf("submission %s not found for caller", testID))
	}
	if sub.Status != types.SubmissionAnalysisComplete {
		return nil, apierr.Conflict("analysis_not_ready", fmt.Errorf("submission %s is %s", testID, sub.Status))
	}

	return &ReportResult{
		TestID:        sub.TestID,
		Analysis:      json.RawMessage(StripFences(sub.AnalysisResult)),
		QualityScore:  sub.QualityScore,
		PaymentStatus: string(sub.PaymentStatus),
	}, nil
}

func (ad *analysisDispatcher) Dashboard(ctx context.Context, userID string) ([]DashboardItem, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apierr.BadRequest("missing_user_id", fmt.Errorf("user_id required"))
	}

	subs, err := ad.submissionRepo.ListByUserID(ctx, nil, userID)
	if err != nil {
		return nil, err
	}

	out := make([]DashboardItem, 0, len(subs))
	for _, sub := range subs {
		out = append(out, DashboardItem{
			TestID:         sub.TestID,
			Status:         string(sub.Status),
			PaymentStatus:  string(sub.PaymentStatus),
			ArtifactStatus: string(sub.ArtifactStatus),
			ArtifactURL:    sub.ArtifactURL,
			QualityScore:   sub.QualityScore,
			CreatedAt:      sub.CreatedAt,
		})
	}
	return out, nil
}

func (ad *analysisDispatcher) fail(ctx context.Context, testID, reason string) {
	if err := ad.tracker.MarkFailed(ctx, testID, reason); err != nil {
		ad.log.Error("Failed to mark submission failed", "test_id", testID, "error", err.Error())
	}
}

func (ad *analysisDispatcher) resolveUser(ctx context.Context, req SubmitRequest) (*types.User, error) {
	userID := strings.TrimSpace(req.UserID)
	anonymous := userID == "" || strings.EqualFold(userID, "anonymous")

	id := identityFromAnswers(req.Answers)
	// Each flagged field is replaced with the literal before anything is
	// persisted, not merely hidden from the transcript.
	if anonymous || id.NameAnonymous {
		id.Name = AnonymousName
	}
	if id.EmailAnonymous {
		id.Email = AnonymousName
	}
	if id.CityAnonymous {
		id.City = AnonymousName
	}

	if anonymous {
		user, err := ad.userRepo.Create(ctx, nil, &types.User{
			UserID:       uuid.NewString(),
			Name:         id.Name,
			Email:        id.Email,
			City:         id.City,
			DateOfBirth:  id.DateOfBirth,
			Gender:       id.Gender,
			MobileNumber: id.MobileNumber,
			IsAnonymous:  true,
			LastUsed:     req.CompletedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("create anonymous user: %w", err)
		}
		return user, nil
	}

	user, err := ad.userRepo.GetByUserID(ctx, nil, userID)
	if err == gorm.ErrRecordNotFound {
		user, err := ad.userRepo.Create(ctx, nil, &types.User{
			UserID:       userID,
			Name:         id.Name,
			Email:        id.Email,
			City:         id.City,
			DateOfBirth:  id.DateOfBirth,
			Gender:       id.Gender,
			MobileNumber: id.MobileNumber,
			IsAnonymous:  false,
			LastUsed:     req.CompletedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		return user, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	// Profile fields are first-write-wins: an existing row only gets its
	// recency stamp refreshed.
	if err := ad.userRepo.UpdateFields(ctx, nil, userID, map[string]any{"last_used": req.CompletedAt}); err != nil {
		return nil, fmt.Errorf("update user recency: %w", err)
	}
	return user, nil
}

// identityAnswers carries the identity-question values exactly as
// answered, plus the per-field anonymity choices.
type identityAnswers struct {
	Name         string
	Email        string
	City         string
	DateOfBirth  string
	Gender       string
	MobileNumber string

	NameAnonymous  bool
	EmailAnonymous bool
	CityAnonymous  bool
}

func identityFromAnswers(answers []SubmittedAnswer) identityAnswers {
	var id identityAnswers
	for _, a := range answers {
		value := strings.TrimSpace(a.Value)
		switch strings.ToLower(strings.TrimSpace(a.QuestionKey)) {
		case questionKeyName:
			id.Name = value
			id.NameAnonymous = a.IsAnonymous
		case questionKeyEmail:
			id.Email = value
			id.EmailAnonymous = a.IsAnonymous
		case questionKeyCity:
			id.City = value
			id.CityAnonymous = a.IsAnonymous
		case questionKeyDOB:
			id.DateOfBirth = value
		case questionKeyGender:
			id.Gender = value
		case questionKeyMobile:
			id.MobileNumber = value
		}
	}
	return id
}

// buildTranscript renders the typed answers into the immutable analysis
// transcript and the per-question timing map. Identity values honor the
// anonymity choice before anything leaves the process.
func buildTranscript(answers []SubmittedAnswer, user *types.User) (string, map[string]float64, float64) {
	var b strings.Builder
	timings := make(map[string]float64, len(answers))
	total := 0.0

	for i, a := range answers {
		key := strings.TrimSpace(a.QuestionKey)
		if key == "" {
			key = fmt.Sprintf("q%d", i+1)
		}

		value := strings.TrimSpace(a.Value)
		switch strings.ToLower(key) {
		case questionKeyName:
			if a.IsAnonymous || (user != nil && user.IsAnonymous) {
				value = AnonymousName
			}
		case questionKeyEmail, questionKeyCity:
			if a.IsAnonymous {
				value = AnonymousName
			}
		}

		fmt.Fprintf(&b, "Question (%s): %s\n", key, strings.TrimSpace(a.QuestionText))
		fmt.Fprintf(&b, "Answer: %s\n", value)
		if d := strings.TrimSpace(a.Details); d != "" {
			fmt.Fprintf(&b, "Details: %s\n", d)
		}
		if len(a.Tags) > 0 {
			fmt.Fprintf(&b, "Tags: %s\n", strings.Join(a.Tags, ", "))
		}
		b.WriteString("\n")

		secs := parseAnswerSeconds(a.ElapsedRaw)
		timings[key] = secs
		total += secs
	}

	return strings.TrimSpace(b.String()), timings, total
}

func parseAnswerSeconds(raw string) float64 {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "s"))
	if raw == "" {
		return defaultAnswerSeconds
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return defaultAnswerSeconds
	}
	return secs
}

// StripFences removes markdown code fences the engine sometimes wraps
// around its JSON body.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, fence := range []string{"```json", "```", "'''json", "'''"} {
		if strings.HasPrefix(s, fence) {
			s = strings.TrimPrefix(s, fence)
			break
		}
	}
	for _, fence := range []string{"```", "'''"} {
		if strings.HasSuffix(s, fence) {
			s = strings.TrimSuffix(s, fence)
			break
		}
	}
	return strings.TrimSpace(s)
}
