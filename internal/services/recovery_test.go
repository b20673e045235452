package services

import (
	"context"
	"testing"
	"time"

	"github.com/fraterny/quest-backend/internal/platform/apierr"
	"github.com/fraterny/quest-backend/internal/types"
)

func startedAgo(d time.Duration) *time.Time {
	t := time.Now().Add(-d)
	return &t
}

func recoverableSubmission(testID, ip, fp string) *types.Submission {
	return &types.Submission{
		TestID:            testID,
		UserID:            "u1",
		IPAddress:         ip,
		DeviceFingerprint: fp,
		Status:            types.SubmissionAnalysisComplete,
		AgentStartTime:    startedAgo(5 * time.Minute),
	}
}

func TestRecoverExactMatchOrderedByAnalysisStart(t *testing.T) {
	older := recoverableSubmission("t-old", "1.2.3.4", "fp-1")
	older.AgentStartTime = startedAgo(20 * time.Minute)
	newer := recoverableSubmission("t-new", "1.2.3.4", "fp-1")
	repo := newFakeSubmissionRepo(older, newer,
		recoverableSubmission("t-other-device", "1.2.3.4", "fp-other"),
	)
	matcher := NewRecoveryMatcher(testLogger(), repo)

	result, err := matcher.Recover(context.Background(), RecoverRequest{IPAddress: "1.2.3.4", DeviceFingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("Recover: unexpected error %v", err)
	}
	if result.Fallback {
		t.Fatalf("exact match must not be flagged as fallback")
	}
	if len(result.Submissions) != 2 {
		t.Fatalf("want 2 matches, got %+v", result.Submissions)
	}
	if result.Submissions[0].TestID != "t-new" || result.Submissions[1].TestID != "t-old" {
		t.Fatalf("most recent analysis must sort first, got %+v", result.Submissions)
	}
}

func TestRecoverNarrowsByUserID(t *testing.T) {
	mine := recoverableSubmission("t-mine", "1.2.3.4", "fp-1")
	other := recoverableSubmission("t-other", "1.2.3.4", "fp-1")
	other.UserID = "u2"
	repo := newFakeSubmissionRepo(mine, other)
	matcher := NewRecoveryMatcher(testLogger(), repo)

	result, err := matcher.Recover(context.Background(), RecoverRequest{
		IPAddress: "1.2.3.4", DeviceFingerprint: "fp-1", UserID: "u1",
	})
	if err != nil {
		t.Fatalf("Recover: unexpected error %v", err)
	}
	if len(result.Submissions) != 1 || result.Submissions[0].TestID != "t-mine" {
		t.Fatalf("user narrowing failed, got %+v", result.Submissions)
	}

	// An anonymous caller id must not narrow at all.
	result, err = matcher.Recover(context.Background(), RecoverRequest{
		IPAddress: "1.2.3.4", DeviceFingerprint: "fp-1", UserID: "anonymous",
	})
	if err != nil {
		t.Fatalf("Recover: unexpected error %v", err)
	}
	if len(result.Submissions) != 2 {
		t.Fatalf("anonymous id should match everything on the device, got %+v", result.Submissions)
	}
}

func TestRecoverFallsBackToDeviceOnly(t *testing.T) {
	repo := newFakeSubmissionRepo(recoverableSubmission("t1", "1.2.3.4", "fp-1"))
	matcher := NewRecoveryMatcher(testLogger(), repo)

	// Same device, new network location.
	result, err := matcher.Recover(context.Background(), RecoverRequest{IPAddress: "5.6.7.8", DeviceFingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("Recover: unexpected error %v", err)
	}
	if !result.Fallback {
		t.Fatalf("device-only match must be flagged as fallback")
	}
	if result.Message == "" {
		t.Fatalf("fallback result must carry an explanatory message")
	}
	if len(result.Submissions) != 1 || result.Submissions[0].TestID != "t1" {
		t.Fatalf("want t1 from fallback, got %+v", result.Submissions)
	}
}

func TestRecoverExcludesNonRecoverableStatuses(t *testing.T) {
	failed := recoverableSubmission("t-failed", "1.2.3.4", "fp-1")
	failed.Status = types.SubmissionFailed
	queued := recoverableSubmission("t-queued", "1.2.3.4", "fp-1")
	queued.Status = types.SubmissionSubmitted
	inFlight := recoverableSubmission("t-busy", "1.2.3.4", "fp-1")
	inFlight.Status = types.SubmissionAgentStarted
	repo := newFakeSubmissionRepo(failed, queued, inFlight)
	matcher := NewRecoveryMatcher(testLogger(), repo)

	result, err := matcher.Recover(context.Background(), RecoverRequest{IPAddress: "1.2.3.4", DeviceFingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("Recover: unexpected error %v", err)
	}
	if len(result.Submissions) != 1 || result.Submissions[0].TestID != "t-busy" {
		t.Fatalf("only in-flight and completed analyses are recoverable, got %+v", result.Submissions)
	}
	if result.Submissions[0].ProgressPercent != 50 {
		t.Fatalf("in-flight progress: want=50 got=%d", result.Submissions[0].ProgressPercent)
	}
}

func TestRecoverWindowKeyedOnAnalysisStart(t *testing.T) {
	// Recent row, stale analysis: the window keys on when the agent
	// started, not on row creation.
	stale := recoverableSubmission("t-stale", "1.2.3.4", "fp-1")
	stale.AgentStartTime = startedAgo(2 * time.Hour)
	stale.CreatedAt = time.Now()
	undispatched := recoverableSubmission("t-undispatched", "1.2.3.4", "fp-1")
	undispatched.AgentStartTime = nil
	repo := newFakeSubmissionRepo(stale, undispatched)
	matcher := NewRecoveryMatcher(testLogger(), repo)

	result, err := matcher.Recover(context.Background(), RecoverRequest{IPAddress: "1.2.3.4", DeviceFingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("Recover: unexpected error %v", err)
	}
	if len(result.Submissions) != 0 {
		t.Fatalf("sessions outside the window must be hidden, got %+v", result.Submissions)
	}
	if result.Message == "" {
		t.Fatalf("empty result must carry a human-readable message")
	}
}

func TestRecoverLookbackOverride(t *testing.T) {
	sub := recoverableSubmission("t1", "1.2.3.4", "fp-1")
	sub.AgentStartTime = startedAgo(time.Hour)
	repo := newFakeSubmissionRepo(sub)
	matcher := NewRecoveryMatcher(testLogger(), repo)

	result, err := matcher.Recover(context.Background(), RecoverRequest{IPAddress: "1.2.3.4", DeviceFingerprint: "fp-1"})
	if err != nil {
		t.Fatalf("Recover: unexpected error %v", err)
	}
	if len(result.Submissions) != 0 {
		t.Fatalf("hour-old session must be outside the default window, got %+v", result.Submissions)
	}

	result, err = matcher.Recover(context.Background(), RecoverRequest{
		IPAddress: "1.2.3.4", DeviceFingerprint: "fp-1", LookbackMinutes: 120,
	})
	if err != nil {
		t.Fatalf("Recover: unexpected error %v", err)
	}
	if len(result.Submissions) != 1 {
		t.Fatalf("wider lookback should surface the session, got %+v", result.Submissions)
	}
}

func TestRecoverRequiresBothKeys(t *testing.T) {
	matcher := NewRecoveryMatcher(testLogger(), newFakeSubmissionRepo())

	cases := []RecoverRequest{
		{},
		{DeviceFingerprint: "fp-1"},
		{IPAddress: "1.2.3.4"},
	}
	for _, req := range cases {
		_, err := matcher.Recover(context.Background(), req)
		status, code := apierr.StatusAndCode(err)
		if status != 400 || code != "missing_recovery_keys" {
			t.Fatalf("%+v: want 400/missing_recovery_keys, got %d/%s", req, status, code)
		}
	}
}

func TestProgressPercentMapping(t *testing.T) {
	cases := map[types.SubmissionStatus]int{
		types.SubmissionSubmitted:        0,
		types.SubmissionAgentStarted:     50,
		types.SubmissionDataExtracted:    50,
		types.SubmissionAnalysisComplete: 100,
		types.SubmissionFailed:           0,
	}
	for status, want := range cases {
		if got := progressPercent(status); got != want {
			t.Fatalf("progressPercent(%q): want=%d got=%d", status, want, got)
		}
	}
}
