package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fraterny/quest-backend/internal/platform/apierr"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/repos"
	"github.com/fraterny/quest-backend/internal/types"
)

const (
	// DefaultLookbackMinutes bounds how far back a lost session can be
	// claimed when the caller does not narrow the window itself. The
	// window is keyed on when analysis started, not on row creation.
	DefaultLookbackMinutes = 30

	maxExactMatches    = 10
	maxFallbackMatches = 5
)

// RecoveryMatcher finds in-flight or completed submissions for a device
// that lost its local state. An exact match on the network location and
// the device wins; a device-only match is offered as an explicit
// lower-confidence fallback (the user kept the device but changed IP).
type RecoveryMatcher interface {
	Recover(ctx context.Context, req RecoverRequest) (*RecoverResult, error)
}

type RecoverRequest struct {
	IPAddress         string `json:"ip_address"`
	DeviceFingerprint string `json:"device_fingerprint"`
	UserID            string `json:"user_id,omitempty"`
	LookbackMinutes   int    `json:"lookback_minutes,omitempty"`
}

type RecoveredSubmission struct {
	TestID          string    `json:"test_id"`
	UserID          string    `json:"user_id"`
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	CreatedAt       time.Time `json:"created_at"`
}

type RecoverResult struct {
	Submissions []RecoveredSubmission `json:"submissions"`
	Fallback    bool                  `json:"fallback"`
	Message     string                `json:"message,omitempty"`
}

type recoveryMatcher struct {
	log            *logger.Logger
	submissionRepo repos.SubmissionRepo
	now            func() time.Time
}

func NewRecoveryMatcher(baseLog *logger.Logger, submissionRepo repos.SubmissionRepo) RecoveryMatcher {
	return &recoveryMatcher{
		log:            baseLog.With("service", "RecoveryMatcher"),
		submissionRepo: submissionRepo,
		now:            time.Now,
	}
}

func (rm *recoveryMatcher) Recover(ctx context.Context, req RecoverRequest) (*RecoverResult, error) {
	if rm == nil {
		return nil, fmt.Errorf("recovery matcher unavailable")
	}

	ipAddress := strings.TrimSpace(req.IPAddress)
	fingerprint := strings.TrimSpace(req.DeviceFingerprint)
	if ipAddress == "" || fingerprint == "" {
		return nil, apierr.BadRequest("missing_recovery_keys", fmt.Errorf("both ip address and device fingerprint required"))
	}

	lookback := req.LookbackMinutes
	if lookback <= 0 {
		lookback = DefaultLookbackMinutes
	}
	since := rm.now().Add(-time.Duration(lookback) * time.Minute)

	// An anonymous caller id narrows nothing: it is exactly the identity
	// recovery is trying to find.
	userID := strings.TrimSpace(req.UserID)
	if strings.EqualFold(userID, "anonymous") {
		userID = ""
	}

	matches, err := rm.submissionRepo.ListRecoverable(ctx, nil, ipAddress, fingerprint, userID, since, maxExactMatches)
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		return &RecoverResult{Submissions: toRecovered(matches)}, nil
	}

	fallback, err := rm.submissionRepo.ListRecoverableByFingerprint(ctx, nil, fingerprint, since, maxFallbackMatches)
	if err != nil {
		return nil, err
	}
	if len(fallback) == 0 {
		return &RecoverResult{
			Submissions: []RecoveredSubmission{},
			Message:     "No recent sessions were found for this device.",
		}, nil
	}

	rm.log.Info("Recovery served from device-only fallback", "matches", len(fallback))
	return &RecoverResult{
		Submissions: toRecovered(fallback),
		Fallback:    true,
		Message:     "These sessions were found from a different network location. Confirm before restoring.",
	}, nil
}

func toRecovered(subs []*types.Submission) []RecoveredSubmission {
	out := make([]RecoveredSubmission, 0, len(subs))
	for _, sub := range subs {
		out = append(out, RecoveredSubmission{
			TestID:          sub.TestID,
			UserID:          sub.UserID,
			SessionID:       sub.SessionID,
			Status:          string(sub.Status),
			ProgressPercent: progressPercent(sub.Status),
			CreatedAt:       sub.CreatedAt,
		})
	}
	return out
}

func progressPercent(status types.SubmissionStatus) int {
	switch status {
	case types.SubmissionAnalysisComplete:
		return 100
	case types.SubmissionAgentStarted, types.SubmissionDataExtracted:
		return 50
	default:
		return 0
	}
}
