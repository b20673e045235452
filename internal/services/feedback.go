package services

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/fraterny/quest-backend/internal/platform/apierr"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/repos"
	"github.com/fraterny/quest-backend/internal/types"
)

// FeedbackService records free-tier reactions against a report section.
type FeedbackService interface {
	Submit(ctx context.Context, req FeedbackRequest) error
}

type FeedbackRequest struct {
	TestID    string `json:"test_id"`
	UserID    string `json:"user_id"`
	SectionID string `json:"section_id"`
	Liked     bool   `json:"liked"`
	Disliked  bool   `json:"disliked"`
	Comment   string `json:"comment,omitempty"`
}

type feedbackService struct {
	log            *logger.Logger
	submissionRepo repos.SubmissionRepo
	feedbackRepo   repos.FeedbackRepo
}

func NewFeedbackService(baseLog *logger.Logger, submissionRepo repos.SubmissionRepo, feedbackRepo repos.FeedbackRepo) FeedbackService {
	return &feedbackService{
		log:            baseLog.With("service", "FeedbackService"),
		submissionRepo: submissionRepo,
		feedbackRepo:   feedbackRepo,
	}
}

func (fs *feedbackService) Submit(ctx context.Context, req FeedbackRequest) error {
	if fs == nil {
		return fmt.Errorf("feedback service unavailable")
	}

	req.TestID = strings.TrimSpace(req.TestID)
	if req.TestID == "" {
		return apierr.BadRequest("missing_test_id", fmt.Errorf("test_id required"))
	}
	if !req.Liked && !req.Disliked && strings.TrimSpace(req.Comment) == "" {
		return apierr.BadRequest("empty_feedback", fmt.Errorf("feedback must carry a reaction or a comment"))
	}

	sub, err := fs.submissionRepo.GetByTestID(ctx, nil, req.TestID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return apierr.NotFound("submission_not_found", fmt.Errorf("submission %s not found", req.TestID))
		}
		return err
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = sub.UserID
	}

	_, err = fs.feedbackRepo.Create(ctx, nil, &types.Feedback{
		TestID:    sub.TestID,
		UserID:    userID,
		SectionID: strings.TrimSpace(req.SectionID),
		Liked:     req.Liked,
		Disliked:  req.Disliked,
		Comment:   strings.TrimSpace(req.Comment),
	})
	return err
}
