package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fraterny/quest-backend/internal/platform/apierr"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/services"
)

type AssessmentHandler struct {
	log        *logger.Logger
	dispatcher services.AnalysisDispatcher
	recovery   services.RecoveryMatcher
	tracker    services.StatusTracker
	feedback   services.FeedbackService
}

func NewAssessmentHandler(
	baseLog *logger.Logger,
	dispatcher services.AnalysisDispatcher,
	recovery services.RecoveryMatcher,
	tracker services.StatusTracker,
	feedback services.FeedbackService,
) *AssessmentHandler {
	return &AssessmentHandler{
		log:        baseLog.With("handler", "AssessmentHandler"),
		dispatcher: dispatcher,
		recovery:   recovery,
		tracker:    tracker,
		feedback:   feedback,
	}
}

func (h *AssessmentHandler) Submit(c *gin.Context) {
	var req services.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	req.IPAddress = c.ClientIP()

	result, err := h.dispatcher.Accept(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, "Failed to accept submission")
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (h *AssessmentHandler) Status(c *gin.Context) {
	result, err := h.dispatcher.Status(c.Request.Context(), c.Param("testID"))
	if err != nil {
		h.fail(c, err, "Failed to fetch status")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AssessmentHandler) Report(c *gin.Context) {
	result, err := h.dispatcher.Report(
		c.Request.Context(),
		c.Param("sessionID"),
		c.Param("userID"),
		c.Param("testID"),
	)
	if err != nil {
		h.fail(c, err, "Failed to fetch report")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AssessmentHandler) Recover(c *gin.Context) {
	var req services.RecoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}

	result, err := h.recovery.Recover(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, "Failed to recover sessions")
		return
	}
	c.JSON(http.StatusOK, result)
}

type rebindRequest struct {
	OldUserID    string `json:"old_user_id"`
	NewUserID    string `json:"new_user_id"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	City         string `json:"city,omitempty"`
	DateOfBirth  string `json:"date_of_birth,omitempty"`
	Gender       string `json:"gender,omitempty"`
	MobileNumber string `json:"mobile_number,omitempty"`
}

func (h *AssessmentHandler) Rebind(c *gin.Context) {
	var req rebindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	result, err := h.tracker.RebindUser(c.Request.Context(), req.OldUserID, req.NewUserID, services.RebindProfile{
		Name:         req.Name,
		Email:        req.Email,
		City:         req.City,
		DateOfBirth:  req.DateOfBirth,
		Gender:       req.Gender,
		MobileNumber: req.MobileNumber,
	})
	if err != nil {
		h.fail(c, err, "Failed to rebind user")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *AssessmentHandler) Dashboard(c *gin.Context) {
	result, err := h.dispatcher.Dashboard(c.Request.Context(), c.Param("userID"))
	if err != nil {
		h.fail(c, err, "Failed to fetch dashboard")
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": result})
}

func (h *AssessmentHandler) Feedback(c *gin.Context) {
	var req services.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	if err := h.feedback.Submit(c.Request.Context(), req); err != nil {
		h.fail(c, err, "Failed to record feedback")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}

func (h *AssessmentHandler) fail(c *gin.Context, err error, msg string) {
	status, code := apierr.StatusAndCode(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, "error", err.Error())
	}
	c.JSON(status, gin.H{"error": code})
}
