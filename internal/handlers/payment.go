package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fraterny/quest-backend/internal/platform/apierr"
	"github.com/fraterny/quest-backend/internal/platform/logger"
	"github.com/fraterny/quest-backend/internal/services"
)

type PaymentHandler struct {
	log      *logger.Logger
	payments services.PaymentService
}

func NewPaymentHandler(baseLog *logger.Logger, payments services.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		log:      baseLog.With("handler", "PaymentHandler"),
		payments: payments,
	}
}

func (h *PaymentHandler) CreateOrder(c *gin.Context) {
	var req services.CreateChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	result, err := h.payments.CreateCharge(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, "Failed to create order")
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *PaymentHandler) Complete(c *gin.Context) {
	var req services.CompletePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	result, err := h.payments.Complete(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err, "Failed to complete payment")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *PaymentHandler) History(c *gin.Context) {
	result, err := h.payments.History(c.Request.Context(), c.Param("userID"))
	if err != nil {
		h.fail(c, err, "Failed to fetch payment history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": result})
}

func (h *PaymentHandler) fail(c *gin.Context, err error, msg string) {
	status, code := apierr.StatusAndCode(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, "error", err.Error())
	}
	c.JSON(status, gin.H{"error": code})
}
