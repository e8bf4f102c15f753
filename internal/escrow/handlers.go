package escrow

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/logging"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/metrics"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/payments"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service       *Service
	reconciler    *Reconciler
	webhookSecret string
	adminSecret   string
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, reconciler *Reconciler, webhookSecret, adminSecret string) *Handler {
	return &Handler{
		service:       service,
		reconciler:    reconciler,
		webhookSecret: webhookSecret,
		adminSecret:   adminSecret,
	}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.POST("/escrow/:id/confirm", h.ConfirmEscrow)
	r.POST("/escrow/:id/release", h.ReleaseEscrow)
	r.POST("/escrow/:id/refund", h.RefundEscrow)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/projects/:id/escrow", h.GetProjectEscrow)
	r.GET("/users/:id/escrows", h.ListUserEscrows)
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// actor builds the caller identity for guarded operations. A valid
// X-Admin-Secret header grants the admin flag; the caller's user id
// comes from the request body.
func (h *Handler) actor(c *gin.Context, userID string) Actor {
	admin := h.adminSecret != "" &&
		subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Admin-Secret")), []byte(h.adminSecret)) == 1
	return Actor{ID: userID, Admin: admin}
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("projectId", req.ProjectID),
		validation.Required("clientId", req.ClientID),
		validation.Required("freelancerId", req.FreelancerID),
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrUnknownProject), errors.Is(err, ErrUnknownParticipant):
			status = http.StatusBadRequest
			code = "invalid_reference"
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ErrActiveEscrowExists):
			status = http.StatusConflict
			code = "active_escrow_exists"
		case isGatewayErr(err):
			status = http.StatusBadGateway
			code = "gateway_error"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// ConfirmRequest carries the processor-side hold reference whose
// possession authorizes the confirm.
type ConfirmRequest struct {
	ExternalReference string `json:"externalReference" binding:"required"`
}

// ConfirmEscrow handles POST /v1/escrow/:id/confirm
func (h *Handler) ConfirmEscrow(c *gin.Context) {
	id := c.Param("id")

	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "externalReference is required",
		})
		return
	}

	escrow, err := h.service.Confirm(c.Request.Context(), id, req.ExternalReference)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ReleaseRequest identifies the caller approving the work.
type ReleaseRequest struct {
	ClientID string `json:"clientId" binding:"required"`
}

// ReleaseEscrow handles POST /v1/escrow/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	id := c.Param("id")

	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "clientId is required",
		})
		return
	}

	escrow, err := h.service.Release(c.Request.Context(), id, h.actor(c, req.ClientID))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// RefundRequest identifies the caller and the reason for the refund.
type RefundRequest struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason"`
}

// RefundEscrow handles POST /v1/escrow/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	id := c.Param("id")

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if len(req.Reason) > validation.MaxReasonLength {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "reason exceeds maximum length",
		})
		return
	}

	escrow, err := h.service.Refund(c.Request.Context(), id, h.actor(c, req.ClientID), validation.SanitizeString(req.Reason, validation.MaxReasonLength))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id := c.Param("id")

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// GetProjectEscrow handles GET /v1/projects/:id/escrow
func (h *Handler) GetProjectEscrow(c *gin.Context) {
	projectID := c.Param("id")

	escrow, err := h.service.GetByProject(c.Request.Context(), projectID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrMultipleActive):
			status = http.StatusConflict
			code = "multiple_active"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListUserEscrows handles GET /v1/users/:id/escrows
func (h *Handler) ListUserEscrows(c *gin.Context) {
	userID := c.Param("id")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// StripeWebhook handles POST /v1/webhooks/stripe.
//
// Signature failure is a hard 400 with no ledger mutation. Events for
// unknown holds and event types outside the escrow lifecycle ack with
// 200 so the processor stops retrying them.
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unable to read request body",
		})
		return
	}

	ev, err := payments.VerifyAndParse(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		metrics.ProcessorSignatureFailuresTotal.Inc()
		logging.L(c.Request.Context()).Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}
	if ev == nil {
		// Not an escrow lifecycle event.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := h.reconciler.Apply(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to apply event",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// writeTransitionError maps service errors for the lifecycle operations
// onto HTTP responses.
func (h *Handler) writeTransitionError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrReferenceMismatch):
		status = http.StatusForbidden
		code = "reference_mismatch"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStaleStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case isGatewayErr(err):
		status = http.StatusBadGateway
		code = "gateway_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func isGatewayErr(err error) bool {
	var ge *payments.GatewayError
	return errors.As(err, &ge)
}
