package notify

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/idgen"
	"github.com/jefin3273/BitNBuild-25-Akatsuki/internal/security"
)

// Handler provides HTTP endpoints for subscription management. All routes
// require the platform admin secret; subscriptions are operator-level
// configuration, not end-user state.
type Handler struct {
	store       Store
	adminSecret string
}

// NewHandler creates a new subscription handler.
func NewHandler(store Store, adminSecret string) *Handler {
	return &Handler{store: store, adminSecret: adminSecret}
}

// RegisterRoutes sets up subscription management routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	grp := r.Group("/notifications", h.requireAdmin)
	grp.POST("/subscriptions", h.CreateSubscription)
	grp.GET("/subscriptions", h.ListSubscriptions)
	grp.DELETE("/subscriptions/:id", h.DeleteSubscription)
}

func (h *Handler) requireAdmin(c *gin.Context) {
	if h.adminSecret == "" ||
		subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Admin-Secret")), []byte(h.adminSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Admin secret required",
		})
		return
	}
	c.Next()
}

// CreateSubscriptionRequest registers a delivery target.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /v1/notifications/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !KnownEventType(et) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "unknown event type: " + e,
			})
			return
		}
		events = append(events, et)
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	// The secret is returned exactly once, at creation
	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
	})
}

// ListSubscriptions handles GET /v1/notifications/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// DeleteSubscription handles DELETE /v1/notifications/subscriptions/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("id")

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
