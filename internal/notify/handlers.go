package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lumopay/autopay/internal/idgen"
	"github.com/lumopay/autopay/internal/security"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new webhook subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes under an identity group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/identities/:identity/webhooks", h.CreateSubscription)
	r.GET("/identities/:identity/webhooks", h.ListSubscriptions)
	r.DELETE("/identities/:identity/webhooks/:webhookId", h.DeleteSubscription)
}

type createSubscriptionRequest struct {
	URL    string `json:"url" binding:"required"`
	Secret string `json:"secret"`
	Kinds  []Kind `json:"kinds"`
}

// CreateSubscription handles POST /v1/identities/:identity/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	identity := c.Param("identity")

	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.PrefixSubscription),
		Identity:  identity,
		URL:       req.URL,
		Secret:    req.Secret,
		Kinds:     req.Kinds,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// ListSubscriptions handles GET /v1/identities/:identity/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	identity := c.Param("identity")

	subs, err := h.store.ListByIdentity(c.Request.Context(), identity)
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

// DeleteSubscription handles DELETE /v1/identities/:identity/webhooks/:webhookId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	identity := c.Param("identity")
	id := c.Param("webhookId")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err == ErrSubscriptionNotFound || (err == nil && sub.Identity != identity) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such webhook subscription",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
