package autopay

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lumopay/autopay/internal/idgen"
	"github.com/lumopay/autopay/internal/logging"
)

// Handler exposes the autopay API over HTTP. Policy CRUD goes straight to the
// store; authorize and commit go through the service so locking, notification
// fan-out, and the realtime feed apply.
type Handler struct {
	svc   *Service
	store Store
}

// NewHandler creates the autopay HTTP handler.
func NewHandler(svc *Service, store Store) *Handler {
	return &Handler{svc: svc, store: store}
}

// RegisterRoutes sets up all autopay routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	id := r.Group("/identities/:identity")

	id.POST("/authorize", h.Authorize)
	id.POST("/commit", h.Commit)

	id.GET("/settings", h.GetSettings)
	id.PUT("/settings", h.PutSettings)

	id.GET("/quotas", h.ListQuotas)
	id.GET("/quotas/:peer", h.GetQuota)
	id.PUT("/quotas/:peer", h.PutQuota)
	id.DELETE("/quotas/:peer", h.DeleteQuota)
	id.POST("/quotas/:peer/reset", h.ResetQuota)

	id.GET("/rules", h.ListRules)
	id.POST("/rules", h.CreateRule)
	id.PUT("/rules/order", h.ReorderRules)
	id.GET("/rules/:ruleId", h.GetRule)
	id.PUT("/rules/:ruleId", h.UpdateRule)
	id.DELETE("/rules/:ruleId", h.DeleteRule)

	id.GET("/history", h.History)
	id.GET("/history/spent-today", h.SpentToday)
}

// Authorize handles POST /v1/identities/:identity/authorize
func (h *Handler) Authorize(c *gin.Context) {
	identity := c.Param("identity")

	var intent PaymentIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if err := intent.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_intent",
			"message": err.Error(),
		})
		return
	}

	ctx := logging.WithIdentity(c.Request.Context(), identity)
	dec, err := h.svc.Authorize(ctx, identity, intent)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_intent",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"decision": dec})
}

// Commit handles POST /v1/identities/:identity/commit
func (h *Handler) Commit(c *gin.Context) {
	identity := c.Param("identity")

	var result CommitResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	ctx := logging.WithIdentity(c.Request.Context(), identity)
	if err := h.svc.Commit(ctx, identity, result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"committed": true})
}

// GetSettings handles GET /v1/identities/:identity/settings
//
// An identity that never saved a policy gets the defaults, not a 404.
func (h *Handler) GetSettings(c *gin.Context) {
	identity := c.Param("identity")

	settings, err := h.store.GetSettings(c.Request.Context(), identity)
	if errors.Is(err, ErrSettingsNotFound) {
		settings = DefaultSettings()
	} else if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// PutSettings handles PUT /v1/identities/:identity/settings
func (h *Handler) PutSettings(c *gin.Context) {
	identity := c.Param("identity")

	var settings Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if err := settings.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_settings",
			"message": err.Error(),
		})
		return
	}

	settings.UpdatedAt = time.Now()
	if err := h.store.PutSettings(c.Request.Context(), identity, &settings); err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": settings})
}

// ListQuotas handles GET /v1/identities/:identity/quotas
func (h *Handler) ListQuotas(c *gin.Context) {
	identity := c.Param("identity")

	quotas, err := h.store.ListQuotas(c.Request.Context(), identity)
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"quotas": quotas,
		"count":  len(quotas),
	})
}

// GetQuota handles GET /v1/identities/:identity/quotas/:peer
func (h *Handler) GetQuota(c *gin.Context) {
	identity := c.Param("identity")
	peer := c.Param("peer")

	quota, err := h.store.GetQuota(c.Request.Context(), identity, peer)
	if errors.Is(err, ErrQuotaNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No quota for this peer",
		})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"quota": quota})
}

type putQuotaRequest struct {
	PeerName  string `json:"peerName"`
	LimitSats int64  `json:"limitSats"`
	Period    Period `json:"period"`
}

// PutQuota handles PUT /v1/identities/:identity/quotas/:peer
//
// Creates the quota on first write, updates limit/period/name afterwards.
// Used and PeriodStart survive updates; changing the period takes effect
// from the existing PeriodStart.
func (h *Handler) PutQuota(c *gin.Context) {
	identity := c.Param("identity")
	peer := c.Param("peer")

	var req putQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.Period == "" {
		req.Period = PeriodDaily
	}

	now := time.Now()
	quota, err := h.store.GetQuota(c.Request.Context(), identity, peer)
	created := false
	if errors.Is(err, ErrQuotaNotFound) {
		quota = &Quota{
			ID:          idgen.WithPrefix(idgen.PrefixQuota),
			PeerPubkey:  peer,
			PeriodStart: now,
			CreatedAt:   now,
		}
		created = true
	} else if err != nil {
		h.internalError(c, err)
		return
	}

	quota.PeerName = req.PeerName
	quota.LimitSats = req.LimitSats
	quota.Period = req.Period
	quota.UpdatedAt = now
	if err := quota.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_quota",
			"message": err.Error(),
		})
		return
	}

	if err := h.store.PutQuota(c.Request.Context(), identity, quota); err != nil {
		h.internalError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"quota": quota})
}

// DeleteQuota handles DELETE /v1/identities/:identity/quotas/:peer
func (h *Handler) DeleteQuota(c *gin.Context) {
	identity := c.Param("identity")
	peer := c.Param("peer")

	err := h.store.DeleteQuota(c.Request.Context(), identity, peer)
	if errors.Is(err, ErrQuotaNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No quota for this peer",
		})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": peer})
}

// ResetQuota handles POST /v1/identities/:identity/quotas/:peer/reset
//
// Manual reset: zeroes the used amount and restarts the period at now.
// Repeating the call is harmless.
func (h *Handler) ResetQuota(c *gin.Context) {
	identity := c.Param("identity")
	peer := c.Param("peer")

	quota, err := h.store.GetQuota(c.Request.Context(), identity, peer)
	if errors.Is(err, ErrQuotaNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No quota for this peer",
		})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}

	now := time.Now()
	quota.Reset()
	quota.PeriodStart = now
	quota.UpdatedAt = now
	if err := h.store.PutQuota(c.Request.Context(), identity, quota); err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"quota": quota})
}

// ListRules handles GET /v1/identities/:identity/rules
func (h *Handler) ListRules(c *gin.Context) {
	identity := c.Param("identity")

	rules, err := h.store.ListRules(c.Request.Context(), identity)
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"count": len(rules),
	})
}

type ruleRequest struct {
	Name          string  `json:"name" binding:"required"`
	Description   string  `json:"description"`
	Enabled       *bool   `json:"enabled"`
	MaxAmountSats *int64  `json:"maxAmountSats"`
	MethodFilter  *string `json:"methodFilter"`
	PeerFilter    *string `json:"peerFilter"`
}

// CreateRule handles POST /v1/identities/:identity/rules
//
// New rules are appended at the end of the evaluation order.
func (h *Handler) CreateRule(c *gin.Context) {
	identity := c.Param("identity")

	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	now := time.Now()
	rule := &Rule{
		ID:            idgen.WithPrefix(idgen.PrefixRule),
		Name:          req.Name,
		Description:   req.Description,
		Enabled:       true,
		MaxAmountSats: req.MaxAmountSats,
		MethodFilter:  req.MethodFilter,
		PeerFilter:    req.PeerFilter,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if err := rule.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rule",
			"message": err.Error(),
		})
		return
	}

	if err := h.store.PutRule(c.Request.Context(), identity, rule); err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// GetRule handles GET /v1/identities/:identity/rules/:ruleId
func (h *Handler) GetRule(c *gin.Context) {
	identity := c.Param("identity")
	ruleID := c.Param("ruleId")

	rule, err := h.store.GetRule(c.Request.Context(), identity, ruleID)
	if errors.Is(err, ErrRuleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such rule",
		})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// UpdateRule handles PUT /v1/identities/:identity/rules/:ruleId
func (h *Handler) UpdateRule(c *gin.Context) {
	identity := c.Param("identity")
	ruleID := c.Param("ruleId")

	rule, err := h.store.GetRule(c.Request.Context(), identity, ruleID)
	if errors.Is(err, ErrRuleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such rule",
		})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}

	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	rule.Name = req.Name
	rule.Description = req.Description
	rule.MaxAmountSats = req.MaxAmountSats
	rule.MethodFilter = req.MethodFilter
	rule.PeerFilter = req.PeerFilter
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.UpdatedAt = time.Now()
	if err := rule.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rule",
			"message": err.Error(),
		})
		return
	}

	if err := h.store.PutRule(c.Request.Context(), identity, rule); err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// DeleteRule handles DELETE /v1/identities/:identity/rules/:ruleId
func (h *Handler) DeleteRule(c *gin.Context) {
	identity := c.Param("identity")
	ruleID := c.Param("ruleId")

	err := h.store.DeleteRule(c.Request.Context(), identity, ruleID)
	if errors.Is(err, ErrRuleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such rule",
		})
		return
	}
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": ruleID})
}

type reorderRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// ReorderRules handles PUT /v1/identities/:identity/rules/order
//
// The body must name every rule of the identity exactly once.
func (h *Handler) ReorderRules(c *gin.Context) {
	identity := c.Param("identity")

	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := h.store.ReorderRules(c.Request.Context(), identity, req.IDs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_order",
			"message": err.Error(),
		})
		return
	}

	rules, err := h.store.ListRules(c.Request.Context(), identity)
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// History handles GET /v1/identities/:identity/history?since=&limit=
//
// since is RFC 3339; it defaults to the start of the current day. Entries
// come back newest first.
func (h *Handler) History(c *gin.Context) {
	identity := c.Param("identity")

	since := StartOfDay(time.Now())
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "since must be RFC 3339",
			})
			return
		}
		since = parsed
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}

	entries, err := h.store.HistorySince(c.Request.Context(), identity, since, limit)
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"count":   len(entries),
	})
}

// SpentToday handles GET /v1/identities/:identity/history/spent-today
func (h *Handler) SpentToday(c *gin.Context) {
	identity := c.Param("identity")

	now := time.Now()
	spent, err := h.store.SpentSince(c.Request.Context(), identity, StartOfDay(now))
	if err != nil {
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"spentTodaySats": spent,
		"dayStart":       StartOfDay(now),
	})
}

func (h *Handler) internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("storage error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "storage unavailable",
	})
}
