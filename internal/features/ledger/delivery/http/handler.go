package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"promo-market-backend/internal/features/ledger/service"
)

// OpenThreadRequest is the wire form of one open attempt. Pricing fields are
// optional; unset values fall back to the service defaults from config.
type OpenThreadRequest struct {
	OfferID         string `json:"offer_id" binding:"required"`
	BuyerID         int64  `json:"buyer_id" binding:"required"`
	Cost            *int   `json:"cost,omitempty"`
	TrialCredits    *int   `json:"trial_credits,omitempty"`
	DailyLimit      *int   `json:"daily_limit,omitempty"`
	ForcePaying     bool   `json:"force_paying,omitempty"`
	UseRetryCredits *bool  `json:"use_retry_credits,omitempty"`
}

// LedgerHandler exposes the transactor to the bot/webhook layer, which owns
// end-user authentication; this surface only checks the shared service token.
type LedgerHandler struct {
	service      *service.Service
	defaults     service.OpenThreadOptions
	triggerToken string
}

func NewLedgerHandler(svc *service.Service, defaults service.OpenThreadOptions, triggerToken string) *LedgerHandler {
	return &LedgerHandler{
		service:      svc,
		defaults:     defaults,
		triggerToken: triggerToken,
	}
}

func (h *LedgerHandler) RegisterRoutes(router *gin.Engine) {
	internal := router.Group("/internal", h.requireServiceToken)
	{
		internal.POST("/threads/open", h.openThread)
	}
}

func (h *LedgerHandler) requireServiceToken(c *gin.Context) {
	if h.triggerToken == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "internal API disabled"})
		return
	}

	auth := c.GetHeader("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token != h.triggerToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid service token"})
		return
	}

	c.Next()
}

func (h *LedgerHandler) openThread(c *gin.Context) {
	var req OpenThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := h.defaults
	if req.Cost != nil {
		opts.Cost = *req.Cost
	}
	if req.TrialCredits != nil {
		opts.TrialCredits = *req.TrialCredits
	}
	if req.DailyLimit != nil {
		opts.DailyLimit = *req.DailyLimit
	}
	if req.ForcePaying {
		opts.ForcePaying = true
	}
	if req.UseRetryCredits != nil {
		opts.UseRetryCredits = *req.UseRetryCredits
	}

	result, err := h.service.OpenThreadWithCredit(c.Request.Context(), req.OfferID, req.BuyerID, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Business-rule failures are part of the result contract, not HTTP errors.
	c.JSON(http.StatusOK, result)
}
