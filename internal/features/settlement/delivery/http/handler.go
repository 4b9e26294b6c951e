package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"promo-market-backend/internal/features/settlement/service"
)

// SettlementHandler exposes the internal trigger surface. Authentication is
// a shared bearer token: the caller is a scheduler, not an end user.
type SettlementHandler struct {
	tick         service.TickRunner
	triggerToken string
}

func NewSettlementHandler(tick service.TickRunner, triggerToken string) *SettlementHandler {
	return &SettlementHandler{
		tick:         tick,
		triggerToken: triggerToken,
	}
}

func (h *SettlementHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internal := router.Group("/internal", h.requireTriggerToken)
	{
		internal.POST("/tick", h.runTick)
	}
}

func (h *SettlementHandler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SettlementHandler) requireTriggerToken(c *gin.Context) {
	if h.triggerToken == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "trigger disabled"})
		return
	}

	auth := c.GetHeader("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token != h.triggerToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid trigger token"})
		return
	}

	c.Next()
}

func (h *SettlementHandler) runTick(c *gin.Context) {
	result, err := h.tick.RunTick(c.Request.Context(), time.Now().UTC())
	if err != nil {
		// Partial counters are still returned: the caller sees how far the
		// tick got before the failing phase.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  err.Error(),
			"result": result,
		})
		return
	}

	c.JSON(http.StatusOK, result)
}
