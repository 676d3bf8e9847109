package api

import (
	"net/http"

	"computeruse/internal/auth"
	"computeruse/internal/cache"

	"github.com/gin-gonic/gin"
)

type QuotaHandler struct {
	gate  *auth.Gate
	cache *cache.Cache
}

func NewQuotaHandler(gate *auth.Gate, c *cache.Cache) *QuotaHandler {
	return &QuotaHandler{gate: gate, cache: c}
}

// GetQuota GET /api/v1/quota
func (h *QuotaHandler) GetQuota(c *gin.Context) {
	record, err := h.gate.Quota(c.Request.Context(), *authContext(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// CacheStats GET /api/v1/cache/stats
func (h *QuotaHandler) CacheStats(c *gin.Context) {
	if h.cache == nil {
		c.JSON(http.StatusOK, cache.Stats{})
		return
	}
	c.JSON(http.StatusOK, h.cache.Stats())
}
