package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/talka/historico/internal/archive"
	"github.com/talka/historico/internal/cache"
	"github.com/talka/historico/internal/logger"
)

type MetricsHandler struct {
	responder
	store *archive.Store
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewMetricsHandler(store *archive.Store, deps Deps) *MetricsHandler {
	deps = deps.withDefaults()
	return &MetricsHandler{
		responder: responder{locale: deps.Locale},
		store:     store,
		cache:     deps.Cache,
		ttl:       deps.MetricsTTL,
		now:       time.Now,
	}
}

// AdminMetrics serves archive-wide usage numbers, cached for the configured
// TTL. X-Cache tells whether the payload came from the cache.
func (h *MetricsHandler) AdminMetrics(c *gin.Context) {
	ctx := c.Request.Context()

	var cached archive.Metrics
	err := cache.GetJSON(ctx, h.cache, metricsCacheKey, &cached)
	if err == nil {
		c.Header("X-Cache", "HIT")
		c.JSON(http.StatusOK, cached)
		return
	}
	if !errors.Is(err, cache.ErrMiss) {
		logger.Log.Warn("metrics cache read failed", "error", err)
	}

	metrics, err := h.store.AdminMetrics(ctx, h.now())
	if err != nil {
		h.failInternal(c, "failed to load metrics", err)
		return
	}
	if err := cache.SetJSON(ctx, h.cache, metricsCacheKey, metrics, h.ttl); err != nil {
		logger.Log.Warn("metrics cache write failed", "error", err)
	}

	c.Header("X-Cache", "MISS")
	c.JSON(http.StatusOK, metrics)
}
