package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"charge-status-backend/config"
	"charge-status-backend/internal/mw"
	"charge-status-backend/internal/queue"
	"charge-status-backend/internal/store"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(s store.Store, worker *queue.Worker, cfg *config.Config) *gin.Engine {
	r := gin.Default()

	handler := NewHandler(s, worker)

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst)

	cacheTTL := time.Duration(cfg.Server.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(cacheTTL, 2*cacheTTL)
	caching := mw.Cache(cacheStore, cacheTTL)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		// Status reads are cached; queue mutations never are.
		api.GET("/stations/:station_id/status", caching, handler.GetStationStatus)

		api.POST("/verification/enqueue", handler.EnqueueVerification)
		api.POST("/verification/claim", handler.ClaimVerification)
		api.POST("/verification/complete", handler.CompleteVerification)
		api.POST("/verification/reconcile", handler.ReconcileVerification)
	}

	return r
}
