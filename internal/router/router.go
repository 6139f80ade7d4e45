package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stemsi/exstem-interview/internal/config"
	"github.com/stemsi/exstem-interview/internal/handler"
	"github.com/stemsi/exstem-interview/internal/middleware"
	"github.com/stemsi/exstem-interview/internal/response"
)

// initializeRate bounds initialize calls per IP; each one opens a remote
// session and the candidate's camera.
const (
	initializeRate     = 10
	initializeInterval = time.Minute
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(handlers *Handlers, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Health check and Prometheus scrape endpoint.
	router.GET("/health", handlers.System.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	initLimiter := middleware.NewRateLimiter(initializeRate, initializeInterval)

	// ─── 1. Session Group (Bearer) ─────────────────────────────────────
	sessions := router.Group("/api/v1/sessions/:session_id")
	sessions.Use(middleware.RequireBearer())
	{
		sessions.POST("/initialize", initLimiter.Middleware(), handlers.Session.Initialize)
		sessions.POST("/recording/start", handlers.Session.StartRecording)
		sessions.POST("/recording/stop", handlers.Session.StopRecording)
		sessions.POST("/finish", handlers.Session.Finish)
		sessions.DELETE("", handlers.Session.Leave)
		sessions.GET("/state", handlers.Session.State)

		// The audit trail can hold hundreds of attention samples.
		sessions.GET("/audit", middleware.Brotli(5, middleware.DefaultBrotliMinLength), handlers.Session.Audit)
	}

	// ─── 2. System Group (Bearer, operator token when configured) ──────
	system := router.Group("/api/v1/system")
	system.Use(middleware.RequireBearer(), middleware.RequireOperator(cfg.SystemToken))
	{
		system.GET("/metrics", handlers.System.SystemMetricsSSE)
	}

	// ─── 3. WebSocket Group (Bearer via ?token=) ───────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireBearer())
	{
		ws.GET("/sessions/:session_id/device", handlers.WS.DeviceStream)
	}

	return router
}
