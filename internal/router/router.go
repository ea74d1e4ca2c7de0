package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/handler"
	"github.com/stemsi/exstem-sync/internal/metrics"
	"github.com/stemsi/exstem-sync/internal/middleware"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
}

// Services groups the services the route middlewares need.
type Services struct {
	Auth    *service.AuthService
	Attempt *service.AttemptService
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	services *Services,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request ID and access log on every route, metrics per route template.
	router.Use(response.RequestIDMiddleware(log.With().Str("component", "http").Logger()))
	router.Use(metrics.Middleware())

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", metrics.Handler())

	// Autosave traffic is bursty when a client replays its offline queue,
	// so the ceiling is generous.
	attemptLimiter := middleware.NewRateLimiter(600, time.Minute)

	// ─── 1. Attempt Group (JWT + ownership) ────────────────────────────
	attemptAPI := router.Group("/api/v1/attempts/:attempt_id")
	attemptAPI.Use(
		attemptLimiter.Middleware(),
		middleware.RequireStudentJWT(services.Auth),
		middleware.RequireAttemptOwner(services.Attempt),
		middleware.NoStore(),
	)
	{
		attemptAPI.GET("/remaining-time", handlers.Attempt.RemainingTime)
		attemptAPI.GET("/answers", handlers.Attempt.ListAnswers)
		attemptAPI.POST("/answers", handlers.Attempt.SaveAnswer)
		attemptAPI.POST("/submit", handlers.Attempt.Submit)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1/attempts/:attempt_id")
	ws.Use(
		middleware.RequireStudentWSAuth(services.Auth),
		middleware.RequireAttemptOwner(services.Attempt),
	)
	{
		ws.GET("/stream", handlers.WS.AttemptStream)
	}

	return router
}
