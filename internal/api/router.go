package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/soulline/advisory/internal/auth"
	"github.com/soulline/advisory/internal/handlers"
	"github.com/soulline/advisory/internal/ledger"
	"github.com/soulline/advisory/internal/lifecycle"
	"github.com/soulline/advisory/internal/middleware"
	"github.com/soulline/advisory/internal/realtime"
	"github.com/soulline/advisory/internal/session"
	appErrors "github.com/soulline/advisory/pkg/errors"
	"github.com/soulline/advisory/pkg/response"
)

// Deps bundles the services the router exposes over HTTP.
type Deps struct {
	DB        *gorm.DB
	JWT       *iauth.JWTService
	Manager   *session.Manager
	Lifecycle *lifecycle.Service
	Ledger    *ledger.Service
	Hub       *realtime.Hub
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("session manager must be provided")
	}
	if deps.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle service must be provided")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger service must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	// Public endpoints
	r.GET("/healthz", handlers.Health(deps.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket entry point authenticates its own token so browsers can
	// connect without custom headers.
	if deps.Hub != nil {
		realtimeHandler := handlers.NewRealtimeHandler(deps.Hub, deps.JWT)
		r.GET("/ws", realtimeHandler.Stream)
	}

	sessionHandler, err := handlers.NewSessionHandler(deps.Manager, deps.Lifecycle)
	if err != nil {
		return nil, err
	}
	creditHandler, err := handlers.NewCreditHandler(deps.Ledger)
	if err != nil {
		return nil, err
	}

	api := r.Group("/api/v1")
	api.Use(middleware.Auth(deps.JWT))

	sessions := api.Group("/sessions")
	{
		sessions.POST("", sessionHandler.Open)
		sessions.GET("", sessionHandler.List)
		sessions.GET("/:id", sessionHandler.Get)
		sessions.GET("/:id/billing", sessionHandler.Billing)
		sessions.POST("/:id/end", sessionHandler.End)
		sessions.POST("/:id/continue", sessionHandler.Continue)
		sessions.POST("/:id/heartbeat", sessionHandler.Heartbeat)
		sessions.POST("/:id/signals/connection", sessionHandler.ConnectionSignal)
		sessions.POST("/:id/signals/transport-error", sessionHandler.TransportError)
		sessions.POST("/:id/signals/quality", sessionHandler.QualitySample)
	}

	credits := api.Group("/credits")
	{
		credits.GET("/balance", creditHandler.Balance)
		credits.POST("/topup", creditHandler.TopUp)
		credits.GET("/history", creditHandler.History)
	}

	r.NoRoute(func(c *gin.Context) {
		response.Error(c, appErrors.ErrNotFound)
	})

	return r, nil
}
