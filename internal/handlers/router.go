package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/ledger"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/presence"
	"github.com/mossy-p/call-signaling/internal/registry"
	"github.com/mossy-p/call-signaling/internal/relay"
)

// Deps are the long-lived components the routes are served from. Ledger is
// nil when the invitation ledger is disabled.
type Deps struct {
	Registry *registry.Registry
	Presence *presence.Broadcaster
	Relay    *relay.Relay
	Ledger   *ledger.Ledger
}

func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", Health(deps.Registry))

	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		if deps.Ledger != nil {
			inv := NewInvitations(deps.Ledger, cfg.Call.RingTimeout)
			apiGroup.POST("/invitations", auth, inv.Create)
			apiGroup.GET("/invitations/incoming/stream", auth, inv.StreamIncoming)
			apiGroup.GET("/invitations/:id", inv.Get)
			apiGroup.GET("/invitations/:id/stream", inv.StreamInvitation)
			apiGroup.POST("/invitations/:id/accept", auth, inv.Accept)
			apiGroup.POST("/invitations/:id/reject", auth, inv.Reject)
			apiGroup.POST("/invitations/:id/cancel", auth, inv.Cancel)
		}
	}

	sig := NewSignaling(cfg.Signaling, cfg.RequireAuth, deps.Registry, deps.Presence, deps.Relay)
	wsGroup := router.Group("/ws")
	if cfg.RequireAuth {
		wsGroup.Use(auth)
	}
	{
		wsGroup.GET("/signal", sig.Handle)
	}

	return router
}
